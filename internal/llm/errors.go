package llm

import (
	"context"
	"errors"
	"fmt"
)

// Error kinds. Providers wrap vendor errors so callers branch on kind, not
// on vendor types.
var (
	ErrModelNotSupported    = errors.New("model not supported")
	ErrProviderNotAvailable = errors.New("provider not available")
	ErrRateLimitExceeded    = errors.New("rate limit exceeded")
	ErrAuthenticationFailed = errors.New("authentication failed")
	ErrInvalidRequest       = errors.New("invalid request")
	ErrGenerationFailed     = errors.New("generation failed")
)

// classifyStatus maps an HTTP status from a vendor API onto a kind
// sentinel, keeping the vendor error in the chain.
func classifyStatus(provider string, status int, err error) error {
	var kind error
	switch {
	case status == 401 || status == 403:
		kind = ErrAuthenticationFailed
	case status == 404:
		kind = ErrModelNotSupported
	case status == 429:
		kind = ErrRateLimitExceeded
	case status == 400 || status == 422:
		kind = ErrInvalidRequest
	case status >= 500:
		kind = ErrProviderNotAvailable
	default:
		kind = ErrGenerationFailed
	}
	return fmt.Errorf("%s: %w: %w", provider, kind, err)
}

// classifyTransport handles errors with no HTTP status: context errors pass
// through untouched, everything else is treated as the provider being
// unreachable.
func classifyTransport(provider string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%s: %w: %w", provider, ErrProviderNotAvailable, err)
}

// Retryable reports whether a provider error is worth one more attempt.
func Retryable(err error) bool {
	return errors.Is(err, ErrProviderNotAvailable)
}
