package llm

import (
	"context"
	"log/slog"
	"time"
)

// RetryingProvider wraps a Provider with a single retry on unavailability.
// Rate limits, auth failures, and invalid requests are never retried here;
// the caller surfaces those.
type RetryingProvider struct {
	inner   Provider
	backoff time.Duration
	logger  *slog.Logger
}

func NewRetryingProvider(inner Provider, backoff time.Duration, logger *slog.Logger) *RetryingProvider {
	if backoff <= 0 {
		backoff = 2 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RetryingProvider{inner: inner, backoff: backoff, logger: logger}
}

func (r *RetryingProvider) Name() string { return r.inner.Name() }

func (r *RetryingProvider) Chat(ctx context.Context, req Request, onDelta DeltaFunc) (*Response, error) {
	delivered := false
	wrapped := onDelta
	if onDelta != nil {
		wrapped = func(chunk string) {
			delivered = true
			onDelta(chunk)
		}
	}
	resp, err := r.inner.Chat(ctx, req, wrapped)
	if err == nil || !Retryable(err) {
		return resp, err
	}
	if delivered {
		// Deltas already reached the subscriber; a retry would duplicate
		// streamed text.
		return resp, err
	}

	r.logger.Warn("provider unavailable, retrying once", "provider", r.inner.Name(), "backoff", r.backoff, "error", err)
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(r.backoff):
	}
	return r.inner.Chat(ctx, req, onDelta)
}
