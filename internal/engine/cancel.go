package engine

import (
	"errors"
	"sync"
)

// ErrCanceled is returned by strategies and workers that observed a
// cancellation at a suspension point.
var ErrCanceled = errors.New("task canceled")

// CancelToken flips once. Workers check it before every LLM call and every
// tool dispatch; it is observed, never thrown.
type CancelToken struct {
	once   sync.Once
	done   chan struct{}
	mu     sync.Mutex
	reason string
}

func NewCancelToken() *CancelToken {
	return &CancelToken{done: make(chan struct{})}
}

// Cancel flips the token. Later calls keep the first reason.
func (t *CancelToken) Cancel(reason string) {
	t.once.Do(func() {
		t.mu.Lock()
		if reason == "" {
			reason = "canceled"
		}
		t.reason = reason
		t.mu.Unlock()
		close(t.done)
	})
}

// Canceled reports whether the token has flipped.
func (t *CancelToken) Canceled() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

// Reason returns the first cancel reason, empty until flipped.
func (t *CancelToken) Reason() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.reason
}

// Done exposes the token for select loops.
func (t *CancelToken) Done() <-chan struct{} {
	return t.done
}
