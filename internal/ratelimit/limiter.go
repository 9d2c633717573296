// Package ratelimit provides per-client request admission for the gateway
// using fixed-window counters backed by a shared store.
package ratelimit

import (
	"context"
	"errors"
	"time"
)

// Common rate limit errors.
var (
	// ErrInvalidPolicy indicates a policy with a zero limit or window.
	ErrInvalidPolicy = errors.New("invalid rate limit policy")

	// ErrStoreUnavailable indicates the counter store could not be
	// reached and the limiter is configured to fail closed.
	ErrStoreUnavailable = errors.New("rate limit store unavailable")
)

// Policy represents a rate limit policy.
type Policy struct {
	// ID identifies the policy in counter keys and metrics.
	ID string `yaml:"id"`

	// MaxRequests is the maximum number of requests allowed in the window.
	MaxRequests int `yaml:"maxRequests"`

	// WindowSeconds is the length of the fixed window in seconds.
	WindowSeconds int `yaml:"windowSeconds"`
}

// Validate checks the policy invariants.
func (p Policy) Validate() error {
	if p.MaxRequests <= 0 || p.WindowSeconds <= 0 {
		return ErrInvalidPolicy
	}
	return nil
}

// Window returns the policy window as a duration.
func (p Policy) Window() time.Duration {
	return time.Duration(p.WindowSeconds) * time.Second
}

// Result represents the outcome of an admission check.
type Result struct {
	// Allowed indicates whether the request is admitted.
	Allowed bool

	// Limit is the maximum number of requests allowed in the window.
	Limit int

	// Remaining is the number of requests remaining in the current
	// window. Never negative.
	Remaining int

	// ResetAt is the time the current window ends.
	ResetAt time.Time
}

// Limiter decides whether a request from a client is admitted under a
// policy.
type Limiter interface {
	// Admit checks and records one request for the client under the
	// given policy.
	Admit(ctx context.Context, clientKey string, policy Policy) (*Result, error)

	// Reset clears the current-window counter for the client under the
	// given policy.
	Reset(ctx context.Context, clientKey string, policy Policy) error
}

// NoopLimiter admits every request. Used when rate limiting is disabled.
type NoopLimiter struct{}

// NewNoopLimiter creates a new noop limiter.
func NewNoopLimiter() *NoopLimiter {
	return &NoopLimiter{}
}

// Admit implements Limiter.
func (l *NoopLimiter) Admit(_ context.Context, _ string, policy Policy) (*Result, error) {
	return &Result{
		Allowed:   true,
		Limit:     policy.MaxRequests,
		Remaining: policy.MaxRequests,
	}, nil
}

// Reset implements Limiter.
func (l *NoopLimiter) Reset(_ context.Context, _ string, _ Policy) error {
	return nil
}
