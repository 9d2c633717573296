package ratelimit

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/vyrodovalexey/apigw/internal/observability"
	"github.com/vyrodovalexey/apigw/internal/ratelimit/store"
)

// Prometheus metrics for admission decisions.
var (
	ratelimitDecisionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "apigw_ratelimit_decisions_total",
			Help: "Total number of rate limit admission decisions",
		},
		[]string{"policy", "decision"},
	)

	ratelimitStoreFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "apigw_ratelimit_store_failures_total",
			Help: "Total number of counter store failures during admission",
		},
	)
)

// FixedWindowLimiter implements fixed-window rate limiting on top of a
// counter store. Time is divided into windows of the policy length and
// requests are counted per (client, policy, window) key.
//
// The counter increment is a single atomic store operation, so
// concurrent requests from the same client never lose updates. A
// rejected request still increments the counter: the count tracks
// attempts, and the internal value may exceed the cap slightly under
// concurrency, which admission tolerates.
type FixedWindowLimiter struct {
	store  store.Store
	logger observability.Logger

	failClosed        bool
	countOnlyAdmitted bool

	now func() time.Time
}

// Option is a functional option for the fixed window limiter.
type Option func(*FixedWindowLimiter)

// WithLimiterLogger sets the logger for the limiter.
func WithLimiterLogger(logger observability.Logger) Option {
	return func(l *FixedWindowLimiter) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// WithFailClosed makes the limiter reject requests when the counter
// store is unreachable. The default is fail-open: admit and log.
func WithFailClosed() Option {
	return func(l *FixedWindowLimiter) {
		l.failClosed = true
	}
}

// WithCountOnlyAdmitted counts only admitted requests instead of all
// attempts. The pre-check read and the increment are not atomic
// together, so bursts at the cap may briefly overshoot.
func WithCountOnlyAdmitted() Option {
	return func(l *FixedWindowLimiter) {
		l.countOnlyAdmitted = true
	}
}

// NewFixedWindowLimiter creates a new fixed window limiter.
func NewFixedWindowLimiter(s store.Store, opts ...Option) *FixedWindowLimiter {
	l := &FixedWindowLimiter{
		store:  s,
		logger: observability.NopLogger(),
		now:    time.Now,
	}

	for _, opt := range opts {
		opt(l)
	}

	return l
}

// Admit implements Limiter.
func (l *FixedWindowLimiter) Admit(ctx context.Context, clientKey string, policy Policy) (*Result, error) {
	if err := policy.Validate(); err != nil {
		return nil, err
	}

	now := l.now()
	slot := windowSlot(now, policy.WindowSeconds)
	key := counterKey(clientKey, policy.ID, slot)
	resetAt := time.Unix((slot+1)*int64(policy.WindowSeconds), 0)

	if l.countOnlyAdmitted {
		return l.admitCountingAdmitted(ctx, key, policy, resetAt)
	}

	count, err := l.store.IncrementWithExpiry(ctx, key, 1, policy.Window())
	if err != nil {
		return l.storeFailure(clientKey, policy, resetAt, err)
	}

	return l.buildResult(count, policy, resetAt), nil
}

// admitCountingAdmitted checks the counter before incrementing so that
// rejected requests do not consume quota.
func (l *FixedWindowLimiter) admitCountingAdmitted(
	ctx context.Context, key string, policy Policy, resetAt time.Time,
) (*Result, error) {
	current, err := l.store.Get(ctx, key)
	if err != nil && !store.IsKeyNotFound(err) {
		return l.storeFailure(key, policy, resetAt, err)
	}

	if int(current) >= policy.MaxRequests {
		ratelimitDecisionsTotal.WithLabelValues(policy.ID, "rejected").Inc()
		return &Result{
			Allowed:   false,
			Limit:     policy.MaxRequests,
			Remaining: 0,
			ResetAt:   resetAt,
		}, nil
	}

	count, err := l.store.IncrementWithExpiry(ctx, key, 1, policy.Window())
	if err != nil {
		return l.storeFailure(key, policy, resetAt, err)
	}

	return l.buildResult(count, policy, resetAt), nil
}

// buildResult derives the admission result from a post-increment count.
func (l *FixedWindowLimiter) buildResult(count int64, policy Policy, resetAt time.Time) *Result {
	allowed := int(count) <= policy.MaxRequests

	remaining := policy.MaxRequests - int(count)
	if remaining < 0 {
		remaining = 0
	}

	decision := "allowed"
	if !allowed {
		decision = "rejected"
	}
	ratelimitDecisionsTotal.WithLabelValues(policy.ID, decision).Inc()

	return &Result{
		Allowed:   allowed,
		Limit:     policy.MaxRequests,
		Remaining: remaining,
		ResetAt:   resetAt,
	}
}

// storeFailure applies the configured failure semantics.
func (l *FixedWindowLimiter) storeFailure(
	clientKey string, policy Policy, resetAt time.Time, err error,
) (*Result, error) {
	ratelimitStoreFailuresTotal.Inc()

	if l.failClosed {
		l.logger.Error("rate limit store unreachable, rejecting request",
			observability.String("policy", policy.ID),
			observability.Error(err))
		return nil, ErrStoreUnavailable
	}

	l.logger.Warn("rate limit store unreachable, admitting request",
		observability.String("policy", policy.ID),
		observability.String("client", clientKey),
		observability.Error(err))

	return &Result{
		Allowed:   true,
		Limit:     policy.MaxRequests,
		Remaining: policy.MaxRequests,
		ResetAt:   resetAt,
	}, nil
}

// Reset implements Limiter. It clears the current-window counter.
func (l *FixedWindowLimiter) Reset(ctx context.Context, clientKey string, policy Policy) error {
	if err := policy.Validate(); err != nil {
		return err
	}

	slot := windowSlot(l.now(), policy.WindowSeconds)
	return l.store.Delete(ctx, counterKey(clientKey, policy.ID, slot))
}
