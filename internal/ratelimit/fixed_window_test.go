package ratelimit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vyrodovalexey/apigw/internal/ratelimit/store"
)

// ============================================================================
// Test Helpers
// ============================================================================

// mockStore is a Store with pluggable behavior.
type mockStore struct {
	getFunc       func(ctx context.Context, key string) (int64, error)
	incrementFunc func(ctx context.Context, key string, delta int64, expiration time.Duration) (int64, error)
	deleteFunc    func(ctx context.Context, key string) error
}

func (m *mockStore) Get(ctx context.Context, key string) (int64, error) {
	if m.getFunc != nil {
		return m.getFunc(ctx, key)
	}
	return 0, &store.ErrKeyNotFound{Key: key}
}

func (m *mockStore) IncrementWithExpiry(
	ctx context.Context, key string, delta int64, expiration time.Duration,
) (int64, error) {
	if m.incrementFunc != nil {
		return m.incrementFunc(ctx, key, delta, expiration)
	}
	return delta, nil
}

func (m *mockStore) Delete(ctx context.Context, key string) error {
	if m.deleteFunc != nil {
		return m.deleteFunc(ctx, key)
	}
	return nil
}

func (m *mockStore) Close() error { return nil }

func testPolicy(limit, windowSeconds int) Policy {
	return Policy{ID: "default", MaxRequests: limit, WindowSeconds: windowSeconds}
}

// ============================================================================
// Fixed Window Limiter Tests
// ============================================================================

func TestFixedWindowLimiter_AdmitSequence(t *testing.T) {
	s := store.NewMemoryStore()
	defer s.Close()

	l := NewFixedWindowLimiter(s)
	ctx := context.Background()
	policy := testPolicy(2, 3600)

	results := make([]*Result, 0, 3)
	for i := 0; i < 3; i++ {
		r, err := l.Admit(ctx, "client-1", policy)
		require.NoError(t, err)
		results = append(results, r)
	}

	assert.True(t, results[0].Allowed)
	assert.True(t, results[1].Allowed)
	assert.False(t, results[2].Allowed)

	assert.Equal(t, 1, results[0].Remaining)
	assert.Equal(t, 0, results[1].Remaining)
	assert.Equal(t, 0, results[2].Remaining)

	for _, r := range results {
		assert.Equal(t, 2, r.Limit)
		assert.True(t, r.ResetAt.After(time.Now()))
	}
}

func TestFixedWindowLimiter_ClientsIsolated(t *testing.T) {
	s := store.NewMemoryStore()
	defer s.Close()

	l := NewFixedWindowLimiter(s)
	ctx := context.Background()
	policy := testPolicy(1, 3600)

	r, err := l.Admit(ctx, "client-1", policy)
	require.NoError(t, err)
	assert.True(t, r.Allowed)

	r, err = l.Admit(ctx, "client-1", policy)
	require.NoError(t, err)
	assert.False(t, r.Allowed)

	// A different client has its own counter.
	r, err = l.Admit(ctx, "client-2", policy)
	require.NoError(t, err)
	assert.True(t, r.Allowed)
}

func TestFixedWindowLimiter_PoliciesIsolated(t *testing.T) {
	s := store.NewMemoryStore()
	defer s.Close()

	l := NewFixedWindowLimiter(s)
	ctx := context.Background()

	strict := Policy{ID: "strict", MaxRequests: 1, WindowSeconds: 3600}
	relaxed := Policy{ID: "relaxed", MaxRequests: 100, WindowSeconds: 3600}

	r, err := l.Admit(ctx, "client-1", strict)
	require.NoError(t, err)
	assert.True(t, r.Allowed)

	r, err = l.Admit(ctx, "client-1", strict)
	require.NoError(t, err)
	assert.False(t, r.Allowed)

	r, err = l.Admit(ctx, "client-1", relaxed)
	require.NoError(t, err)
	assert.True(t, r.Allowed)
}

func TestFixedWindowLimiter_WindowRollover(t *testing.T) {
	s := store.NewMemoryStore()
	defer s.Close()

	l := NewFixedWindowLimiter(s)
	ctx := context.Background()
	policy := testPolicy(1, 60)

	base := time.Unix(1_700_000_000, 0)
	l.now = func() time.Time { return base }

	r, err := l.Admit(ctx, "client-1", policy)
	require.NoError(t, err)
	assert.True(t, r.Allowed)

	r, err = l.Admit(ctx, "client-1", policy)
	require.NoError(t, err)
	assert.False(t, r.Allowed)

	// The next window admits again.
	l.now = func() time.Time { return base.Add(time.Minute) }

	r, err = l.Admit(ctx, "client-1", policy)
	require.NoError(t, err)
	assert.True(t, r.Allowed)

	// Windows align to the epoch, not to the first request.
	assert.Equal(t, (base.Unix()/60+2)*60, r.ResetAt.Unix())
}

func TestFixedWindowLimiter_RejectedStillCounts(t *testing.T) {
	var calls int
	s := &mockStore{
		incrementFunc: func(_ context.Context, _ string, delta int64, _ time.Duration) (int64, error) {
			calls++
			return int64(calls) * delta, nil
		},
	}

	l := NewFixedWindowLimiter(s)
	ctx := context.Background()
	policy := testPolicy(1, 60)

	for i := 0; i < 3; i++ {
		_, err := l.Admit(ctx, "client-1", policy)
		require.NoError(t, err)
	}

	// Every attempt hit the store, including the rejected ones.
	assert.Equal(t, 3, calls)
}

func TestFixedWindowLimiter_CountOnlyAdmitted(t *testing.T) {
	s := store.NewMemoryStore()
	defer s.Close()

	var increments int
	counting := &mockStore{
		getFunc: s.Get,
		incrementFunc: func(ctx context.Context, key string, delta int64, exp time.Duration) (int64, error) {
			increments++
			return s.IncrementWithExpiry(ctx, key, delta, exp)
		},
	}

	l := NewFixedWindowLimiter(counting, WithCountOnlyAdmitted())
	ctx := context.Background()
	policy := testPolicy(2, 3600)

	for i := 0; i < 5; i++ {
		_, err := l.Admit(ctx, "client-1", policy)
		require.NoError(t, err)
	}

	// Only the two admitted requests consumed quota.
	assert.Equal(t, 2, increments)
}

func TestFixedWindowLimiter_FailOpen(t *testing.T) {
	s := &mockStore{
		incrementFunc: func(_ context.Context, _ string, _ int64, _ time.Duration) (int64, error) {
			return 0, errors.New("connection refused")
		},
	}

	l := NewFixedWindowLimiter(s)

	r, err := l.Admit(context.Background(), "client-1", testPolicy(10, 60))
	require.NoError(t, err)
	assert.True(t, r.Allowed)
	assert.Equal(t, 10, r.Remaining)
}

func TestFixedWindowLimiter_FailClosed(t *testing.T) {
	s := &mockStore{
		incrementFunc: func(_ context.Context, _ string, _ int64, _ time.Duration) (int64, error) {
			return 0, errors.New("connection refused")
		},
	}

	l := NewFixedWindowLimiter(s, WithFailClosed())

	_, err := l.Admit(context.Background(), "client-1", testPolicy(10, 60))
	assert.ErrorIs(t, err, ErrStoreUnavailable)
}

func TestFixedWindowLimiter_InvalidPolicy(t *testing.T) {
	l := NewFixedWindowLimiter(&mockStore{})

	_, err := l.Admit(context.Background(), "client-1", Policy{ID: "bad"})
	assert.ErrorIs(t, err, ErrInvalidPolicy)

	_, err = l.Admit(context.Background(), "client-1", Policy{ID: "bad", MaxRequests: 10})
	assert.ErrorIs(t, err, ErrInvalidPolicy)
}

func TestFixedWindowLimiter_Reset(t *testing.T) {
	s := store.NewMemoryStore()
	defer s.Close()

	l := NewFixedWindowLimiter(s)
	ctx := context.Background()
	policy := testPolicy(1, 3600)

	r, err := l.Admit(ctx, "client-1", policy)
	require.NoError(t, err)
	assert.True(t, r.Allowed)

	r, err = l.Admit(ctx, "client-1", policy)
	require.NoError(t, err)
	assert.False(t, r.Allowed)

	require.NoError(t, l.Reset(ctx, "client-1", policy))

	r, err = l.Admit(ctx, "client-1", policy)
	require.NoError(t, err)
	assert.True(t, r.Allowed)
}

func TestFixedWindowLimiter_ConcurrentAdmit(t *testing.T) {
	s := store.NewMemoryStore()
	defer s.Close()

	l := NewFixedWindowLimiter(s)
	ctx := context.Background()
	policy := testPolicy(50, 3600)

	var wg sync.WaitGroup
	var mu sync.Mutex
	allowed := 0

	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r, err := l.Admit(ctx, "client-1", policy)
			if err != nil {
				return
			}
			if r.Allowed {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 50, allowed)
}

func TestNoopLimiter(t *testing.T) {
	l := NewNoopLimiter()

	r, err := l.Admit(context.Background(), "anyone", testPolicy(5, 60))
	require.NoError(t, err)
	assert.True(t, r.Allowed)
	assert.Equal(t, 5, r.Remaining)

	assert.NoError(t, l.Reset(context.Background(), "anyone", testPolicy(5, 60)))
}
