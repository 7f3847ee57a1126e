package ratelimit

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"FeatPull/internal/domain/errs"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBudgetCapacityPlusOne(t *testing.T) {
	b, err := NewBudget("test", Config{Capacity: 5, Refill: 5, Interval: 200 * time.Millisecond})
	require.NoError(t, err)

	ctx := context.Background()
	start := time.Now()
	for i := 0; i < 5; i++ {
		require.NoError(t, b.Acquire(ctx, 1))
	}
	assert.Less(t, time.Since(start), 20*time.Millisecond, "burst should be admitted immediately")

	start = time.Now()
	require.NoError(t, b.Acquire(ctx, 1))
	assert.GreaterOrEqual(t, time.Since(start), 25*time.Millisecond, "sixth call must wait for refill")
}

func TestBudgetTryAcquire(t *testing.T) {
	b, err := NewBudget("test", Config{Capacity: 2, Refill: 1, Interval: time.Hour})
	require.NoError(t, err)

	assert.True(t, b.TryAcquire(1))
	assert.True(t, b.TryAcquire(1))
	assert.False(t, b.TryAcquire(1))
	assert.Less(t, b.Tokens(), 1.0)
}

func TestBudgetCostExceedsCapacity(t *testing.T) {
	b, err := NewBudget("test", Config{Capacity: 3, Refill: 3, Interval: time.Second})
	require.NoError(t, err)

	err = b.Acquire(context.Background(), 4)
	assert.ErrorIs(t, err, errs.ErrCostExceedsCapacity)
	assert.False(t, errs.IsRetryable(err))
}

func TestBudgetDeadlineReturnsTimeout(t *testing.T) {
	b, err := NewBudget("okx_api", Config{Capacity: 1, Refill: 1, Interval: time.Hour})
	require.NoError(t, err)
	require.NoError(t, b.Acquire(context.Background(), 1))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err = b.Acquire(ctx, 1)

	var rl *errs.RateLimitTimeout
	require.True(t, errors.As(err, &rl))
	assert.Equal(t, "okx_api", rl.Key)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.True(t, errs.IsRetryable(err))
}

func TestBudgetCancelledContext(t *testing.T) {
	b, err := NewBudget("test", DefaultConfig())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = b.Acquire(ctx, 1)
	assert.ErrorIs(t, err, context.Canceled)
	assert.InDelta(t, 20, b.Tokens(), 0.5, "aborted wait must not debit")
}

func TestBudgetConcurrentAdmissionBound(t *testing.T) {
	cfg := Config{Capacity: 4, Refill: 4, Interval: 100 * time.Millisecond}
	b, err := NewBudget("test", cfg)
	require.NoError(t, err)

	window := 250 * time.Millisecond
	ctx, cancel := context.WithTimeout(context.Background(), window)
	defer cancel()

	var admitted int64
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				if err := b.Acquire(ctx, 1); err != nil {
					return
				}
				atomic.AddInt64(&admitted, 1)
			}
		}()
	}
	wg.Wait()

	bound := int64(cfg.Capacity) + int64(float64(cfg.Refill)*window.Seconds()/cfg.Interval.Seconds()) + 1
	assert.LessOrEqual(t, atomic.LoadInt64(&admitted), bound)
	assert.GreaterOrEqual(t, atomic.LoadInt64(&admitted), int64(cfg.Capacity))
}

func TestLimiterSharesBudgetPerKey(t *testing.T) {
	l, err := New(Config{Capacity: 1, Refill: 1, Interval: time.Hour})
	require.NoError(t, err)

	assert.Same(t, l.Budget(DefaultKey), l.Budget(DefaultKey))
	assert.True(t, l.Allow(DefaultKey))
	assert.False(t, l.Allow(DefaultKey))
	assert.True(t, l.Allow("other"))
}

func TestInvalidConfig(t *testing.T) {
	_, err := New(Config{Capacity: 0, Refill: 1, Interval: time.Second})
	assert.Error(t, err)
	_, err = NewBudget("x", Config{Capacity: 1, Refill: 1})
	assert.Error(t, err)
}
