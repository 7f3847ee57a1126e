package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"FeatPull/internal/domain/errs"

	"golang.org/x/time/rate"
)

// DefaultKey is the budget shared by public exchange market-data calls.
const DefaultKey = "okx_api"

// Config describes a token bucket: Capacity tokens at most, Refill tokens
// added every Interval.
type Config struct {
	Capacity int
	Refill   int
	Interval time.Duration
}

// DefaultConfig matches the exchange public limit of 20 requests per 2 seconds.
func DefaultConfig() Config {
	return Config{Capacity: 20, Refill: 20, Interval: 2 * time.Second}
}

func (c Config) validate() error {
	if c.Capacity <= 0 {
		return fmt.Errorf("capacity must be positive, got %d", c.Capacity)
	}
	if c.Refill <= 0 {
		return fmt.Errorf("refill must be positive, got %d", c.Refill)
	}
	if c.Interval <= 0 {
		return fmt.Errorf("interval must be positive, got %s", c.Interval)
	}
	return nil
}

// Budget is a token bucket gating outbound calls for one credential scope.
// It starts full and is never persisted.
type Budget struct {
	key string
	cfg Config
	lim *rate.Limiter
}

// NewBudget creates a full budget.
func NewBudget(key string, cfg Config) (*Budget, error) {
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("budget %s: %w", key, err)
	}
	perSec := float64(cfg.Refill) / cfg.Interval.Seconds()
	return &Budget{
		key: key,
		cfg: cfg,
		lim: rate.NewLimiter(rate.Limit(perSec), cfg.Capacity),
	}, nil
}

// Acquire blocks until cost tokens are available and debits them.
// A cancelled or expired ctx aborts the wait with *errs.RateLimitTimeout and
// debits nothing. A cost larger than the capacity can never be satisfied.
func (b *Budget) Acquire(ctx context.Context, cost int) error {
	if cost <= 0 {
		return nil
	}
	if cost > b.cfg.Capacity {
		return fmt.Errorf("budget %s cost %d capacity %d: %w", b.key, cost, b.cfg.Capacity, errs.ErrCostExceedsCapacity)
	}
	if err := ctx.Err(); err != nil {
		return &errs.RateLimitTimeout{Key: b.key, Cost: cost, Err: err}
	}
	if err := b.lim.WaitN(ctx, cost); err != nil {
		// WaitN also refuses up front when the deadline is shorter than the wait.
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = ctxErr
		} else if _, ok := ctx.Deadline(); ok {
			err = errors.Join(context.DeadlineExceeded, err)
		}
		return &errs.RateLimitTimeout{Key: b.key, Cost: cost, Err: err}
	}
	return nil
}

// TryAcquire debits cost tokens only if they are available right now.
func (b *Budget) TryAcquire(cost int) bool {
	if cost > b.cfg.Capacity {
		return false
	}
	return b.lim.AllowN(time.Now(), cost)
}

// Tokens returns the tokens currently available.
func (b *Budget) Tokens() float64 { return b.lim.Tokens() }

// Key returns the credential scope of the budget.
func (b *Budget) Key() string { return b.key }

// Config returns the bucket configuration.
func (b *Budget) Config() Config { return b.cfg }

// Limiter hands out one shared Budget per credential scope.
type Limiter struct {
	mu  sync.Mutex
	cfg Config
	m   map[string]*Budget
}

// New creates a limiter whose budgets use cfg.
func New(cfg Config) (*Limiter, error) {
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("ratelimit: %w", err)
	}
	return &Limiter{cfg: cfg, m: make(map[string]*Budget)}, nil
}

// Budget returns the budget for key, creating it full on first use.
func (l *Limiter) Budget(key string) *Budget {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.m[key]
	if !ok {
		// cfg was validated by New
		b, _ = NewBudget(key, l.cfg)
		l.m[key] = b
	}
	return b
}

// Allow returns true if one token can be consumed for key without waiting.
func (l *Limiter) Allow(key string) bool {
	return l.Budget(key).TryAcquire(1)
}
