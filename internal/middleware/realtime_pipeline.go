package middleware

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"FeatPull/internal/domain/models"
	domrepo "FeatPull/internal/domain/repository"

	"golang.org/x/time/rate"
)

// Proc is the downstream bar sink.
type Proc interface {
	Process(ctx context.Context, b *models.Bar) error
}

// RealtimePipeline gates live bars between the candle websocket and the
// sink. In-progress updates are rate limited per series; confirmed bars
// always pass. Bars the sink rejects are held, latest update per candle,
// until the drain loop delivers them.
type RealtimePipeline struct {
	proc      Proc
	metrics   domrepo.Metrics
	maxRPS    int
	bufSize   int
	transform func(*models.Bar) *models.Bar

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	pending  map[models.BarKey]*models.Bar
	wake     chan struct{}
	cancel   context.CancelFunc
	done     chan struct{}
}

type PipelineOption func(*RealtimePipeline)

// WithMaxRPS caps unconfirmed updates per second per series. Zero or less
// keeps the default.
func WithMaxRPS(n int) PipelineOption {
	return func(p *RealtimePipeline) {
		if n > 0 {
			p.maxRPS = n
		}
	}
}

// WithBufferSize bounds how many candles are held while the sink is down.
func WithBufferSize(n int) PipelineOption {
	return func(p *RealtimePipeline) {
		if n > 0 {
			p.bufSize = n
		}
	}
}

// WithTransform runs fn on every bar before validation; returning nil drops
// the bar.
func WithTransform(fn func(*models.Bar) *models.Bar) PipelineOption {
	return func(p *RealtimePipeline) { p.transform = fn }
}

func NewRealtimePipeline(proc Proc, metrics domrepo.Metrics, opts ...PipelineOption) *RealtimePipeline {
	p := &RealtimePipeline{
		proc:     proc,
		metrics:  metrics,
		maxRPS:   2,
		bufSize:  1000,
		limiters: make(map[string]*rate.Limiter),
		pending:  make(map[models.BarKey]*models.Bar),
		wake:     make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Start launches the drain loop. It is a no-op when already running.
func (p *RealtimePipeline) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		return
	}
	ctx, p.cancel = context.WithCancel(ctx)
	p.done = make(chan struct{})
	go p.drain(ctx, p.done)
}

// Stop ends the drain loop and waits for it. Held bars stay buffered.
func (p *RealtimePipeline) Stop() {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.cancel, p.done = nil, nil
	p.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Buffered reports candles waiting for the sink.
func (p *RealtimePipeline) Buffered() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}

// Process validates, throttles and forwards b. A sink error holds b for the
// drain loop and is returned to the caller.
func (p *RealtimePipeline) Process(ctx context.Context, b *models.Bar) error {
	start := time.Now()
	if b == nil {
		return fmt.Errorf("bar nil")
	}
	if p.transform != nil {
		if b = p.transform(b); b == nil {
			return fmt.Errorf("bar dropped by transform")
		}
	}
	if err := b.Validate(); err != nil {
		p.metrics.RecordError("pipeline_validate")
		return err
	}
	if !b.Confirm && !p.limiter(b.InstID+"|"+b.Bar).Allow() {
		p.metrics.RecordError("pipeline_throttle")
		return nil
	}
	if err := p.proc.Process(ctx, b); err != nil {
		p.metrics.RecordError("pipeline_process")
		p.hold(b)
		return fmt.Errorf("pipeline downstream: %w", err)
	}
	p.metrics.RecordLatency("pipeline_process", time.Since(start).Seconds())
	return nil
}

func (p *RealtimePipeline) limiter(series string) *rate.Limiter {
	p.mu.Lock()
	defer p.mu.Unlock()
	lim, ok := p.limiters[series]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(p.maxRPS), 1)
		p.limiters[series] = lim
	}
	return lim
}

// hold keeps the newest update of each candle. New candles are dropped once
// the buffer is full.
func (p *RealtimePipeline) hold(b *models.Bar) {
	p.mu.Lock()
	key := b.Key()
	if _, ok := p.pending[key]; !ok && len(p.pending) >= p.bufSize {
		p.mu.Unlock()
		p.metrics.RecordError("pipeline_buffer_full")
		return
	}
	p.pending[key] = b
	p.mu.Unlock()

	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// held returns the buffered bars oldest first.
func (p *RealtimePipeline) held() []*models.Bar {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*models.Bar, 0, len(p.pending))
	for _, b := range p.pending {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp < out[j].Timestamp })
	return out
}

func (p *RealtimePipeline) release(b *models.Bar) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pending[b.Key()] == b {
		delete(p.pending, b.Key())
	}
}

func (p *RealtimePipeline) drain(ctx context.Context, done chan<- struct{}) {
	defer close(done)
	const minBackoff, maxBackoff = 50 * time.Millisecond, 2 * time.Second
	backoff := minBackoff
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.wake:
		case <-timer.C:
		}

		failed := false
		for _, b := range p.held() {
			if err := p.proc.Process(ctx, b); err != nil {
				p.metrics.RecordError("pipeline_flush")
				failed = true
				break
			}
			p.release(b)
		}

		if !failed {
			backoff = minBackoff
			continue
		}
		backoff = min(backoff*2, maxBackoff)
		timer.Reset(backoff)
	}
}
