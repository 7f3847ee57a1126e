package usecase

import (
	"context"
	"fmt"
	"sync"
	"time"

	applogger "FeatPull/pkg/logger"

	"github.com/robfig/cron/v3"
)

// Refresher is the part of Pipeline the scheduler drives.
type Refresher interface {
	Refresh(ctx context.Context, instID string, window time.Duration) error
}

// Scheduler re-runs ingest and build for every instrument on a cron spec.
// Specs carry a seconds field.
type Scheduler struct {
	cron        *cron.Cron
	pipe        Refresher
	instruments []string
	window      time.Duration
	l           *applogger.Logger

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	running bool
}

func NewScheduler(pipe Refresher, instruments []string, window time.Duration, l *applogger.Logger) *Scheduler {
	return &Scheduler{
		cron:        cron.New(cron.WithSeconds(), cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		pipe:        pipe,
		instruments: instruments,
		window:      window,
		l:           l,
	}
}

// Register adds the refresh job.
func (s *Scheduler) Register(spec string) error {
	if _, err := s.cron.AddFunc(spec, s.RunNow); err != nil {
		return fmt.Errorf("register refresh %q: %w", spec, err)
	}
	return nil
}

func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.running = true
	s.cron.Start()
	if s.l != nil {
		s.l.Info("scheduler started", applogger.Int("instruments", len(s.instruments)))
	}
}

// Stop cancels in-flight runs and waits for them to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.cancel()
	s.mu.Unlock()

	<-s.cron.Stop().Done()
	if s.l != nil {
		s.l.Info("scheduler stopped")
	}
}

// RunNow refreshes every instrument once, in order.
func (s *Scheduler) RunNow() {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}
	for _, inst := range s.instruments {
		if ctx.Err() != nil {
			return
		}
		start := time.Now()
		if err := s.pipe.Refresh(ctx, inst, s.window); err != nil {
			if s.l != nil {
				s.l.Error("scheduled refresh failed", applogger.String("inst_id", inst), applogger.Error(err))
			}
			continue
		}
		if s.l != nil {
			s.l.Debug("scheduled refresh", applogger.String("inst_id", inst), applogger.Duration("duration_ms", time.Since(start)))
		}
	}
}
