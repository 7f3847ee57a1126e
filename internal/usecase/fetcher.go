package usecase

import (
	"context"
	"fmt"
	"time"

	"FeatPull/internal/domain/errs"
	"FeatPull/internal/domain/models"
	drepo "FeatPull/internal/domain/repository"
	"FeatPull/internal/service/okx"
	applogger "FeatPull/pkg/logger"
	"FeatPull/pkg/metrics"
	"FeatPull/pkg/util"
)

// StopReason explains why a pull ended.
type StopReason string

const (
	StopEmptyPage    StopReason = "empty_page"
	StopMaxRecords   StopReason = "max_records"
	StopDedup        StopReason = "dedup"
	StopEndOfHistory StopReason = "end_of_history"
	StopReachedUntil StopReason = "reached_until"
	StopMalformed    StopReason = "malformed_page"
)

// Admission gates outbound calls; *ratelimit.Budget implements it.
type Admission interface {
	Acquire(ctx context.Context, cost int) error
	Tokens() float64
	Key() string
}

// FetcherConfig tunes pagination and retry.
type FetcherConfig struct {
	PageLimit     int
	MaxRecords    int
	RetryAttempts int
	BackoffMin    time.Duration
	BackoffMax    time.Duration
	DedupStop     bool
}

func DefaultFetcherConfig() FetcherConfig {
	return FetcherConfig{
		PageLimit:     okx.MaxPageLimit,
		MaxRecords:    2000,
		RetryAttempts: 3,
		BackoffMin:    200 * time.Millisecond,
		BackoffMax:    5 * time.Second,
		DedupStop:     true,
	}
}

// PullRequest asks for bars older than After (0 = from the newest bar).
// MaxRecords overrides the configured cap when positive. Until, when set,
// stops the pull once a page reaches bars opened at or before it; backfills
// use it instead of the dedup stop.
type PullRequest struct {
	InstID     string
	Bar        drepo.Timeframe
	After      int64
	MaxRecords int
	Until      int64
}

// PullResult summarizes one pull. NextCursor resumes where it stopped.
type PullResult struct {
	InstID     string        `json:"inst_id"`
	Bar        string        `json:"bar"`
	Pages      int           `json:"pages"`
	Fetched    int           `json:"fetched"`
	Stored     int           `json:"stored"`
	Duplicates int           `json:"duplicates"`
	Malformed  int           `json:"malformed"`
	Stop       StopReason    `json:"stop"`
	NextCursor int64         `json:"next_cursor"`
	Duration   time.Duration `json:"duration_ns"`
}

// Fetcher pages backwards through exchange history into the bar store.
type Fetcher struct {
	source  drepo.CandleSource
	store   drepo.BarStore
	budget  Admission
	cfg     FetcherConfig
	metrics drepo.Metrics
	l       *applogger.Logger
	sleep   func(ctx context.Context, d time.Duration) error
}

// FetcherOption configures Fetcher.
type FetcherOption func(*Fetcher)

func WithFetcherLogger(l *applogger.Logger) FetcherOption {
	return func(f *Fetcher) { f.l = l }
}

func WithFetcherMetrics(m drepo.Metrics) FetcherOption {
	return func(f *Fetcher) {
		if m != nil {
			f.metrics = m
		}
	}
}

// WithFetcherSleep replaces the backoff sleep; tests use it to skip waiting.
func WithFetcherSleep(sleep func(ctx context.Context, d time.Duration) error) FetcherOption {
	return func(f *Fetcher) { f.sleep = sleep }
}

func NewFetcher(source drepo.CandleSource, store drepo.BarStore, budget Admission, cfg FetcherConfig, opts ...FetcherOption) *Fetcher {
	def := DefaultFetcherConfig()
	if cfg.PageLimit <= 0 || cfg.PageLimit > okx.MaxPageLimit {
		cfg.PageLimit = def.PageLimit
	}
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = def.RetryAttempts
	}
	if cfg.BackoffMin <= 0 {
		cfg.BackoffMin = def.BackoffMin
	}
	if cfg.BackoffMax < cfg.BackoffMin {
		cfg.BackoffMax = def.BackoffMax
	}
	f := &Fetcher{
		source:  source,
		store:   store,
		budget:  budget,
		cfg:     cfg,
		metrics: metrics.Nop{},
		sleep:   sleepCtx,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Pull pages until a stop condition. Pages stored before a failure stay
// stored; a failure after exhausted retries is a *errs.TransientIngestionError
// whose Cursor resumes the pull.
func (f *Fetcher) Pull(ctx context.Context, req PullRequest) (PullResult, error) {
	start := time.Now()
	res := PullResult{InstID: req.InstID, Bar: req.Bar.String(), NextCursor: req.After}
	defer func() {
		res.Duration = time.Since(start)
	}()

	if req.InstID == "" {
		return res, fmt.Errorf("pull: inst_id required")
	}
	if !drepo.IsValidTimeframe(req.Bar) {
		return res, fmt.Errorf("pull: unsupported bar %q", req.Bar)
	}
	limit := f.cfg.MaxRecords
	if req.MaxRecords > 0 {
		limit = req.MaxRecords
	}

	cursor := req.After
	for {
		if limit > 0 && res.Fetched >= limit {
			res.Stop = StopMaxRecords
			break
		}

		rows, err := f.fetchPage(ctx, req, cursor)
		if err != nil {
			f.metrics.RecordError("fetch")
			return f.finish(res), err
		}
		res.Pages++
		f.metrics.RecordPage(req.InstID, req.Bar.String(), len(rows))
		if len(rows) == 0 {
			res.Stop = StopEmptyPage
			break
		}

		bars, malformed := f.parse(req, rows)
		res.Malformed += malformed
		if len(bars) == 0 {
			res.Stop = StopMalformed
			break
		}
		if limit > 0 && res.Fetched+len(bars) > limit {
			// rows are newest first: keep the newest ones
			bars = bars[:limit-res.Fetched]
		}
		res.Fetched += len(bars)

		fresh, err := f.persist(ctx, req, bars)
		if err != nil {
			return f.finish(res), fmt.Errorf("pull %s %s at cursor %d: %w", req.InstID, req.Bar, cursor, err)
		}
		res.Stored += fresh
		res.Duplicates += len(bars) - fresh

		cursor = oldest(bars)
		res.NextCursor = cursor

		if req.Until > 0 {
			if cursor <= req.Until {
				res.Stop = StopReachedUntil
				break
			}
		} else if f.cfg.DedupStop && fresh == 0 {
			res.Stop = StopDedup
			break
		}
		if len(rows) < f.cfg.PageLimit {
			res.Stop = StopEndOfHistory
			break
		}
	}
	return f.finish(res), nil
}

func (f *Fetcher) finish(res PullResult) PullResult {
	if res.Stop != "" {
		f.metrics.RecordStop(string(res.Stop))
	}
	if f.l != nil {
		f.l.Info("pull finished",
			applogger.String("inst_id", res.InstID),
			applogger.String("bar", res.Bar),
			applogger.Int("pages", res.Pages),
			applogger.Int("fetched", res.Fetched),
			applogger.Int("stored", res.Stored),
			applogger.Int("duplicates", res.Duplicates),
			applogger.Int("malformed", res.Malformed),
			applogger.String("stop", string(res.Stop)),
			applogger.Int64("next_cursor", res.NextCursor),
		)
	}
	return res
}

// fetchPage admits, calls and retries transient failures with backoff.
func (f *Fetcher) fetchPage(ctx context.Context, req PullRequest, cursor int64) ([][]string, error) {
	var lastErr error
	for attempt := 1; attempt <= f.cfg.RetryAttempts; attempt++ {
		waitStart := time.Now()
		if err := f.budget.Acquire(ctx, 1); err != nil {
			return nil, fmt.Errorf("pull %s %s: %w", req.InstID, req.Bar, err)
		}
		f.metrics.RecordRateWait(f.budget.Key(), time.Since(waitStart).Seconds())
		f.metrics.RecordTokens(f.budget.Key(), f.budget.Tokens())

		rows, err := f.source.HistoryCandles(ctx, req.InstID, req.Bar, cursor, f.cfg.PageLimit)
		if err == nil {
			return rows, nil
		}
		if ctx.Err() != nil {
			return nil, fmt.Errorf("pull %s %s: %w", req.InstID, req.Bar, ctx.Err())
		}
		if !errs.IsTransient(err) {
			return nil, fmt.Errorf("pull %s %s at cursor %d: %w", req.InstID, req.Bar, cursor, err)
		}
		lastErr = err
		if attempt == f.cfg.RetryAttempts {
			break
		}
		d := util.BackoffWithJitter(f.cfg.BackoffMin, f.cfg.BackoffMax, attempt)
		if f.l != nil {
			f.l.Warn("fetch page failed, retrying",
				applogger.String("inst_id", req.InstID),
				applogger.String("bar", req.Bar.String()),
				applogger.Int64("cursor", cursor),
				applogger.Int("attempt", attempt),
				applogger.Duration("backoff_ms", d),
				applogger.Error(err),
			)
		}
		if err := f.sleep(ctx, d); err != nil {
			return nil, fmt.Errorf("pull %s %s: %w", req.InstID, req.Bar, err)
		}
	}
	return nil, &errs.TransientIngestionError{
		InstID:   req.InstID,
		Bar:      req.Bar.String(),
		Cursor:   cursor,
		Attempts: f.cfg.RetryAttempts,
		Err:      lastErr,
	}
}

func (f *Fetcher) parse(req PullRequest, rows [][]string) ([]models.Bar, int) {
	bars := make([]models.Bar, 0, len(rows))
	malformed := 0
	for i, row := range rows {
		b, err := okx.ParseRow(i, req.InstID, req.Bar.String(), row)
		if err != nil {
			malformed++
			if f.l != nil {
				f.l.Warn("malformed bar dropped",
					applogger.String("inst_id", req.InstID),
					applogger.String("bar", req.Bar.String()),
					applogger.Error(err),
				)
			}
			continue
		}
		bars = append(bars, b)
	}
	if malformed > 0 {
		f.metrics.RecordMalformed(req.InstID, req.Bar.String(), malformed)
	}
	return bars, malformed
}

// persist upserts the whole page and returns how many keys were new. Existing
// keys are rewritten too so a bar stored unconfirmed gets its final values.
func (f *Fetcher) persist(ctx context.Context, req PullRequest, bars []models.Bar) (int, error) {
	ts := make([]int64, len(bars))
	for i, b := range bars {
		ts[i] = b.Timestamp
	}
	existing, err := f.store.ExistingTimestamps(ctx, req.InstID, req.Bar, ts)
	if err != nil {
		return 0, fmt.Errorf("dedup check: %w", err)
	}
	fresh := 0
	for _, t := range ts {
		if !existing[t] {
			fresh++
		}
	}
	if err := f.store.UpsertBars(ctx, bars); err != nil {
		return 0, fmt.Errorf("upsert: %w", err)
	}
	f.metrics.RecordBarsStored(req.InstID, req.Bar.String(), fresh)
	return fresh, nil
}

func oldest(bars []models.Bar) int64 {
	o := bars[0].Timestamp
	for _, b := range bars[1:] {
		if b.Timestamp < o {
			o = b.Timestamp
		}
	}
	return o
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
