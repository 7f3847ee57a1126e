package usecase

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"FeatPull/internal/domain/errs"
	"FeatPull/internal/domain/models"
	drepo "FeatPull/internal/domain/repository"
	domsvc "FeatPull/internal/domain/service"
	"FeatPull/internal/service/normalizer"
	"FeatPull/pkg/cache"
	applogger "FeatPull/pkg/logger"
	"FeatPull/pkg/metrics"
	"FeatPull/pkg/util"

	"golang.org/x/sync/errgroup"
)

// ErrJobRunning is returned when another run holds the job lock.
var ErrJobRunning = errors.New("job already running")

// Locker hands out short-lived named locks; cache.Service implements it.
type Locker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Unlock(ctx context.Context, key string) error
}

// IngestSummary collects one pull per timeframe.
type IngestSummary struct {
	InstID  string            `json:"inst_id"`
	Results []PullResult      `json:"results"`
	Locked  []string          `json:"locked,omitempty"`
	Errors  map[string]string `json:"errors,omitempty"`
}

// FitSummary reports a normalizer fit.
type FitSummary struct {
	InstID  string                      `json:"inst_id"`
	Rows    int                         `json:"rows"`
	Skipped int                         `json:"skipped"`
	Params  []models.NormalizationParam `json:"params"`
}

// Pipeline runs ingest, fit, build and predict for one instrument at a time.
type Pipeline struct {
	fetcher    *Fetcher
	merger     *FeatureMerger
	norm       *normalizer.Normalizer
	bars       drepo.BarStore
	features   drepo.FeatureStore
	publisher  drepo.FeaturePublisher
	classifier domsvc.Classifier
	locker     Locker
	lockTTL    time.Duration
	maxRecords int
	metrics    drepo.Metrics
	l          *applogger.Logger
	now        func() time.Time
}

type PipelineOption func(*Pipeline)

func WithPublisher(p drepo.FeaturePublisher) PipelineOption {
	return func(pl *Pipeline) { pl.publisher = p }
}

func WithClassifier(c domsvc.Classifier) PipelineOption {
	return func(pl *Pipeline) { pl.classifier = c }
}

// WithLocker makes ingest and build non-reentrant per key.
func WithLocker(l Locker, ttl time.Duration) PipelineOption {
	return func(pl *Pipeline) {
		pl.locker = l
		if ttl > 0 {
			pl.lockTTL = ttl
		}
	}
}

// WithIngestLimit caps the records one scheduled ingest pulls per timeframe.
func WithIngestLimit(n int) PipelineOption {
	return func(pl *Pipeline) { pl.maxRecords = n }
}

func WithPipelineLogger(l *applogger.Logger) PipelineOption {
	return func(pl *Pipeline) { pl.l = l }
}

func WithPipelineMetrics(m drepo.Metrics) PipelineOption {
	return func(pl *Pipeline) {
		if m != nil {
			pl.metrics = m
		}
	}
}

func WithPipelineClock(now func() time.Time) PipelineOption {
	return func(pl *Pipeline) { pl.now = now }
}

func NewPipeline(fetcher *Fetcher, merger *FeatureMerger, norm *normalizer.Normalizer, bars drepo.BarStore, features drepo.FeatureStore, opts ...PipelineOption) *Pipeline {
	p := &Pipeline{
		fetcher:  fetcher,
		merger:   merger,
		norm:     norm,
		bars:     bars,
		features: features,
		lockTTL:  10 * time.Minute,
		metrics:  metrics.Nop{},
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Pipeline) Merger() *FeatureMerger { return p.merger }

// lock returns a release func, or ErrJobRunning when the key is taken.
func (p *Pipeline) lock(ctx context.Context, parts ...interface{}) (func(), error) {
	if p.locker == nil {
		return func() {}, nil
	}
	key := cache.Key("lock", parts...)
	ok, err := p.locker.TryLock(ctx, key, p.lockTTL)
	if err != nil {
		return nil, fmt.Errorf("lock %s: %w", key, err)
	}
	if !ok {
		return nil, fmt.Errorf("%s: %w", key, ErrJobRunning)
	}
	return func() {
		// release even when ctx is already cancelled
		if err := p.locker.Unlock(context.WithoutCancel(ctx), key); err != nil && p.l != nil {
			p.l.Warn("unlock failed", applogger.String("key", key), applogger.Error(err))
		}
	}, nil
}

// Pull runs one fetch behind the per-(instrument, timeframe) lock.
func (p *Pipeline) Pull(ctx context.Context, req PullRequest) (PullResult, error) {
	release, err := p.lock(ctx, "ingest", req.InstID, req.Bar)
	if err != nil {
		return PullResult{InstID: req.InstID, Bar: req.Bar.String()}, err
	}
	defer release()
	return p.fetcher.Pull(ctx, req)
}

// Ingest pulls every timeframe the merger reads. Timeframes run
// concurrently against the shared budget; a failure in one does not stop
// the others, and their stored pages stay stored.
func (p *Pipeline) Ingest(ctx context.Context, instID string) (IngestSummary, error) {
	sum := IngestSummary{InstID: instID}
	var (
		mu   sync.Mutex
		errl []error
		g    errgroup.Group
	)
	for _, tf := range p.merger.Timeframes() {
		tf := tf
		g.Go(func() error {
			res, err := p.Pull(ctx, PullRequest{InstID: instID, Bar: tf, MaxRecords: p.maxRecords})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case errors.Is(err, ErrJobRunning):
				sum.Locked = append(sum.Locked, tf.String())
			case err != nil:
				if sum.Errors == nil {
					sum.Errors = make(map[string]string)
				}
				sum.Errors[tf.String()] = err.Error()
				errl = append(errl, err)
				sum.Results = append(sum.Results, res)
			default:
				sum.Results = append(sum.Results, res)
			}
			return nil
		})
	}
	_ = g.Wait()
	sort.Slice(sum.Results, func(i, j int) bool { return sum.Results[i].Bar < sum.Results[j].Bar })
	sort.Strings(sum.Locked)
	return sum, errors.Join(errl...)
}

// FitNormalizers computes raw vectors over [from, to] and fits every
// normalized column in one write.
func (p *Pipeline) FitNormalizers(ctx context.Context, instID string, from, to int64) (FitSummary, error) {
	start := time.Now()
	defer func() { p.metrics.RecordLatency("fit", time.Since(start).Seconds()) }()

	sum := FitSummary{InstID: instID}
	series, err := p.merger.LoadSeries(ctx, p.bars, instID, from, to)
	if err != nil {
		return sum, err
	}
	rows, bs, err := p.merger.RawRows(ctx, series, from, to)
	if err != nil {
		return sum, err
	}
	sum.Rows = len(rows)
	sum.Skipped = len(bs.SkippedKeys)
	if len(rows) == 0 {
		return sum, fmt.Errorf("fit %s: %w", instID, errs.ErrNoData)
	}
	samples := p.merger.FitSamples(instID, rows)
	if len(samples) == 0 {
		return sum, nil
	}
	params, err := p.norm.FitMany(ctx, samples)
	if err != nil {
		return sum, err
	}
	sum.Params = params
	return sum, nil
}

// BuildFeatures merges, stores and publishes records for [from, to]. Every
// normalizer parameter is checked before any bar is read.
func (p *Pipeline) BuildFeatures(ctx context.Context, instID string, from, to int64, mode BuildMode) (BuildSummary, error) {
	start := time.Now()
	defer func() { p.metrics.RecordLatency("build", time.Since(start).Seconds()) }()

	if err := p.norm.Require(ctx, p.merger.NormalizedKeys(instID)); err != nil {
		return BuildSummary{InstID: instID, Mode: mode}, err
	}
	release, err := p.lock(ctx, "build", instID)
	if err != nil {
		return BuildSummary{InstID: instID, Mode: mode}, err
	}
	defer release()

	snap, err := p.norm.Snapshot(ctx, instID)
	if err != nil {
		return BuildSummary{InstID: instID, Mode: mode}, err
	}
	series, err := p.merger.LoadSeries(ctx, p.bars, instID, from, to)
	if err != nil {
		return BuildSummary{InstID: instID, Mode: mode}, err
	}
	recs, sum, err := p.merger.Build(ctx, instID, series, from, to, mode, snap)
	if err != nil {
		return sum, err
	}
	for reason, n := range sum.Skipped {
		p.metrics.RecordFeatures(instID, reason, n)
	}
	if len(recs) == 0 {
		return sum, nil
	}
	if err := p.features.UpsertFeatures(ctx, recs); err != nil {
		return sum, fmt.Errorf("build %s: store: %w", instID, err)
	}
	p.metrics.RecordFeatures(instID, "built", len(recs))
	p.publish(ctx, instID, recs)
	return sum, nil
}

// publish is best effort: records are already stored.
func (p *Pipeline) publish(ctx context.Context, instID string, recs []models.FeatureRecord) {
	if p.publisher == nil {
		return
	}
	if err := p.publisher.PublishFeatures(ctx, recs); err != nil {
		p.metrics.RecordError("publish")
		if p.l != nil {
			p.l.Warn("publish features failed",
				applogger.String("inst_id", instID),
				applogger.Int("records", len(recs)),
				applogger.Error(err),
			)
		}
	}
}

// Relabel rewrites labels of stored records in [from, to] with the current
// thresholds and returns how many classes changed.
func (p *Pipeline) Relabel(ctx context.Context, instID string, from, to int64) (int, error) {
	recs, err := p.features.RangeFeatures(ctx, instID, p.merger.Base(), from, to, 0)
	if err != nil {
		return 0, fmt.Errorf("relabel %s: %w", instID, err)
	}
	if len(recs) == 0 {
		return 0, nil
	}
	series, err := p.merger.LoadSeries(ctx, p.bars, instID, from, to)
	if err != nil {
		return 0, err
	}
	out, changed := p.merger.Relabel(recs, series[p.merger.Base()])
	if err := p.features.UpsertFeatures(ctx, out); err != nil {
		return 0, fmt.Errorf("relabel %s: store: %w", instID, err)
	}
	return changed, nil
}

// Predict scores the latest confirmed base bar with the classifier.
func (p *Pipeline) Predict(ctx context.Context, instID string) (models.Prediction, error) {
	if p.classifier == nil {
		return models.Prediction{}, fmt.Errorf("predict: no classifier configured")
	}
	snap, err := p.norm.Snapshot(ctx, instID)
	if err != nil {
		return models.Prediction{}, err
	}
	if err := snap.Require(p.merger.NormalizedKeys(instID)); err != nil {
		return models.Prediction{}, err
	}

	latest, err := p.bars.LatestBars(ctx, instID, p.merger.Base(), 2)
	if err != nil {
		return models.Prediction{}, fmt.Errorf("predict %s: %w", instID, err)
	}
	var cur *models.Bar
	for i := len(latest) - 1; i >= 0; i-- {
		if latest[i].Confirm {
			cur = &latest[i]
			break
		}
	}
	if cur == nil {
		return models.Prediction{}, fmt.Errorf("predict %s: %w", instID, errs.ErrNoData)
	}

	series, err := p.merger.LoadSeries(ctx, p.bars, instID, cur.Timestamp, cur.Timestamp)
	if err != nil {
		return models.Prediction{}, err
	}
	vec, err := p.merger.Raw(ctx, series, *cur)
	if err != nil {
		return models.Prediction{}, err
	}
	if err := p.merger.Normalize(instID, vec, snap); err != nil {
		return models.Prediction{}, err
	}
	probs, err := p.classifier.Predict(ctx, instID, p.merger.Names(), vec)
	if err != nil {
		return models.Prediction{}, err
	}
	return models.Prediction{
		InstID:        instID,
		Bar:           p.merger.Base().String(),
		Timestamp:     cur.Timestamp,
		Class:         argmax(probs),
		Probabilities: probs,
	}, nil
}

// argmax breaks ties toward the lower class.
func argmax(probs map[int]float64) int {
	best, bestP := 0, -1.0
	classes := make([]int, 0, len(probs))
	for c := range probs {
		classes = append(classes, c)
	}
	sort.Ints(classes)
	for _, c := range classes {
		if probs[c] > bestP {
			best, bestP = c, probs[c]
		}
	}
	return best
}

// Refresh ingests new bars and rebuilds training records for the trailing
// window. A build without fitted parameters is logged and skipped.
func (p *Pipeline) Refresh(ctx context.Context, instID string, window time.Duration) error {
	ing, err := p.Ingest(ctx, instID)
	if err != nil && p.l != nil {
		p.l.Warn("refresh ingest incomplete",
			applogger.String("inst_id", instID),
			applogger.Strings("locked", ing.Locked),
			applogger.Error(err),
		)
	}
	to := p.now().UnixMilli()
	from := util.AlignDown(to-window.Milliseconds(), p.merger.Base().Duration())
	sum, err := p.BuildFeatures(ctx, instID, from, to, ModeTrain)
	var missing *errs.MissingNormalizerError
	switch {
	case errors.As(err, &missing):
		if p.l != nil {
			p.l.Warn("refresh build skipped: normalizer not fitted",
				applogger.String("inst_id", instID),
				applogger.Error(err),
			)
		}
		return nil
	case errors.Is(err, ErrJobRunning):
		return nil
	case err != nil:
		return err
	}
	if p.l != nil {
		p.l.Info("refresh done",
			applogger.String("inst_id", instID),
			applogger.Int("built", sum.Built),
			applogger.Int("skipped", len(sum.SkippedKeys)),
		)
	}
	return nil
}

// BackfillSummary reports one backfill run.
type BackfillSummary struct {
	InstID string       `json:"inst_id"`
	Pulls  []PullResult `json:"pulls"`
	Fit    *FitSummary  `json:"fit,omitempty"`
	Build  BuildSummary `json:"build"`
}

// Backfill pulls every timeframe back to the history [from, to] needs,
// optionally refits the normalizers on that range, then builds training
// records. Unlike Ingest it does not stop at already stored pages.
func (p *Pipeline) Backfill(ctx context.Context, instID string, from, to int64, fit bool) (BackfillSummary, error) {
	sum := BackfillSummary{InstID: instID}
	if from > to {
		return sum, fmt.Errorf("backfill %s: from %d after to %d", instID, from, to)
	}
	now := p.now().UnixMilli()
	tfs := p.merger.Timeframes()
	pulls := make([]PullResult, len(tfs))

	g, gctx := errgroup.WithContext(ctx)
	for i, tf := range tfs {
		i, tf := i, tf
		g.Go(func() error {
			until := p.merger.HistoryStart(tf, from)
			need := int((now-until)/tf.Duration().Milliseconds()) + 1
			res, err := p.Pull(gctx, PullRequest{InstID: instID, Bar: tf, Until: until, MaxRecords: need})
			pulls[i] = res
			return err
		})
	}
	err := g.Wait()
	sum.Pulls = pulls
	if err != nil {
		return sum, fmt.Errorf("backfill %s: %w", instID, err)
	}

	if fit {
		fs, err := p.FitNormalizers(ctx, instID, from, to)
		if err != nil {
			return sum, err
		}
		sum.Fit = &fs
	}
	sum.Build, err = p.BuildFeatures(ctx, instID, from, to, ModeTrain)
	if err != nil {
		return sum, err
	}
	if p.l != nil {
		p.l.Info("backfill done",
			applogger.String("inst_id", instID),
			applogger.Bool("fit", fit),
			applogger.Int("built", sum.Build.Built),
		)
	}
	return sum, nil
}
