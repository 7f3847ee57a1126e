package usecase

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"FeatPull/internal/domain/errs"
	"FeatPull/internal/domain/models"
	drepo "FeatPull/internal/domain/repository"
	"FeatPull/internal/repository"
	"FeatPull/internal/service/normalizer"
	"FeatPull/pkg/cache"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// barSource serves prepared bars per timeframe.
type barSource map[drepo.Timeframe]*fakeSource

func newBarSource(hourly []models.Bar) barSource {
	src := barSource{}
	for tf, bars := range map[drepo.Timeframe][]models.Bar{drepo.TF1H: hourly, drepo.TF4H: aggregate(hourly)} {
		fs := &fakeSource{rows: make(map[int64][]string)}
		for _, b := range bars {
			f := func(v float64) string { return strconv.FormatFloat(v, 'f', -1, 64) }
			fs.rows[b.Timestamp] = []string{strconv.FormatInt(b.Timestamp, 10), f(b.Open), f(b.High), f(b.Low), f(b.Close), f(b.Volume), "", "", "1"}
		}
		src[tf] = fs
	}
	return src
}

func (s barSource) HistoryCandles(ctx context.Context, instID string, tf drepo.Timeframe, after int64, limit int) ([][]string, error) {
	return s[tf].HistoryCandles(ctx, instID, tf, after, limit)
}

type fakeClassifier struct {
	names    []string
	features []float64
}

func (c *fakeClassifier) Predict(_ context.Context, _ string, names []string, features []float64) (map[int]float64, error) {
	c.names, c.features = names, features
	return map[int]float64{1: 0.2, 2: 0.5, 3: 0.3}, nil
}

type recordingPublisher struct {
	mu   sync.Mutex
	recs []models.FeatureRecord
}

func (p *recordingPublisher) PublishFeatures(_ context.Context, recs []models.FeatureRecord) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.recs = append(p.recs, recs...)
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

type pipelineFixture struct {
	pipe  *Pipeline
	store *repository.MemoryStore
	pub   *recordingPublisher
	cls   *fakeClassifier
	locks *cache.MemoryCache
}

func newPipelineFixture(t *testing.T, n int) *pipelineFixture {
	t.Helper()
	store := repository.NewMemoryStore()
	src := newBarSource(hourlyBars(n))
	f := NewFetcher(src, store, testBudget(t), FetcherConfig{PageLimit: 50, DedupStop: true}, WithFetcherSleep(noSleep))
	locks := cache.NewMemoryCache()
	t.Cleanup(func() { _ = locks.Close() })
	fx := &pipelineFixture{store: store, pub: &recordingPublisher{}, cls: &fakeClassifier{}, locks: locks}
	fx.pipe = NewPipeline(f, newTestMerger(t, testMergerConfig()), normalizer.New(store), store, store,
		WithPublisher(fx.pub),
		WithClassifier(fx.cls),
		WithLocker(locks, time.Minute),
		WithPipelineClock(func() time.Time { return time.UnixMilli(hourTS(n)) }),
	)
	return fx
}

func TestPipelineEndToEnd(t *testing.T) {
	ctx := context.Background()
	fx := newPipelineFixture(t, 120)

	ing, err := fx.pipe.Ingest(ctx, testInst)
	require.NoError(t, err)
	require.Len(t, ing.Results, 2)
	assert.Equal(t, "1H", ing.Results[0].Bar)
	assert.Equal(t, 120, ing.Results[0].Stored)
	assert.Equal(t, 30, ing.Results[1].Stored)

	// ingest again: nothing new
	ing, err = fx.pipe.Ingest(ctx, testInst)
	require.NoError(t, err)
	assert.Equal(t, StopDedup, ing.Results[0].Stop)

	fit, err := fx.pipe.FitNormalizers(ctx, testInst, hourTS(0), hourTS(100))
	require.NoError(t, err)
	assert.Equal(t, 42, fit.Rows)
	assert.Equal(t, 59, fit.Skipped)
	assert.Len(t, fit.Params, 2)

	sum, err := fx.pipe.BuildFeatures(ctx, testInst, hourTS(0), hourTS(119), ModeTrain)
	require.NoError(t, err)
	assert.Equal(t, 60, sum.Built)

	stored, err := fx.store.RangeFeatures(ctx, testInst, drepo.TF1H, hourTS(0), hourTS(119), 0)
	require.NoError(t, err)
	assert.Len(t, stored, 60)
	assert.Len(t, fx.pub.recs, 60)

	pred, err := fx.pipe.Predict(ctx, testInst)
	require.NoError(t, err)
	assert.Equal(t, hourTS(119), pred.Timestamp)
	assert.Equal(t, 2, pred.Class)
	assert.Equal(t, fx.pipe.Merger().Names(), fx.cls.names)
	assert.Len(t, fx.cls.features, len(fx.cls.names))

	changed, err := fx.pipe.Relabel(ctx, testInst, hourTS(0), hourTS(119))
	require.NoError(t, err)
	assert.Equal(t, 0, changed)
}

func TestPipelineBuildRequiresFittedNormalizer(t *testing.T) {
	ctx := context.Background()
	fx := newPipelineFixture(t, 80)
	_, err := fx.pipe.Ingest(ctx, testInst)
	require.NoError(t, err)

	_, err = fx.pipe.BuildFeatures(ctx, testInst, hourTS(0), hourTS(79), ModeTrain)
	var missing *errs.MissingNormalizerError
	require.True(t, errors.As(err, &missing))

	stored, err := fx.store.RangeFeatures(ctx, testInst, drepo.TF1H, hourTS(0), hourTS(79), 0)
	require.NoError(t, err)
	assert.Empty(t, stored)

	_, err = fx.pipe.Predict(ctx, testInst)
	assert.True(t, errors.As(err, &missing))

	// refresh tolerates a missing fit and still ingests
	require.NoError(t, fx.pipe.Refresh(ctx, testInst, 24*time.Hour))
}

func TestPipelineIngestSkipsLockedTimeframe(t *testing.T) {
	ctx := context.Background()
	fx := newPipelineFixture(t, 40)
	ok, err := fx.locks.TryLock(ctx, cache.Key("lock", "ingest", testInst, drepo.TF4H), time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	ing, err := fx.pipe.Ingest(ctx, testInst)
	require.NoError(t, err)
	assert.Equal(t, []string{"4H"}, ing.Locked)
	require.Len(t, ing.Results, 1)
	assert.Equal(t, 40, ing.Results[0].Stored)

	// the lock taken by ingest itself is released
	ok, err = fx.locks.TryLock(ctx, cache.Key("lock", "ingest", testInst, drepo.TF1H), time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestPipelineFitWithoutBars(t *testing.T) {
	fx := newPipelineFixture(t, 10)
	_, err := fx.pipe.FitNormalizers(context.Background(), testInst, hourTS(0), hourTS(9))
	assert.True(t, errors.Is(err, errs.ErrNoData))
}

func TestPipelineBackfillFitsAndBuilds(t *testing.T) {
	ctx := context.Background()
	fx := newPipelineFixture(t, 120)

	sum, err := fx.pipe.Backfill(ctx, testInst, hourTS(0), hourTS(119), true)
	require.NoError(t, err)
	require.Len(t, sum.Pulls, 2)
	stored := 0
	for _, p := range sum.Pulls {
		stored += p.Stored
		assert.Equal(t, StopEndOfHistory, p.Stop)
	}
	assert.Equal(t, 150, stored)
	require.NotNil(t, sum.Fit)
	assert.Positive(t, sum.Fit.Rows)
	assert.Equal(t, 60, sum.Build.Built)

	// a second run re-reads stored pages instead of stopping at the first one
	sum, err = fx.pipe.Backfill(ctx, testInst, hourTS(0), hourTS(119), false)
	require.NoError(t, err)
	assert.Nil(t, sum.Fit)
	for _, p := range sum.Pulls {
		assert.Zero(t, p.Stored)
		assert.Positive(t, p.Duplicates)
		assert.NotEqual(t, StopDedup, p.Stop)
	}
}

func TestPipelineBackfillRejectsInvertedRange(t *testing.T) {
	fx := newPipelineFixture(t, 10)
	_, err := fx.pipe.Backfill(context.Background(), testInst, hourTS(9), hourTS(0), false)
	assert.Error(t, err)
}

func TestArgmax(t *testing.T) {
	assert.Equal(t, 3, argmax(map[int]float64{1: 0.1, 2: 0.2, 3: 0.7}))
	assert.Equal(t, 1, argmax(map[int]float64{1: 0.5, 2: 0.5}))
}
