package usecase

import (
	"context"
	"errors"
	"math"
	"testing"

	"FeatPull/internal/domain/errs"
	"FeatPull/internal/domain/models"
	drepo "FeatPull/internal/domain/repository"
	"FeatPull/internal/repository"
	"FeatPull/internal/service/indicator"
	"FeatPull/internal/service/label"
	"FeatPull/internal/service/normalizer"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testInst = "BTC-USDT"

func hourlyBars(n int) []models.Bar {
	out := make([]models.Bar, n)
	for i := range out {
		c := 100 + 5*math.Sin(float64(i)/3.7) + 0.1*float64(i)
		out[i] = models.Bar{
			InstID:    testInst,
			Bar:       "1H",
			Timestamp: hourTS(i),
			Open:      c - 0.5,
			High:      c + 1,
			Low:       c - 1,
			Close:     c,
			Volume:    10 + float64(i%5),
			Confirm:   true,
		}
	}
	return out
}

// aggregate rolls complete groups of hourly bars into 4H bars.
func aggregate(h []models.Bar) []models.Bar {
	var out []models.Bar
	for i := 0; i+4 <= len(h); i += 4 {
		g := h[i : i+4]
		b := models.Bar{InstID: testInst, Bar: "4H", Timestamp: g[0].Timestamp, Open: g[0].Open, High: g[0].High, Low: g[0].Low, Close: g[3].Close, Confirm: true}
		for _, x := range g {
			b.High = math.Max(b.High, x.High)
			b.Low = math.Min(b.Low, x.Low)
			b.Volume += x.Volume
		}
		out = append(out, b)
	}
	return out
}

func testMergerConfig() MergerConfig {
	return MergerConfig{
		Base:    drepo.TF1H,
		Horizon: 1,
		Timeframes: []TimeframeSpec{
			{Bar: drepo.TF1H, Lookback: 60, Indicators: []IndicatorSpec{
				{Kind: "rsi", Normalize: true},
				{Kind: "macd"},
			}},
			{Bar: drepo.TF4H, Lookback: 30, Indicators: []IndicatorSpec{
				{Kind: "rsi", Normalize: true},
			}},
		},
	}
}

func newTestMerger(t *testing.T, cfg MergerConfig) *FeatureMerger {
	t.Helper()
	gen, err := label.New(label.DefaultIntervals(), 100)
	require.NoError(t, err)
	m, err := NewFeatureMerger(cfg, indicator.NewRegistry(), gen)
	require.NoError(t, err)
	return m
}

func seededStore(t *testing.T, n int) *repository.MemoryStore {
	t.Helper()
	store := repository.NewMemoryStore()
	h := hourlyBars(n)
	require.NoError(t, store.UpsertBars(context.Background(), h))
	require.NoError(t, store.UpsertBars(context.Background(), aggregate(h)))
	return store
}

func fittedSnapshot(t *testing.T, m *FeatureMerger, store *repository.MemoryStore, series Series, from, to int64) *normalizer.Snapshot {
	t.Helper()
	ctx := context.Background()
	rows, _, err := m.RawRows(ctx, series, from, to)
	require.NoError(t, err)
	n := normalizer.New(store)
	_, err = n.FitMany(ctx, m.FitSamples(testInst, rows))
	require.NoError(t, err)
	snap, err := n.Snapshot(ctx, testInst)
	require.NoError(t, err)
	return snap
}

func TestMergerVectorLayout(t *testing.T) {
	m := newTestMerger(t, testMergerConfig())
	assert.Equal(t, []string{
		"close_1H", "volume_1H",
		"hour_sin", "hour_cos", "dow_sin", "dow_cos", "day_of_week",
		"rsi_1H", "macd_line_1H", "macd_signal_1H", "macd_histogram_1H",
		"rsi_4H",
	}, m.Names())
	assert.Equal(t, []models.ParamKey{
		{InstID: testInst, Bar: "1H", Column: "rsi_1H"},
		{InstID: testInst, Bar: "4H", Column: "rsi_4H"},
	}, m.NormalizedKeys(testInst))
	assert.Equal(t, []drepo.Timeframe{drepo.TF1H, drepo.TF4H}, m.Timeframes())
}

func TestMergerRejectsBadConfig(t *testing.T) {
	gen, err := label.New(label.DefaultIntervals(), 100)
	require.NoError(t, err)
	reg := indicator.NewRegistry()

	cfg := testMergerConfig()
	cfg.Timeframes[0].Indicators[0].Kind = "nope"
	_, err = NewFeatureMerger(cfg, reg, gen)
	assert.Error(t, err)

	cfg = testMergerConfig()
	cfg.Timeframes[1].Lookback = 10
	_, err = NewFeatureMerger(cfg, reg, gen)
	assert.Error(t, err)

	cfg = testMergerConfig()
	cfg.Timeframes[1].Bar = drepo.TF1H
	_, err = NewFeatureMerger(cfg, reg, gen)
	assert.Error(t, err)

	cfg = testMergerConfig()
	cfg.Horizon = 0
	_, err = NewFeatureMerger(cfg, reg, gen)
	assert.Error(t, err)
}

func TestWindowUsesOnlyCompletedBars(t *testing.T) {
	four := aggregate(hourlyBars(12))
	hour := drepo.TF1H.Duration().Milliseconds()

	// base bar 06:00 closes at 07:00: only the 00:00 4H bar is complete
	w := window(four, drepo.TF4H, hourTS(6)+hour, 10)
	require.Len(t, w, 1)
	assert.Equal(t, hourTS(0), w[0].Timestamp)

	// base bar 07:00 closes at 08:00 together with the 04:00 4H bar
	w = window(four, drepo.TF4H, hourTS(7)+hour, 10)
	require.Len(t, w, 2)
	assert.Equal(t, hourTS(4), w[1].Timestamp)

	w = window(four, drepo.TF4H, hourTS(11)+hour, 2)
	require.Len(t, w, 2)
	assert.Equal(t, hourTS(4), w[0].Timestamp)
}

func TestBuildSkipsAndLabels(t *testing.T) {
	ctx := context.Background()
	store := seededStore(t, 120)
	m := newTestMerger(t, testMergerConfig())

	series, err := m.LoadSeries(ctx, store, testInst, hourTS(0), hourTS(119))
	require.NoError(t, err)
	snap := fittedSnapshot(t, m, store, series, hourTS(0), hourTS(119))

	recs, sum, err := m.Build(ctx, testInst, series, hourTS(0), hourTS(119), ModeTrain, snap)
	require.NoError(t, err)

	// the 15th 4H bar completes with the base bar at hour 59
	assert.Equal(t, 59, sum.Skipped[SkipInsufficientHistory])
	assert.Equal(t, 1, sum.Skipped[SkipNoFutureBar])
	assert.Equal(t, 60, sum.Built)
	require.Len(t, recs, 60)
	assert.Equal(t, hourTS(59), recs[0].Timestamp)
	assert.Equal(t, m.ConfigHash(), sum.ConfigHash)

	closes := hourlyBars(120)
	for _, r := range recs {
		i := int((r.Timestamp - hourTS(0)) / drepo.TF1H.Duration().Milliseconds())
		want := (closes[i+1].Close - closes[i].Close) / closes[i].Close
		require.NotNil(t, r.FutureReturn)
		require.NotNil(t, r.Label)
		assert.InDelta(t, want, *r.FutureReturn, 1e-12)
		ret := want * 100
		switch {
		case ret < -1.2:
			assert.Equal(t, 1, *r.Label)
		case ret < 1.2:
			assert.Equal(t, 2, *r.Label)
		default:
			assert.Equal(t, 3, *r.Label)
		}
		assert.Len(t, r.Features, len(r.Names))
		assert.Equal(t, closes[i].Close, r.Features[0])
	}
}

func TestBuildNormalizesConfiguredColumns(t *testing.T) {
	ctx := context.Background()
	store := seededStore(t, 120)
	m := newTestMerger(t, testMergerConfig())
	series, err := m.LoadSeries(ctx, store, testInst, hourTS(59), hourTS(118))
	require.NoError(t, err)
	snap := fittedSnapshot(t, m, store, series, hourTS(59), hourTS(118))

	recs, _, err := m.Build(ctx, testInst, series, hourTS(59), hourTS(118), ModeTrain, snap)
	require.NoError(t, err)
	require.Len(t, recs, 60)

	sum, sq := 0.0, 0.0
	for _, r := range recs {
		v, ok := r.Value("rsi_1H")
		require.True(t, ok)
		sum += v
		sq += v * v
	}
	n := float64(len(recs))
	assert.InDelta(t, 0, sum/n, 1e-9)
	assert.InDelta(t, 1, sq/n, 1e-9)

	// macd is not normalized
	raw, err := m.Raw(ctx, series, series[drepo.TF1H][100])
	require.NoError(t, err)
	v, _ := recs[len(recs)-1-18].Value("macd_line_1H")
	assert.Equal(t, raw[8], v)
}

func TestBuildIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := seededStore(t, 120)
	m := newTestMerger(t, testMergerConfig())
	series, err := m.LoadSeries(ctx, store, testInst, hourTS(0), hourTS(119))
	require.NoError(t, err)
	snap := fittedSnapshot(t, m, store, series, hourTS(0), hourTS(119))

	first, _, err := m.Build(ctx, testInst, series, hourTS(0), hourTS(119), ModeTrain, snap)
	require.NoError(t, err)
	require.NoError(t, store.UpsertFeatures(ctx, first))

	again, err := m.LoadSeries(ctx, store, testInst, hourTS(0), hourTS(119))
	require.NoError(t, err)
	second, _, err := m.Build(ctx, testInst, again, hourTS(0), hourTS(119), ModeTrain, snap)
	require.NoError(t, err)
	require.NoError(t, store.UpsertFeatures(ctx, second))

	require.Equal(t, len(first), len(second))
	for i := range first {
		require.Equal(t, len(first[i].Features), len(second[i].Features))
		for j := range first[i].Features {
			assert.Equal(t, math.Float64bits(first[i].Features[j]), math.Float64bits(second[i].Features[j]))
		}
		assert.Equal(t, *first[i].Label, *second[i].Label)
	}

	stored, err := store.RangeFeatures(ctx, testInst, drepo.TF1H, hourTS(0), hourTS(200), 0)
	require.NoError(t, err)
	assert.Len(t, stored, len(first))
}

func TestBuildFailsFastOnMissingNormalizer(t *testing.T) {
	ctx := context.Background()
	store := seededStore(t, 80)
	m := newTestMerger(t, testMergerConfig())
	series, err := m.LoadSeries(ctx, store, testInst, hourTS(0), hourTS(79))
	require.NoError(t, err)

	recs, _, err := m.Build(ctx, testInst, series, hourTS(0), hourTS(79), ModeInference, nil)
	var missing *errs.MissingNormalizerError
	require.True(t, errors.As(err, &missing))
	assert.Empty(t, recs)
}

func TestInferenceHasNoLabel(t *testing.T) {
	ctx := context.Background()
	store := seededStore(t, 80)
	cfg := testMergerConfig()
	cfg.Timeframes[0].Indicators[0].Normalize = false
	cfg.Timeframes[1].Indicators[0].Normalize = false
	m := newTestMerger(t, cfg)
	series, err := m.LoadSeries(ctx, store, testInst, hourTS(79), hourTS(79))
	require.NoError(t, err)

	recs, sum, err := m.Build(ctx, testInst, series, hourTS(79), hourTS(79), ModeInference, nil)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Nil(t, recs[0].Label)
	assert.Nil(t, recs[0].FutureReturn)
	assert.Empty(t, sum.Skipped)
}

func TestLoadSeriesDropsUnconfirmedBars(t *testing.T) {
	ctx := context.Background()
	store := seededStore(t, 80)
	last := hourlyBars(81)[80]
	last.Confirm = false
	require.NoError(t, store.UpsertBars(ctx, []models.Bar{last}))

	m := newTestMerger(t, testMergerConfig())
	series, err := m.LoadSeries(ctx, store, testInst, hourTS(70), hourTS(80))
	require.NoError(t, err)
	base := series[drepo.TF1H]
	assert.Equal(t, hourTS(79), base[len(base)-1].Timestamp)
}

func TestRelabelAndConfigHash(t *testing.T) {
	ctx := context.Background()
	store := seededStore(t, 120)
	m := newTestMerger(t, testMergerConfig())
	series, err := m.LoadSeries(ctx, store, testInst, hourTS(0), hourTS(119))
	require.NoError(t, err)
	snap := fittedSnapshot(t, m, store, series, hourTS(0), hourTS(119))
	recs, _, err := m.Build(ctx, testInst, series, hourTS(0), hourTS(119), ModeTrain, snap)
	require.NoError(t, err)

	// every return falls in the middle class under very wide thresholds
	wide, err := label.New([]label.Interval{
		{Class: 1, Lower: math.Inf(-1), Upper: -50},
		{Class: 2, Lower: -50, Upper: 50},
		{Class: 3, Lower: 50, Upper: math.Inf(1)},
	}, 100)
	require.NoError(t, err)
	m2, err := NewFeatureMerger(testMergerConfig(), indicator.NewRegistry(), wide)
	require.NoError(t, err)
	assert.NotEqual(t, m.ConfigHash(), m2.ConfigHash())
	assert.Equal(t, m.ConfigHash(), newTestMerger(t, testMergerConfig()).ConfigHash())

	out, _ := m2.Relabel(recs, series[drepo.TF1H])
	require.Len(t, out, len(recs))
	for i, r := range out {
		assert.Equal(t, 2, *r.Label)
		assert.Equal(t, m2.ConfigHash(), r.ConfigHash)
		assert.Equal(t, recs[i].Features, r.Features)
	}
}
