package usecase

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"

	"FeatPull/internal/domain/errs"
	"FeatPull/internal/domain/models"
	drepo "FeatPull/internal/domain/repository"
	"FeatPull/internal/service/indicator"
	"FeatPull/internal/service/label"
	"FeatPull/internal/service/normalizer"
	"FeatPull/internal/services/features"
	applogger "FeatPull/pkg/logger"

	"golang.org/x/sync/errgroup"
)

// BuildMode selects whether records carry labels.
type BuildMode string

const (
	ModeTrain     BuildMode = "train"
	ModeInference BuildMode = "inference"
)

// Skip reasons reported in BuildSummary.
const (
	SkipInsufficientHistory = "insufficient_history"
	SkipNoFutureBar         = "no_future_bar"
)

const defaultLookback = 200

// IndicatorSpec selects one calculator for a timeframe.
type IndicatorSpec struct {
	Kind      string           `json:"kind"`
	Params    indicator.Params `json:"params,omitempty"`
	Normalize bool             `json:"normalize"`
}

// TimeframeSpec lists the calculators evaluated on one timeframe. Lookback
// caps the trailing window handed to every calculator.
type TimeframeSpec struct {
	Bar        drepo.Timeframe `json:"bar"`
	Lookback   int             `json:"lookback"`
	Indicators []IndicatorSpec `json:"indicators"`
}

// MergerConfig is the declared feature layout.
type MergerConfig struct {
	Base          drepo.Timeframe `json:"base"`
	BaseNormalize bool            `json:"base_normalize"`
	Horizon       int             `json:"horizon"`
	Timeframes    []TimeframeSpec `json:"timeframes"`
}

type boundCalc struct {
	calc      indicator.Calculator
	normalize bool
	offset    int
}

type boundTF struct {
	bar      drepo.Timeframe
	lookback int
	calcs    []boundCalc
}

// Series holds confirmed bars per timeframe in ascending order.
type Series map[drepo.Timeframe][]models.Bar

// RawRow is one unnormalized vector.
type RawRow struct {
	Timestamp int64
	Values    []float64
}

// BuildSummary reports a batch build. Skipped counts timestamps per reason.
type BuildSummary struct {
	InstID      string         `json:"inst_id"`
	Mode        BuildMode      `json:"mode"`
	ConfigHash  string         `json:"config_hash"`
	Built       int            `json:"built"`
	Skipped     map[string]int `json:"skipped"`
	SkippedKeys []int64        `json:"skipped_keys,omitempty"`
	Failed      int            `json:"failed"`
}

func (s *BuildSummary) skip(reason string, ts int64) {
	if s.Skipped == nil {
		s.Skipped = make(map[string]int)
	}
	s.Skipped[reason]++
	s.SkippedKeys = append(s.SkippedKeys, ts)
}

// FeatureMerger assembles one fixed-width vector per base timestamp from
// every configured timeframe. It holds no per-build state and is safe for
// concurrent use.
type FeatureMerger struct {
	cfg        MergerConfig
	tfs        []boundTF
	names      []string
	normalized []int
	labels     *label.Generator
	hash       string
	l          *applogger.Logger
}

// MergerOption configures FeatureMerger.
type MergerOption func(*FeatureMerger)

func WithMergerLogger(l *applogger.Logger) MergerOption {
	return func(m *FeatureMerger) { m.l = l }
}

// NewFeatureMerger resolves every calculator through reg and fixes the
// vector layout. Configuration problems fail here, before any data is read.
func NewFeatureMerger(cfg MergerConfig, reg *indicator.Registry, labels *label.Generator, opts ...MergerOption) (*FeatureMerger, error) {
	if !drepo.IsValidTimeframe(cfg.Base) {
		return nil, fmt.Errorf("merger: unsupported base timeframe %q", cfg.Base)
	}
	if cfg.Horizon <= 0 {
		return nil, fmt.Errorf("merger: horizon must be positive, got %d", cfg.Horizon)
	}
	if labels == nil {
		return nil, fmt.Errorf("merger: label generator required")
	}

	m := &FeatureMerger{cfg: cfg, labels: labels}
	base := cfg.Base.String()
	m.names = []string{"close_" + base, "volume_" + base}
	if cfg.BaseNormalize {
		m.normalized = append(m.normalized, 0, 1)
	}
	m.names = append(m.names, features.TimeEncodingNames...)

	seen := make(map[drepo.Timeframe]bool)
	for _, tf := range cfg.Timeframes {
		if !drepo.IsValidTimeframe(tf.Bar) {
			return nil, fmt.Errorf("merger: unsupported timeframe %q", tf.Bar)
		}
		if seen[tf.Bar] {
			return nil, fmt.Errorf("merger: timeframe %s listed twice", tf.Bar)
		}
		seen[tf.Bar] = true

		b := boundTF{bar: tf.Bar, lookback: tf.Lookback}
		need := 0
		for _, spec := range tf.Indicators {
			calc, err := reg.New(indicator.Spec{Kind: spec.Kind, Params: spec.Params})
			if err != nil {
				return nil, fmt.Errorf("merger: %s: %w", tf.Bar, err)
			}
			if calc.MinPeriods() > need {
				need = calc.MinPeriods()
			}
			b.calcs = append(b.calcs, boundCalc{calc: calc, normalize: spec.Normalize, offset: len(m.names)})
			for _, out := range calc.Outputs() {
				if spec.Normalize {
					m.normalized = append(m.normalized, len(m.names))
				}
				m.names = append(m.names, out+"_"+tf.Bar.String())
			}
		}
		if b.lookback == 0 {
			b.lookback = defaultLookback
		}
		if b.lookback < need {
			return nil, fmt.Errorf("merger: %s lookback %d below required %d bars", tf.Bar, b.lookback, need)
		}
		m.tfs = append(m.tfs, b)
	}
	if dup := firstDuplicate(m.names); dup != "" {
		return nil, fmt.Errorf("merger: feature %q produced twice", dup)
	}
	m.hash = configHash(cfg, labels)

	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

func firstDuplicate(names []string) string {
	seen := make(map[string]bool, len(names))
	for _, n := range names {
		if seen[n] {
			return n
		}
		seen[n] = true
	}
	return ""
}

// configHash fingerprints everything that shapes a record.
func configHash(cfg MergerConfig, labels *label.Generator) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "base=%s;norm=%t;h=%d", cfg.Base, cfg.BaseNormalize, cfg.Horizon)
	for _, tf := range cfg.Timeframes {
		fmt.Fprintf(&sb, "|%s:%d", tf.Bar, tf.Lookback)
		for _, s := range tf.Indicators {
			fmt.Fprintf(&sb, ";%s(%s)n=%t", s.Kind, s.Params.String(), s.Normalize)
		}
	}
	fmt.Fprintf(&sb, "|scale=%g", labels.Scale())
	for _, iv := range labels.Intervals() {
		fmt.Fprintf(&sb, ";%d[%g,%g)", iv.Class, iv.Lower, iv.Upper)
	}
	sum := sha256.Sum256([]byte(sb.String()))
	return hex.EncodeToString(sum[:8])
}

func (m *FeatureMerger) Names() []string {
	return append([]string(nil), m.names...)
}

func (m *FeatureMerger) ConfigHash() string { return m.hash }

func (m *FeatureMerger) Base() drepo.Timeframe { return m.cfg.Base }

// Timeframes returns every timeframe the merger reads, base first.
func (m *FeatureMerger) Timeframes() []drepo.Timeframe {
	out := []drepo.Timeframe{m.cfg.Base}
	for _, tf := range m.tfs {
		if tf.bar != m.cfg.Base {
			out = append(out, tf.bar)
		}
	}
	return out
}

// NormalizedKeys lists the parameters an apply-mode build needs.
func (m *FeatureMerger) NormalizedKeys(instID string) []models.ParamKey {
	out := make([]models.ParamKey, 0, len(m.normalized))
	for _, i := range m.normalized {
		out = append(out, models.ParamKey{InstID: instID, Bar: m.columnBar(i), Column: m.names[i]})
	}
	return out
}

// columnBar returns the timeframe suffix of a column name.
func (m *FeatureMerger) columnBar(i int) string {
	name := m.names[i]
	return name[strings.LastIndex(name, "_")+1:]
}

// lookbacks returns the longest window read per timeframe.
func (m *FeatureMerger) lookbacks() map[drepo.Timeframe]int {
	lookback := map[drepo.Timeframe]int{m.cfg.Base: 1}
	for _, tf := range m.tfs {
		if tf.lookback > lookback[tf.bar] {
			lookback[tf.bar] = tf.lookback
		}
	}
	return lookback
}

// HistoryStart returns the oldest bar open time of tf needed to build from.
func (m *FeatureMerger) HistoryStart(tf drepo.Timeframe, from int64) int64 {
	return from - int64(m.lookbacks()[tf]+1)*tf.Duration().Milliseconds()
}

// LoadSeries reads every timeframe with enough margin for lookback before
// from and the label horizon after to. Unconfirmed bars are dropped.
func (m *FeatureMerger) LoadSeries(ctx context.Context, store drepo.BarStore, instID string, from, to int64) (Series, error) {
	lookback := m.lookbacks()
	baseDur := m.cfg.Base.Duration().Milliseconds()
	series := make(Series, len(lookback))
	for tf, n := range lookback {
		lo := from - int64(n+1)*tf.Duration().Milliseconds()
		hi := to + baseDur*int64(m.cfg.Horizon)
		bars, err := store.RangeBars(ctx, instID, tf, lo, hi)
		if err != nil {
			return nil, fmt.Errorf("load %s %s: %w", instID, tf, err)
		}
		confirmed := bars[:0]
		for _, b := range bars {
			if b.Confirm {
				confirmed = append(confirmed, b)
			}
		}
		series[tf] = confirmed
	}
	return series, nil
}

// baseIndex returns the base bars with from <= ts <= to.
func (m *FeatureMerger) baseIndex(series Series, from, to int64) []models.Bar {
	base := series[m.cfg.Base]
	lo := sort.Search(len(base), func(i int) bool { return base[i].Timestamp >= from })
	hi := sort.Search(len(base), func(i int) bool { return base[i].Timestamp > to })
	return base[lo:hi]
}

// window returns the trailing bars of tf completed by cutoff, capped at lookback.
func window(bars []models.Bar, tf drepo.Timeframe, cutoff int64, lookback int) []models.Bar {
	d := tf.Duration().Milliseconds()
	end := sort.Search(len(bars), func(i int) bool { return bars[i].Timestamp+d > cutoff })
	start := end - lookback
	if start < 0 {
		start = 0
	}
	return bars[start:end]
}

// Raw computes the unnormalized vector for the base bar cur. Timeframes are
// evaluated concurrently; each writes only its own slice of the vector.
func (m *FeatureMerger) Raw(ctx context.Context, series Series, cur models.Bar) ([]float64, error) {
	vec := make([]float64, len(m.names))
	vec[0] = cur.Close
	vec[1] = cur.Volume
	copy(vec[2:], features.TimeEncodings(cur.Timestamp))

	cutoff := cur.Timestamp + m.cfg.Base.Duration().Milliseconds()
	g, _ := errgroup.WithContext(ctx)
	for _, tf := range m.tfs {
		tf := tf
		g.Go(func() error {
			w := window(series[tf.bar], tf.bar, cutoff, tf.lookback)
			for _, bc := range tf.calcs {
				need := bc.calc.MinPeriods()
				if len(w) < need {
					return &errs.InsufficientHistoryError{Bar: tf.bar.String(), Timestamp: cur.Timestamp, Need: need, Have: len(w)}
				}
				res := bc.calc.Calculate(w)
				if !res.Defined {
					return &errs.InsufficientHistoryError{Bar: tf.bar.String(), Timestamp: cur.Timestamp, Need: need, Have: len(w)}
				}
				for i, out := range bc.calc.Outputs() {
					v, _ := res.Get(out)
					vec[bc.offset+i] = v
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return vec, nil
}

// RawRows computes raw vectors for every base timestamp in [from, to].
// Timestamps without enough history are counted in the summary.
func (m *FeatureMerger) RawRows(ctx context.Context, series Series, from, to int64) ([]RawRow, BuildSummary, error) {
	sum := BuildSummary{ConfigHash: m.hash}
	bases := m.baseIndex(series, from, to)
	rows := make([]RawRow, 0, len(bases))
	for _, b := range bases {
		if err := ctx.Err(); err != nil {
			return nil, sum, err
		}
		vec, err := m.Raw(ctx, series, b)
		if err != nil {
			if errs.IsSkip(err) {
				sum.skip(SkipInsufficientHistory, b.Timestamp)
				continue
			}
			return nil, sum, err
		}
		rows = append(rows, RawRow{Timestamp: b.Timestamp, Values: vec})
	}
	return rows, sum, nil
}

// FitSamples groups raw rows into per-column samples for the normalizer.
func (m *FeatureMerger) FitSamples(instID string, rows []RawRow) map[models.ParamKey][]float64 {
	keys := m.NormalizedKeys(instID)
	out := make(map[models.ParamKey][]float64, len(keys))
	for j, col := range m.normalized {
		vals := make([]float64, len(rows))
		for i, r := range rows {
			vals[i] = r.Values[col]
		}
		out[keys[j]] = vals
	}
	return out
}

// Normalize scales the configured columns of raw in place.
func (m *FeatureMerger) Normalize(instID string, raw []float64, snap *normalizer.Snapshot) error {
	for _, i := range m.normalized {
		key := models.ParamKey{InstID: instID, Bar: m.columnBar(i), Column: m.names[i]}
		v, err := snap.Apply(key, raw[i])
		if err != nil {
			return err
		}
		raw[i] = v
	}
	return nil
}

// futureLabel returns the forward return and class of cur, or ok=false when
// the base bar exactly horizon bars ahead is not available.
func (m *FeatureMerger) futureLabel(byTS map[int64]models.Bar, cur models.Bar) (float64, int, bool, error) {
	target := cur.Timestamp + int64(m.cfg.Horizon)*m.cfg.Base.Duration().Milliseconds()
	fut, ok := byTS[target]
	if !ok {
		return 0, 0, false, nil
	}
	ret, err := label.ForwardReturn(cur.Close, fut.Close)
	if err != nil {
		return 0, 0, false, err
	}
	cls, err := m.labels.Label(ret)
	if err != nil {
		return 0, 0, false, err
	}
	return ret, cls, true, nil
}

func indexByTS(bars []models.Bar) map[int64]models.Bar {
	out := make(map[int64]models.Bar, len(bars))
	for _, b := range bars {
		out[b.Timestamp] = b
	}
	return out
}

// Build produces records for every base timestamp in [from, to]. Skips are
// per timestamp; a missing normalizer parameter aborts the whole build.
func (m *FeatureMerger) Build(ctx context.Context, instID string, series Series, from, to int64, mode BuildMode, snap *normalizer.Snapshot) ([]models.FeatureRecord, BuildSummary, error) {
	if mode != ModeTrain && mode != ModeInference {
		return nil, BuildSummary{}, fmt.Errorf("build: unknown mode %q", mode)
	}
	if snap == nil {
		snap = normalizer.NewSnapshot()
	}
	if err := snap.Require(m.NormalizedKeys(instID)); err != nil {
		return nil, BuildSummary{}, err
	}

	rows, sum, err := m.RawRows(ctx, series, from, to)
	sum.InstID = instID
	sum.Mode = mode
	if err != nil {
		return nil, sum, err
	}
	byTS := indexByTS(series[m.cfg.Base])
	names := m.Names()
	out := make([]models.FeatureRecord, 0, len(rows))
	for _, r := range rows {
		rec := models.FeatureRecord{
			InstID:     instID,
			Bar:        m.cfg.Base.String(),
			Timestamp:  r.Timestamp,
			Names:      names,
			ConfigHash: m.hash,
		}
		if mode == ModeTrain {
			ret, cls, ok, err := m.futureLabel(byTS, byTS[r.Timestamp])
			if err != nil {
				sum.Failed++
				m.warn("label failed", instID, r.Timestamp, err)
				continue
			}
			if !ok {
				sum.skip(SkipNoFutureBar, r.Timestamp)
				continue
			}
			rec.FutureReturn = &ret
			rec.Label = &cls
		}
		if err := m.Normalize(instID, r.Values, snap); err != nil {
			var missing *errs.MissingNormalizerError
			if errors.As(err, &missing) {
				return nil, sum, err
			}
			sum.Failed++
			continue
		}
		rec.Features = r.Values
		out = append(out, rec)
	}
	sum.Built = len(out)
	if m.l != nil {
		m.l.Info("features built",
			applogger.String("inst_id", instID),
			applogger.String("mode", string(mode)),
			applogger.Int("built", sum.Built),
			applogger.Int("skipped", len(sum.SkippedKeys)),
			applogger.Int("failed", sum.Failed),
			applogger.String("config_hash", m.hash),
		)
	}
	return out, sum, nil
}

// Relabel recomputes labels of existing records against the current
// thresholds. Records whose future bar is missing are left out.
func (m *FeatureMerger) Relabel(records []models.FeatureRecord, base []models.Bar) ([]models.FeatureRecord, int) {
	byTS := indexByTS(base)
	out := make([]models.FeatureRecord, 0, len(records))
	changed := 0
	for _, r := range records {
		cur, ok := byTS[r.Timestamp]
		if !ok {
			continue
		}
		ret, cls, ok, err := m.futureLabel(byTS, cur)
		if err != nil || !ok {
			continue
		}
		if r.Label == nil || *r.Label != cls {
			changed++
		}
		r.FutureReturn = &ret
		r.Label = &cls
		r.ConfigHash = m.hash
		out = append(out, r)
	}
	return out, changed
}

func (m *FeatureMerger) warn(msg, instID string, ts int64, err error) {
	if m.l == nil {
		return
	}
	m.l.Warn(msg,
		applogger.String("inst_id", instID),
		applogger.Int64("ts", ts),
		applogger.Error(err),
	)
}
