package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recorder implements domain.repository.Metrics using Prometheus.
type Recorder struct {
	pages      *prometheus.CounterVec
	barsStored *prometheus.CounterVec
	malformed  *prometheus.CounterVec
	stops      *prometheus.CounterVec
	features   *prometheus.CounterVec
	rateWait   *prometheus.HistogramVec
	tokens     *prometheus.GaugeVec
	errorsAll  *prometheus.CounterVec
	latency    *prometheus.HistogramVec
}

// New registers the recorder on the default registry.
func New() *Recorder {
	return NewWithRegistry(prometheus.DefaultRegisterer)
}

// NewWithRegistry registers on reg; tests pass prometheus.NewRegistry().
func NewWithRegistry(reg prometheus.Registerer) *Recorder {
	f := promauto.With(reg)
	return &Recorder{
		pages: f.NewCounterVec(prometheus.CounterOpts{
			Name: "featpull_fetch_pages_total",
			Help: "Exchange pages fetched",
		}, []string{"inst_id", "bar"}),
		barsStored: f.NewCounterVec(prometheus.CounterOpts{
			Name: "featpull_bars_stored_total",
			Help: "Bars upserted into the bar store",
		}, []string{"inst_id", "bar"}),
		malformed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "featpull_malformed_rows_total",
			Help: "Exchange rows dropped as malformed",
		}, []string{"inst_id", "bar"}),
		stops: f.NewCounterVec(prometheus.CounterOpts{
			Name: "featpull_fetch_stops_total",
			Help: "Pull terminations by reason",
		}, []string{"reason"}),
		features: f.NewCounterVec(prometheus.CounterOpts{
			Name: "featpull_features_total",
			Help: "Feature records by result (built, skipped reason, failed)",
		}, []string{"inst_id", "result"}),
		rateWait: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "featpull_ratelimit_wait_seconds",
			Help:    "Time spent waiting for admission tokens",
			Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		}, []string{"key"}),
		tokens: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "featpull_ratelimit_tokens",
			Help: "Tokens left in a rate budget",
		}, []string{"key"}),
		errorsAll: f.NewCounterVec(prometheus.CounterOpts{
			Name: "featpull_errors_total",
			Help: "Errors encountered by kind",
		}, []string{"type"}),
		latency: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "featpull_operation_duration_seconds",
			Help:    "Duration of operations in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"operation"}),
	}
}

func (r *Recorder) RecordPage(instID, bar string, _ int) {
	r.pages.WithLabelValues(instID, bar).Inc()
}

func (r *Recorder) RecordBarsStored(instID, bar string, n int) {
	r.barsStored.WithLabelValues(instID, bar).Add(float64(n))
}

func (r *Recorder) RecordMalformed(instID, bar string, n int) {
	r.malformed.WithLabelValues(instID, bar).Add(float64(n))
}

func (r *Recorder) RecordStop(reason string) {
	r.stops.WithLabelValues(reason).Inc()
}

func (r *Recorder) RecordFeatures(instID, result string, n int) {
	r.features.WithLabelValues(instID, result).Add(float64(n))
}

func (r *Recorder) RecordRateWait(key string, seconds float64) {
	r.rateWait.WithLabelValues(key).Observe(seconds)
}

func (r *Recorder) RecordTokens(key string, tokens float64) {
	r.tokens.WithLabelValues(key).Set(tokens)
}

// RecordError records an error occurrence.
func (r *Recorder) RecordError(kind string) {
	r.errorsAll.WithLabelValues(kind).Inc()
}

// RecordLatency records operation latency in seconds.
func (r *Recorder) RecordLatency(op string, seconds float64) {
	r.latency.WithLabelValues(op).Observe(seconds)
}

// Nop discards every observation.
type Nop struct{}

func (Nop) RecordPage(string, string, int)       {}
func (Nop) RecordBarsStored(string, string, int) {}
func (Nop) RecordMalformed(string, string, int)  {}
func (Nop) RecordStop(string)                    {}
func (Nop) RecordFeatures(string, string, int)   {}
func (Nop) RecordRateWait(string, float64)       {}
func (Nop) RecordTokens(string, float64)         {}
func (Nop) RecordError(string)                   {}
func (Nop) RecordLatency(string, float64)        {}
