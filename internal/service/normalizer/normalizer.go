// Package normalizer owns the fit/apply lifecycle of feature scaling parameters.
//
// Fit is the only writer of parameters. Apply never fits: a missing parameter
// is a *errs.MissingNormalizerError, so training and inference always scale
// with the same statistics.
package normalizer

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"FeatPull/internal/domain/errs"
	"FeatPull/internal/domain/models"
	domrepo "FeatPull/internal/domain/repository"
	applogger "FeatPull/pkg/logger"

	"gonum.org/v1/gonum/stat"
)

// Normalizer fits and applies z-score parameters stored in a NormalizerStore.
type Normalizer struct {
	store domrepo.NormalizerStore
	now   func() time.Time
	l     *applogger.Logger
}

// Option configures Normalizer.
type Option func(*Normalizer)

// WithClock overrides the fit timestamp source.
func WithClock(now func() time.Time) Option {
	return func(n *Normalizer) { n.now = now }
}

// WithLogger injects a structured logger.
func WithLogger(l *applogger.Logger) Option {
	return func(n *Normalizer) { n.l = l }
}

func New(store domrepo.NormalizerStore, opts ...Option) *Normalizer {
	n := &Normalizer{store: store, now: func() time.Time { return time.Now().UTC() }}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Stats returns the mean and population standard deviation of values.
func Stats(values []float64) (mean, std float64, err error) {
	if len(values) == 0 {
		return 0, 0, fmt.Errorf("normalizer: empty sample")
	}
	for i, v := range values {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return 0, 0, fmt.Errorf("normalizer: non-finite value at %d", i)
		}
	}
	if len(values) == 1 {
		return values[0], 0, nil
	}
	mean, std = stat.PopMeanStdDev(values, nil)
	return mean, std, nil
}

// Fit computes parameters for one column and stores them.
func (n *Normalizer) Fit(ctx context.Context, key models.ParamKey, values []float64) (models.NormalizationParam, error) {
	out, err := n.FitMany(ctx, map[models.ParamKey][]float64{key: values})
	if err != nil {
		return models.NormalizationParam{}, err
	}
	return out[0], nil
}

// FitMany computes every column first and writes them in a single upsert,
// so a failed column leaves all previous parameters untouched.
func (n *Normalizer) FitMany(ctx context.Context, samples map[models.ParamKey][]float64) ([]models.NormalizationParam, error) {
	if len(samples) == 0 {
		return nil, fmt.Errorf("normalizer: nothing to fit")
	}
	keys := make([]models.ParamKey, 0, len(samples))
	for k := range samples {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })

	now := n.now()
	params := make([]models.NormalizationParam, 0, len(keys))
	for _, k := range keys {
		mean, std, err := Stats(samples[k])
		if err != nil {
			return nil, fmt.Errorf("fit %s: %w", k, err)
		}
		fittedAt := now
		prev, ok, err := n.store.GetParam(ctx, k)
		if err != nil {
			return nil, fmt.Errorf("fit %s: load previous: %w", k, err)
		}
		if ok && !prev.FittedAt.IsZero() {
			fittedAt = prev.FittedAt
		}
		params = append(params, models.NormalizationParam{
			InstID:    k.InstID,
			Bar:       k.Bar,
			Column:    k.Column,
			Mean:      mean,
			Std:       std,
			Count:     len(samples[k]),
			FittedAt:  fittedAt,
			UpdatedAt: now,
		})
	}
	if err := n.store.UpsertParams(ctx, params); err != nil {
		return nil, fmt.Errorf("fit: upsert params: %w", err)
	}
	if n.l != nil {
		n.l.Info("normalizer fitted",
			applogger.Int("columns", len(params)),
			applogger.String("inst_id", params[0].InstID),
		)
	}
	return params, nil
}

// Apply scales value with the stored parameter for key.
func (n *Normalizer) Apply(ctx context.Context, key models.ParamKey, value float64) (float64, error) {
	p, ok, err := n.store.GetParam(ctx, key)
	if err != nil {
		return 0, fmt.Errorf("apply %s: %w", key, err)
	}
	if !ok {
		return 0, &errs.MissingNormalizerError{InstID: key.InstID, Bar: key.Bar, Column: key.Column}
	}
	return scale(p, value), nil
}

// Require fails with every missing key joined into one error.
func (n *Normalizer) Require(ctx context.Context, keys []models.ParamKey) error {
	var missing []error
	for _, k := range keys {
		_, ok, err := n.store.GetParam(ctx, k)
		if err != nil {
			return fmt.Errorf("require %s: %w", k, err)
		}
		if !ok {
			missing = append(missing, &errs.MissingNormalizerError{InstID: k.InstID, Bar: k.Bar, Column: k.Column})
		}
	}
	return errors.Join(missing...)
}

// Snapshot loads every parameter of an instrument into an immutable view.
func (n *Normalizer) Snapshot(ctx context.Context, instID string) (*Snapshot, error) {
	params, err := n.store.ListParams(ctx, instID)
	if err != nil {
		return nil, fmt.Errorf("snapshot %s: %w", instID, err)
	}
	m := make(map[models.ParamKey]models.NormalizationParam, len(params))
	for _, p := range params {
		m[p.Key()] = p
	}
	return &Snapshot{params: m}, nil
}

// Snapshot is a read-only copy of parameters taken at one point in time.
// A build holds one snapshot so a concurrent fit cannot change scaling midway.
type Snapshot struct {
	params map[models.ParamKey]models.NormalizationParam
}

// NewSnapshot builds a snapshot from explicit parameters.
func NewSnapshot(params ...models.NormalizationParam) *Snapshot {
	m := make(map[models.ParamKey]models.NormalizationParam, len(params))
	for _, p := range params {
		m[p.Key()] = p
	}
	return &Snapshot{params: m}
}

func (s *Snapshot) Apply(key models.ParamKey, value float64) (float64, error) {
	p, ok := s.params[key]
	if !ok {
		return 0, &errs.MissingNormalizerError{InstID: key.InstID, Bar: key.Bar, Column: key.Column}
	}
	return scale(p, value), nil
}

func (s *Snapshot) Require(keys []models.ParamKey) error {
	var missing []error
	for _, k := range keys {
		if _, ok := s.params[k]; !ok {
			missing = append(missing, &errs.MissingNormalizerError{InstID: k.InstID, Bar: k.Bar, Column: k.Column})
		}
	}
	return errors.Join(missing...)
}

func (s *Snapshot) Len() int { return len(s.params) }

// scale maps a constant column (std 0) to 0.
func scale(p models.NormalizationParam, value float64) float64 {
	if p.Std == 0 {
		return 0
	}
	return (value - p.Mean) / p.Std
}
