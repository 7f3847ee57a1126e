package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"FeatPull/internal/domain/models"
	domrepo "FeatPull/internal/domain/repository"
)

type seriesKey struct {
	instID string
	bar    string
}

// MemoryStore keeps bars, normalization parameters and feature records in
// process. It backs tests and the "memory" storage backend.
type MemoryStore struct {
	mu       sync.RWMutex
	bars     map[seriesKey]map[int64]models.Bar
	params   map[models.ParamKey]models.NormalizationParam
	features map[seriesKey]map[int64]models.FeatureRecord
	upserts  int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		bars:     make(map[seriesKey]map[int64]models.Bar),
		params:   make(map[models.ParamKey]models.NormalizationParam),
		features: make(map[seriesKey]map[int64]models.FeatureRecord),
	}
}

func (s *MemoryStore) UpsertBars(_ context.Context, bars []models.Bar) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, b := range bars {
		k := seriesKey{b.InstID, b.Bar}
		m, ok := s.bars[k]
		if !ok {
			m = make(map[int64]models.Bar)
			s.bars[k] = m
		}
		m[b.Timestamp] = b
	}
	s.upserts++
	return nil
}

func (s *MemoryStore) RangeBars(_ context.Context, instID string, tf domrepo.Timeframe, from, to int64) ([]models.Bar, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Bar, 0)
	for ts, b := range s.bars[seriesKey{instID, string(tf)}] {
		if ts >= from && ts <= to {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp < out[j].Timestamp })
	return out, nil
}

func (s *MemoryStore) LatestBars(_ context.Context, instID string, tf domrepo.Timeframe, n int) ([]models.Bar, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	all := make([]models.Bar, 0, len(s.bars[seriesKey{instID, string(tf)}]))
	for _, b := range s.bars[seriesKey{instID, string(tf)}] {
		all = append(all, b)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Timestamp < all[j].Timestamp })
	if n > 0 && len(all) > n {
		all = all[len(all)-n:]
	}
	return all, nil
}

func (s *MemoryStore) ExistingTimestamps(_ context.Context, instID string, tf domrepo.Timeframe, ts []int64) (map[int64]bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[int64]bool, len(ts))
	m := s.bars[seriesKey{instID, string(tf)}]
	for _, t := range ts {
		if _, ok := m[t]; ok {
			out[t] = true
		}
	}
	return out, nil
}

func (s *MemoryStore) CountBars(_ context.Context, instID string, tf domrepo.Timeframe) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.bars[seriesKey{instID, string(tf)}])), nil
}

// UpsertParams replaces every row in one critical section.
func (s *MemoryStore) UpsertParams(_ context.Context, params []models.NormalizationParam) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range params {
		s.params[p.Key()] = p
	}
	return nil
}

func (s *MemoryStore) GetParam(_ context.Context, key models.ParamKey) (models.NormalizationParam, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.params[key]
	return p, ok, nil
}

func (s *MemoryStore) ListParams(_ context.Context, instID string) ([]models.NormalizationParam, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.NormalizationParam, 0)
	for k, p := range s.params {
		if k.InstID == instID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key().String() < out[j].Key().String() })
	return out, nil
}

func (s *MemoryStore) UpsertFeatures(_ context.Context, records []models.FeatureRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range records {
		k := seriesKey{r.InstID, r.Bar}
		m, ok := s.features[k]
		if !ok {
			m = make(map[int64]models.FeatureRecord)
			s.features[k] = m
		}
		if r.CreatedAt.IsZero() {
			r.CreatedAt = time.Now().UTC()
		}
		m[r.Timestamp] = r
	}
	return nil
}

func (s *MemoryStore) RangeFeatures(_ context.Context, instID string, tf domrepo.Timeframe, from, to int64, limit int) ([]models.FeatureRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.FeatureRecord, 0)
	for ts, r := range s.features[seriesKey{instID, string(tf)}] {
		if ts >= from && ts <= to {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp < out[j].Timestamp })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// BarUpserts returns how many UpsertBars calls were made.
func (s *MemoryStore) BarUpserts() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.upserts
}

var (
	_ domrepo.BarStore        = (*MemoryStore)(nil)
	_ domrepo.NormalizerStore = (*MemoryStore)(nil)
	_ domrepo.FeatureStore    = (*MemoryStore)(nil)
)
