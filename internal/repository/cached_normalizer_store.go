package repository

import (
	"context"
	"errors"
	"time"

	"FeatPull/internal/domain/models"
	domrepo "FeatPull/internal/domain/repository"
	"FeatPull/pkg/cache"
	applogger "FeatPull/pkg/logger"
)

const paramCachePrefix = "param"

// CachedNormalizerStore reads parameters through a cache. Writes go to the
// backing store first and then drop the instrument's cached entries.
type CachedNormalizerStore struct {
	next  domrepo.NormalizerStore
	cache cache.Service
	ttl   time.Duration
	l     *applogger.Logger
}

func NewCachedNormalizerStore(next domrepo.NormalizerStore, c cache.Service, ttl time.Duration, l *applogger.Logger) *CachedNormalizerStore {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &CachedNormalizerStore{next: next, cache: c, ttl: ttl, l: l}
}

func (s *CachedNormalizerStore) UpsertParams(ctx context.Context, params []models.NormalizationParam) error {
	if err := s.next.UpsertParams(ctx, params); err != nil {
		return err
	}
	seen := make(map[string]struct{})
	for _, p := range params {
		if _, ok := seen[p.InstID]; ok {
			continue
		}
		seen[p.InstID] = struct{}{}
		if err := s.cache.DeleteByPrefix(ctx, cache.Key(paramCachePrefix, p.InstID)+":"); err != nil && s.l != nil {
			s.l.Warn("param cache invalidation failed", applogger.String("inst_id", p.InstID), applogger.Error(err))
		}
	}
	return nil
}

// GetParam only caches hits, so a later fit is visible immediately.
func (s *CachedNormalizerStore) GetParam(ctx context.Context, key models.ParamKey) (models.NormalizationParam, bool, error) {
	ck := cache.Key(paramCachePrefix, key.InstID, key.Bar, key.Column)
	var p models.NormalizationParam
	err := s.cache.Get(ctx, ck, &p)
	if err == nil {
		return p, true, nil
	}
	if !errors.Is(err, cache.ErrCacheMiss) && s.l != nil {
		s.l.Warn("param cache read failed", applogger.String("key", ck), applogger.Error(err))
	}

	p, ok, err := s.next.GetParam(ctx, key)
	if err != nil || !ok {
		return p, ok, err
	}
	if err := s.cache.Set(ctx, ck, p, s.ttl); err != nil && s.l != nil {
		s.l.Warn("param cache write failed", applogger.String("key", ck), applogger.Error(err))
	}
	return p, true, nil
}

func (s *CachedNormalizerStore) ListParams(ctx context.Context, instID string) ([]models.NormalizationParam, error) {
	return s.next.ListParams(ctx, instID)
}

var _ domrepo.NormalizerStore = (*CachedNormalizerStore)(nil)
