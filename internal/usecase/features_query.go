package usecase

import (
	"context"
	"fmt"
	"time"

	"FeatPull/internal/domain/models"
	domrepo "FeatPull/internal/domain/repository"
)

const (
	defaultFeatureLimit = 500
	maxFeatureLimit     = 50000
)

// FeaturesUseCase reads stored feature records for the API.
type FeaturesUseCase struct {
	store domrepo.FeatureStore
	base  domrepo.Timeframe
	names []string
}

func NewFeaturesUseCase(store domrepo.FeatureStore, merger *FeatureMerger) *FeaturesUseCase {
	return &FeaturesUseCase{store: store, base: merger.Base(), names: merger.Names()}
}

type GetFeaturesParams struct {
	InstID string
	From   time.Time
	To     time.Time
	Limit  int
}

type GetFeaturesResult struct {
	InstID  string                 `json:"inst_id"`
	Bar     string                 `json:"bar"`
	From    time.Time              `json:"from"`
	To      time.Time              `json:"to"`
	Count   int                    `json:"count"`
	Names   []string               `json:"names"`
	Records []models.FeatureRecord `json:"records"`
}

func (uc *FeaturesUseCase) GetFeatures(ctx context.Context, p GetFeaturesParams) (*GetFeaturesResult, error) {
	if p.InstID == "" {
		return nil, fmt.Errorf("inst_id required")
	}
	if p.From.After(p.To) {
		return nil, fmt.Errorf("from must be <= to")
	}
	if p.Limit <= 0 {
		p.Limit = defaultFeatureLimit
	}
	if p.Limit > maxFeatureLimit {
		p.Limit = maxFeatureLimit
	}

	recs, err := uc.store.RangeFeatures(ctx, p.InstID, uc.base, p.From.UnixMilli(), p.To.UnixMilli(), p.Limit)
	if err != nil {
		return nil, fmt.Errorf("get features: %w", err)
	}
	if len(recs) > p.Limit {
		recs = recs[:p.Limit]
	}

	return &GetFeaturesResult{
		InstID:  p.InstID,
		Bar:     uc.base.String(),
		From:    p.From,
		To:      p.To,
		Count:   len(recs),
		Names:   uc.names,
		Records: recs,
	}, nil
}
