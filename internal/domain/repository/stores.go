package repository

import (
	"context"

	"FeatPull/internal/domain/models"
)

// BarStore persists raw bars keyed by (inst_id, bar, ts). Ranges are in unix ms,
// both ends inclusive, returned in ascending timestamp order.
type BarStore interface {
	UpsertBars(ctx context.Context, bars []models.Bar) error
	RangeBars(ctx context.Context, instID string, tf Timeframe, from, to int64) ([]models.Bar, error)
	LatestBars(ctx context.Context, instID string, tf Timeframe, n int) ([]models.Bar, error)
	ExistingTimestamps(ctx context.Context, instID string, tf Timeframe, ts []int64) (map[int64]bool, error)
	CountBars(ctx context.Context, instID string, tf Timeframe) (int64, error)
}

// NormalizerStore persists fitted normalization parameters.
// GetParam returns found=false when no row exists for the key.
type NormalizerStore interface {
	UpsertParams(ctx context.Context, params []models.NormalizationParam) error
	GetParam(ctx context.Context, key models.ParamKey) (models.NormalizationParam, bool, error)
	ListParams(ctx context.Context, instID string) ([]models.NormalizationParam, error)
}

// FeatureStore persists merged feature records keyed by (inst_id, bar, ts).
type FeatureStore interface {
	UpsertFeatures(ctx context.Context, records []models.FeatureRecord) error
	RangeFeatures(ctx context.Context, instID string, tf Timeframe, from, to int64, limit int) ([]models.FeatureRecord, error)
}
