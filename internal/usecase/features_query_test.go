package usecase

import (
	"context"
	"testing"
	"time"

	"FeatPull/internal/domain/models"
	"FeatPull/internal/repository"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetFeatures(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemoryStore()
	m := newTestMerger(t, testMergerConfig())

	var recs []models.FeatureRecord
	for i := 0; i < 5; i++ {
		recs = append(recs, models.FeatureRecord{InstID: testInst, Bar: "1H", Timestamp: hourTS(i), Names: m.Names(), Features: make([]float64, len(m.Names()))})
	}
	require.NoError(t, store.UpsertFeatures(ctx, recs))

	uc := NewFeaturesUseCase(store, m)
	res, err := uc.GetFeatures(ctx, GetFeaturesParams{
		InstID: testInst,
		From:   time.UnixMilli(hourTS(1)),
		To:     time.UnixMilli(hourTS(4)),
		Limit:  2,
	})
	require.NoError(t, err)
	assert.Equal(t, "1H", res.Bar)
	assert.Equal(t, 2, res.Count)
	assert.Equal(t, hourTS(1), res.Records[0].Timestamp)
	assert.Equal(t, m.Names(), res.Names)

	_, err = uc.GetFeatures(ctx, GetFeaturesParams{InstID: testInst, From: time.UnixMilli(hourTS(4)), To: time.UnixMilli(hourTS(1))})
	assert.Error(t, err)
	_, err = uc.GetFeatures(ctx, GetFeaturesParams{})
	assert.Error(t, err)
}
