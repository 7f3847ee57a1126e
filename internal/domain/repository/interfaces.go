package repository

import (
	"context"

	"FeatPull/internal/domain/models"
)

// CandleSource pulls raw candle rows from the exchange, newest first.
// Rows are returned as the exchange encodes them so parsing stays with the caller.
type CandleSource interface {
	HistoryCandles(ctx context.Context, instID string, tf Timeframe, after int64, limit int) ([][]string, error)
}

// BarStream delivers live bars from a streaming market connection.
type BarStream interface {
	Connect(ctx context.Context) error
	Subscribe(ctx context.Context) error
	Read(ctx context.Context) (<-chan *models.Bar, <-chan error)
	Reconnect(ctx context.Context) error
	Close() error
	IsConnected() bool
}

// FeaturePublisher fans merged feature records out to downstream consumers.
type FeaturePublisher interface {
	PublishFeatures(ctx context.Context, records []models.FeatureRecord) error
	Close() error
}

// BarPublisher forwards live bars to a transport.
type BarPublisher interface {
	PublishBar(ctx context.Context, b *models.Bar) error
}

type Metrics interface {
	RecordPage(instID, bar string, rows int)
	RecordBarsStored(instID, bar string, n int)
	RecordMalformed(instID, bar string, n int)
	RecordStop(reason string)
	RecordFeatures(instID, result string, n int)
	RecordRateWait(key string, seconds float64)
	RecordTokens(key string, tokens float64)
	RecordError(kind string)
	RecordLatency(op string, seconds float64)
}
