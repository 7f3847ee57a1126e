package usecase

import (
	"context"
	"fmt"
	"time"

	"FeatPull/internal/domain/models"
	drepo "FeatPull/internal/domain/repository"
)

// Bar sink backends.
const (
	BackendKafka = "kafka"
	BackendStore = "store"
)

// BarProcessor routes live bars to the configured backend: the bars topic,
// or the bar store directly when no broker is used.
type BarProcessor struct {
	pub     drepo.BarPublisher
	store   drepo.BarStore
	metrics drepo.Metrics
	backend string
}

func NewBarProcessor(pub drepo.BarPublisher, store drepo.BarStore, metrics drepo.Metrics, backend string) *BarProcessor {
	return &BarProcessor{pub: pub, store: store, metrics: metrics, backend: backend}
}

// Process handles a single bar.
func (p *BarProcessor) Process(ctx context.Context, b *models.Bar) error {
	if b == nil {
		return fmt.Errorf("bar is nil")
	}
	start := time.Now()
	var err error
	switch p.backend {
	case BackendKafka:
		if p.pub == nil {
			err = fmt.Errorf("kafka backend without publisher")
			break
		}
		err = p.pub.PublishBar(ctx, b)
	case BackendStore:
		err = p.store.UpsertBars(ctx, []models.Bar{*b})
	default:
		err = fmt.Errorf("unknown backend: %s", p.backend)
	}
	if err != nil {
		p.metrics.RecordError("process")
		return fmt.Errorf("process bar %s: %w", b.Key(), err)
	}
	if b.Confirm {
		p.metrics.RecordBarsStored(b.InstID, b.Bar, 1)
	}
	p.metrics.RecordLatency("process", time.Since(start).Seconds())
	return nil
}

// ProcessBatch upserts bars in one call; the kafka backend publishes them one by one.
func (p *BarProcessor) ProcessBatch(ctx context.Context, bars []models.Bar) error {
	if len(bars) == 0 {
		return nil
	}
	if p.backend == BackendStore {
		if err := p.store.UpsertBars(ctx, bars); err != nil {
			p.metrics.RecordError("process_batch")
			return fmt.Errorf("process batch: %w", err)
		}
		return nil
	}
	for i := range bars {
		if err := p.Process(ctx, &bars[i]); err != nil {
			return err
		}
	}
	return nil
}
