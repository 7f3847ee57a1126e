package usecase

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"FeatPull/internal/domain/models"
	domrepo "FeatPull/internal/domain/repository"
	pkgkafka "FeatPull/pkg/kafka"
)

// KafkaBarsHandler consumes live bars from the bars topic and upserts them.
type KafkaBarsHandler struct {
	topic   string
	store   domrepo.BarStore
	metrics domrepo.Metrics
}

func NewKafkaBarsHandler(topic string, store domrepo.BarStore, metrics domrepo.Metrics) *KafkaBarsHandler {
	return &KafkaBarsHandler{topic: topic, store: store, metrics: metrics}
}

func (h *KafkaBarsHandler) Topic() string { return h.topic }

// Handle rejects undecodable or invalid bars as permanent failures so the
// consumer dead-letters them without retrying. Store errors are retried.
func (h *KafkaBarsHandler) Handle(ctx context.Context, b []byte) error {
	var bar models.Bar
	if err := json.Unmarshal(b, &bar); err != nil {
		h.metrics.RecordError("consumer_unmarshal")
		return pkgkafka.Permanent(fmt.Errorf("decode bar: %w", err))
	}
	if err := bar.Validate(); err != nil {
		h.metrics.RecordError("consumer_invalid")
		return pkgkafka.Permanent(fmt.Errorf("bar %s: %w", bar.Key(), err))
	}

	start := time.Now()
	err := h.store.UpsertBars(ctx, []models.Bar{bar})
	h.metrics.RecordLatency("bar_upsert_seconds", time.Since(start).Seconds())
	if err != nil {
		h.metrics.RecordError("consumer_store")
		return err
	}
	if bar.Confirm {
		// event time is the bar close
		closeAt := time.UnixMilli(bar.Timestamp).Add(domrepo.Timeframe(bar.Bar).Duration())
		h.metrics.RecordLatency("ingest_e2e_seconds", time.Since(closeAt).Seconds())
	}
	return nil
}

var _ pkgkafka.MessageHandler = (*KafkaBarsHandler)(nil)
