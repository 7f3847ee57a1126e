package repository

import (
	"context"
	"fmt"

	"FeatPull/internal/domain/models"
	domrepo "FeatPull/internal/domain/repository"
	pkgkafka "FeatPull/pkg/kafka"
)

// batchWriter is the part of pkg/kafka.Producer the publishers use.
type batchWriter interface {
	PublishBatch(ctx context.Context, topic string, messages []pkgkafka.Message) error
	Close() error
}

// KafkaFeaturePublisher writes feature records as JSON, keyed by instrument
// so each instrument's records stay ordered within a partition.
type KafkaFeaturePublisher struct {
	producer batchWriter
	topic    string
}

func NewKafkaFeaturePublisher(producer batchWriter, topic string) *KafkaFeaturePublisher {
	return &KafkaFeaturePublisher{producer: producer, topic: topic}
}

func (p *KafkaFeaturePublisher) PublishFeatures(ctx context.Context, records []models.FeatureRecord) error {
	if len(records) == 0 {
		return nil
	}
	msgs := make([]pkgkafka.Message, len(records))
	for i, r := range records {
		msgs[i] = pkgkafka.Message{
			Key:     []byte(r.InstID),
			Value:   r,
			Headers: map[string]string{"config_hash": r.ConfigHash, "bar": r.Bar},
		}
	}
	if err := p.producer.PublishBatch(ctx, p.topic, msgs); err != nil {
		return fmt.Errorf("publish features: %w", err)
	}
	return nil
}

func (p *KafkaFeaturePublisher) Close() error {
	if p.producer != nil {
		return p.producer.Close()
	}
	return nil
}

// KafkaBarPublisher forwards live bars to the bars topic.
type KafkaBarPublisher struct {
	producer batchWriter
	topic    string
}

func NewKafkaBarPublisher(producer batchWriter, topic string) *KafkaBarPublisher {
	return &KafkaBarPublisher{producer: producer, topic: topic}
}

func (p *KafkaBarPublisher) PublishBar(ctx context.Context, b *models.Bar) error {
	key := []byte(b.InstID + "|" + b.Bar)
	return p.producer.PublishBatch(ctx, p.topic, []pkgkafka.Message{{Key: key, Value: b}})
}

// NopFeaturePublisher is used when no broker is configured.
type NopFeaturePublisher struct{}

func (NopFeaturePublisher) PublishFeatures(context.Context, []models.FeatureRecord) error { return nil }

func (NopFeaturePublisher) Close() error { return nil }

var (
	_ domrepo.FeaturePublisher = (*KafkaFeaturePublisher)(nil)
	_ domrepo.FeaturePublisher = NopFeaturePublisher{}
	_ domrepo.BarPublisher     = (*KafkaBarPublisher)(nil)
)
