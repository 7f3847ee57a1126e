package repository

import (
	"context"
	"encoding/json"
	"testing"

	"FeatPull/internal/domain/models"
	pkgkafka "FeatPull/pkg/kafka"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeWriter struct {
	topic  string
	msgs   []pkgkafka.Message
	closed bool
}

func (f *fakeWriter) PublishBatch(_ context.Context, topic string, messages []pkgkafka.Message) error {
	f.topic = topic
	f.msgs = append(f.msgs, messages...)
	return nil
}

func (f *fakeWriter) Close() error { f.closed = true; return nil }

func TestKafkaFeaturePublisher(t *testing.T) {
	w := &fakeWriter{}
	p := NewKafkaFeaturePublisher(w, "features")

	label := 3
	recs := []models.FeatureRecord{
		{InstID: "BTC-USDT", Bar: "1H", Timestamp: 1, Names: []string{"rsi_1H"}, Features: []float64{0.5}, Label: &label, ConfigHash: "abc"},
		{InstID: "ETH-USDT", Bar: "1H", Timestamp: 1},
	}
	require.NoError(t, p.PublishFeatures(context.Background(), recs))
	require.NoError(t, p.PublishFeatures(context.Background(), nil))

	assert.Equal(t, "features", w.topic)
	require.Len(t, w.msgs, 2)
	assert.Equal(t, "BTC-USDT", string(w.msgs[0].Key))
	assert.Equal(t, "abc", w.msgs[0].Headers["config_hash"])
	assert.Equal(t, "1H", w.msgs[0].Headers["bar"])

	b, err := json.Marshal(w.msgs[0].Value)
	require.NoError(t, err)
	assert.Contains(t, string(b), `"label":3`)

	require.NoError(t, p.Close())
	assert.True(t, w.closed)
}

func TestKafkaBarPublisherKey(t *testing.T) {
	w := &fakeWriter{}
	p := NewKafkaBarPublisher(w, "bars")
	require.NoError(t, p.PublishBar(context.Background(), &models.Bar{InstID: "BTC-USDT", Bar: "4H", Timestamp: 5}))
	assert.Equal(t, "BTC-USDT|4H", string(w.msgs[0].Key))
}
