package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"FeatPull/internal/domain/models"
	drepo "FeatPull/internal/domain/repository"
	mid "FeatPull/internal/middleware"
	"FeatPull/internal/repository"
	pkgkafka "FeatPull/pkg/kafka"
	"FeatPull/pkg/metrics"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStream struct {
	mu         sync.Mutex
	bars       chan *models.Bar
	errs       chan error
	connected  bool
	reconnects int
}

func newFakeStream() *fakeStream {
	return &fakeStream{bars: make(chan *models.Bar, 8), errs: make(chan error, 1)}
}

func (s *fakeStream) Connect(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected = true
	return nil
}

func (s *fakeStream) Subscribe(context.Context) error { return nil }

func (s *fakeStream) Read(context.Context) (<-chan *models.Bar, <-chan error) {
	return s.bars, s.errs
}

func (s *fakeStream) Reconnect(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reconnects++
	return nil
}

func (s *fakeStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected = false
	return nil
}

func (s *fakeStream) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

func (s *fakeStream) reconnectCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reconnects
}

type capturePublisher struct {
	mu   sync.Mutex
	bars []models.Bar
	err  error
}

func (p *capturePublisher) PublishBar(_ context.Context, b *models.Bar) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.bars = append(p.bars, *b)
	return nil
}

func liveHourBar(i int, confirm bool) models.Bar {
	return models.Bar{InstID: testInst, Bar: "1H", Timestamp: hourTS(i), Open: 10, High: 11, Low: 9, Close: 10.5, Volume: 4, Confirm: confirm}
}

func TestBarProcessorBackends(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemoryStore()
	pub := &capturePublisher{}

	b := liveHourBar(0, true)
	require.NoError(t, NewBarProcessor(pub, store, metrics.Nop{}, BackendKafka).Process(ctx, &b))
	assert.Len(t, pub.bars, 1)
	n, _ := store.CountBars(ctx, testInst, drepo.TF1H)
	assert.Zero(t, n)

	require.NoError(t, NewBarProcessor(nil, store, metrics.Nop{}, BackendStore).Process(ctx, &b))
	n, _ = store.CountBars(ctx, testInst, drepo.TF1H)
	assert.EqualValues(t, 1, n)

	assert.Error(t, NewBarProcessor(nil, store, metrics.Nop{}, "s3").Process(ctx, &b))
	assert.Error(t, NewBarProcessor(nil, store, metrics.Nop{}, BackendKafka).Process(ctx, &b))

	pub.err = errors.New("broker down")
	assert.Error(t, NewBarProcessor(pub, store, metrics.Nop{}, BackendKafka).Process(ctx, &b))
}

func TestBarProcessorBatch(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemoryStore()
	bars := []models.Bar{liveHourBar(0, true), liveHourBar(1, true), liveHourBar(2, false)}

	require.NoError(t, NewBarProcessor(nil, store, metrics.Nop{}, BackendStore).ProcessBatch(ctx, bars))
	n, _ := store.CountBars(ctx, testInst, drepo.TF1H)
	assert.EqualValues(t, 3, n)

	pub := &capturePublisher{}
	require.NoError(t, NewBarProcessor(pub, store, metrics.Nop{}, BackendKafka).ProcessBatch(ctx, bars))
	assert.Len(t, pub.bars, 3)
}

func TestBarCollectorDeliversAndReconnects(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	store := repository.NewMemoryStore()
	stream := newFakeStream()
	proc := NewBarProcessor(nil, store, metrics.Nop{}, BackendStore)
	pipe := mid.NewRealtimePipeline(proc, metrics.Nop{})
	c := NewBarCollector(stream, proc, metrics.Nop{}, pipe, nil)

	require.NoError(t, c.Start(ctx))
	assert.True(t, c.IsConnected())

	b0, b1 := liveHourBar(0, true), liveHourBar(1, true)
	stream.bars <- &b0
	stream.errs <- errors.New("read: connection reset")
	stream.bars <- &b1

	assert.Eventually(t, func() bool {
		n, _ := store.CountBars(ctx, testInst, drepo.TF1H)
		return n == 2 && stream.reconnectCount() == 1
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, c.Shutdown(ctx))
	assert.False(t, c.IsConnected())
}

func TestKafkaBarsHandler(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemoryStore()
	h := NewKafkaBarsHandler("bars", store, metrics.Nop{})
	assert.Equal(t, "bars", h.Topic())

	b := liveHourBar(3, true)
	payload, err := json.Marshal(b)
	require.NoError(t, err)
	require.NoError(t, h.Handle(ctx, payload))
	// redelivery is an upsert
	require.NoError(t, h.Handle(ctx, payload))

	got, err := store.RangeBars(ctx, testInst, drepo.TF1H, hourTS(0), hourTS(10))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, b, got[0])

	err = h.Handle(ctx, []byte("{not json"))
	assert.True(t, pkgkafka.IsPermanent(err))
	bad := b
	bad.Low = 20
	payload, _ = json.Marshal(bad)
	err = h.Handle(ctx, payload)
	assert.True(t, pkgkafka.IsPermanent(err))
}
