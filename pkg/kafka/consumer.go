package kafka

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	applogger "FeatPull/pkg/logger"
	"FeatPull/pkg/util"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/segmentio/kafka-go"
)

// MessageHandler consumes the values of one topic.
type MessageHandler interface {
	Topic() string
	Handle(ctx context.Context, value []byte) error
}

// Consumer runs one group reader per registered topic and fans records out
// to workers by partition.
type Consumer struct {
	cfg *ConsumerConfig
	l   *applogger.Logger

	handlers map[string]HandlerFunc
	mws      []Middleware
	readers  map[string]*kafka.Reader
	queues   []chan kafka.Message
	dlq      *kafka.Writer

	stop     chan struct{}
	stopOnce sync.Once
	readWG   sync.WaitGroup
	workWG   sync.WaitGroup
}

func NewConsumer(opts ...ConsumerOption) (*Consumer, error) {
	cfg := defaultConsumerConfig()
	for _, opt := range opts {
		opt(cfg)
	}
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("brokers are required")
	}
	l := cfg.Logger
	if l == nil {
		l = applogger.Nop()
	}
	c := &Consumer{
		cfg:      cfg,
		l:        l,
		handlers: make(map[string]HandlerFunc),
		readers:  make(map[string]*kafka.Reader),
		stop:     make(chan struct{}),
	}
	if cfg.DLQTopic != "" {
		c.dlq = &kafka.Writer{Addr: kafka.TCP(cfg.Brokers...), Topic: cfg.DLQTopic, Balancer: &kafka.Hash{}}
	}
	initConsumerMetrics()
	return c, nil
}

// Use appends middleware applied to every handler registered afterwards.
func (c *Consumer) Use(mws ...Middleware) {
	c.mws = append(c.mws, mws...)
}

// RegisterHandler binds h to its topic. The first registration wins.
func (c *Consumer) RegisterHandler(h MessageHandler) {
	topic := h.Topic()
	if _, ok := c.handlers[topic]; ok {
		c.l.Warn("kafka handler already registered", applogger.String("topic", topic))
		return
	}
	c.handlers[topic] = Chain(func(ctx context.Context, km kafka.Message) error {
		return h.Handle(ctx, km.Value)
	}, c.mws...)
}

func (c *Consumer) Start() error {
	if len(c.handlers) == 0 {
		return fmt.Errorf("kafka consumer: no handlers registered")
	}
	c.queues = make([]chan kafka.Message, c.cfg.Workers)
	for i := range c.queues {
		c.queues[i] = make(chan kafka.Message, c.cfg.BufferSize)
		c.workWG.Add(1)
		go c.work(c.queues[i])
	}
	for topic := range c.handlers {
		r := kafka.NewReader(kafka.ReaderConfig{
			Brokers:     c.cfg.Brokers,
			Topic:       topic,
			GroupID:     c.cfg.GroupID,
			StartOffset: c.cfg.StartOffset,
			MinBytes:    c.cfg.MinBytes,
			MaxBytes:    c.cfg.MaxBytes,
		})
		c.readers[topic] = r
		c.readWG.Add(1)
		go c.read(topic, r)
	}
	c.l.Info("kafka consumer started",
		applogger.Int("workers", c.cfg.Workers),
		applogger.Int("topics", len(c.readers)),
		applogger.String("group_id", c.cfg.GroupID))
	return nil
}

// Stop ends reading, drains the worker queues and closes the readers. It
// gives up when ctx expires.
func (c *Consumer) Stop(ctx context.Context) error {
	var err error
	c.stopOnce.Do(func() {
		close(c.stop)
		if err = wait(ctx, &c.readWG); err == nil {
			for _, q := range c.queues {
				close(q)
			}
			err = wait(ctx, &c.workWG)
		}
		for topic, r := range c.readers {
			if cerr := r.Close(); cerr != nil {
				c.l.Warn("kafka reader close", applogger.String("topic", topic), applogger.Error(cerr))
			}
		}
		if c.dlq != nil {
			_ = c.dlq.Close()
		}
		if err == nil {
			c.l.Info("kafka consumer stopped")
		}
	})
	return err
}

func wait(ctx context.Context, wg *sync.WaitGroup) error {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("kafka consumer stop: %w", ctx.Err())
	}
}

func (c *Consumer) read(topic string, r *kafka.Reader) {
	defer c.readWG.Done()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-c.stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	for {
		km, err := r.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.l.Warn("kafka fetch", applogger.String("topic", topic), applogger.Error(err))
			if !sleep(c.stop, c.cfg.BackoffMin) {
				return
			}
			continue
		}
		q := c.queues[km.Partition%len(c.queues)]
		select {
		case q <- km:
			consumerMetrics.depth.WithLabelValues(topic).Set(float64(len(q)))
		case <-c.stop:
			return
		}
	}
}

func (c *Consumer) work(q <-chan kafka.Message) {
	defer c.workWG.Done()
	for km := range q {
		c.handle(km)
	}
}

func (c *Consumer) handle(km kafka.Message) {
	h, ok := c.handlers[km.Topic]
	if !ok {
		return
	}
	start := time.Now()
	attempts, err := c.run(h, km)
	result := "ok"
	if err != nil {
		result = "failed"
		c.l.Error("kafka record failed",
			applogger.String("topic", km.Topic),
			applogger.Int("partition", km.Partition),
			applogger.Int64("offset", km.Offset),
			applogger.Int("attempts", attempts),
			applogger.Bool("permanent", IsPermanent(err)),
			applogger.Error(err))
		if !c.deadLetter(km, err) {
			consumerMetrics.handled.WithLabelValues(km.Topic, result).Inc()
			return
		}
		result = "dead_lettered"
	}
	c.commit(km)
	consumerMetrics.handled.WithLabelValues(km.Topic, result).Inc()
	consumerMetrics.latency.WithLabelValues(km.Topic).Observe(time.Since(start).Seconds())
}

// run calls h until it succeeds, fails permanently or spends RetryMax retries.
func (c *Consumer) run(h HandlerFunc, km kafka.Message) (int, error) {
	var err error
	for attempt := 1; ; attempt++ {
		if err = h(context.Background(), km); err == nil || IsPermanent(err) || attempt > c.cfg.RetryMax {
			return attempt, err
		}
		if !sleep(c.stop, util.BackoffWithJitter(c.cfg.BackoffMin, c.cfg.BackoffMax, attempt)) {
			return attempt, err
		}
	}
}

// deadLetter reports whether km was copied to the DLQ.
func (c *Consumer) deadLetter(km kafka.Message, cause error) bool {
	if c.dlq == nil {
		return false
	}
	headers := append([]kafka.Header{
		{Key: "source_topic", Value: []byte(km.Topic)},
		{Key: "error", Value: []byte(cause.Error())},
	}, km.Headers...)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.dlq.WriteMessages(ctx, kafka.Message{Key: km.Key, Value: km.Value, Headers: headers}); err != nil {
		c.l.Warn("kafka dlq write", applogger.String("dlq", c.cfg.DLQTopic), applogger.Error(err))
		return false
	}
	return true
}

func (c *Consumer) commit(km kafka.Message) {
	r := c.readers[km.Topic]
	if r == nil {
		return
	}
	var err error
	for attempt := 1; attempt <= 3; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		err = r.CommitMessages(ctx, km)
		cancel()
		if err == nil || errors.Is(err, io.ErrClosedPipe) {
			return
		}
		time.Sleep(util.BackoffWithJitter(50*time.Millisecond, 500*time.Millisecond, attempt))
	}
	c.l.Warn("kafka commit", applogger.String("topic", km.Topic), applogger.Int64("offset", km.Offset), applogger.Error(err))
}

// sleep waits d and reports false when stop closed first.
func sleep(stop <-chan struct{}, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-stop:
		return false
	}
}

type consumerCollectors struct {
	depth   *prometheus.GaugeVec
	handled *prometheus.CounterVec
	latency *prometheus.HistogramVec
}

var (
	consumerMetrics     *consumerCollectors
	consumerMetricsOnce sync.Once
)

func initConsumerMetrics() {
	consumerMetricsOnce.Do(func() {
		consumerMetrics = &consumerCollectors{
			depth: promauto.NewGaugeVec(prometheus.GaugeOpts{
				Name: "featpull_kafka_consumer_queue_depth",
				Help: "Records waiting in a worker queue",
			}, []string{"topic"}),
			handled: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "featpull_kafka_consumer_records_total",
				Help: "Records handled by result",
			}, []string{"topic", "result"}),
			latency: promauto.NewHistogramVec(prometheus.HistogramOpts{
				Name: "featpull_kafka_consumer_handle_seconds",
				Help: "Handling time per committed record",
			}, []string{"topic"}),
		}
	})
}
