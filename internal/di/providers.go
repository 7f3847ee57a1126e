package di

import (
	"context"
	"fmt"
	"time"

	"FeatPull/internal/domain/repository"
	domsvc "FeatPull/internal/domain/service"
	"FeatPull/internal/handler/api"
	mid "FeatPull/internal/middleware"
	internalrepo "FeatPull/internal/repository"
	"FeatPull/internal/service/indicator"
	"FeatPull/internal/service/label"
	"FeatPull/internal/service/normalizer"
	"FeatPull/internal/service/okx"
	"FeatPull/internal/service/ratelimit"
	"FeatPull/internal/services/classifier"
	"FeatPull/internal/usecase"
	"FeatPull/pkg/cache"
	pkgch "FeatPull/pkg/clickhouse"
	"FeatPull/pkg/config"
	xhttp "FeatPull/pkg/http"
	pkgkafka "FeatPull/pkg/kafka"
	applogger "FeatPull/pkg/logger"
	"FeatPull/pkg/metrics"
	"FeatPull/pkg/queue"
	"FeatPull/pkg/server"

	"github.com/redis/go-redis/v9"
)

// Stores groups the three persistence ports. With the memory backend a
// single MemoryStore serves all of them.
type Stores struct {
	Bars     repository.BarStore
	Params   repository.NormalizerStore
	Features repository.FeatureStore
	// Ping is nil for the memory backend.
	Ping func(context.Context) error
}

// ProvideLogger creates the application logger.
func ProvideLogger(cfg *config.Config) (*applogger.Logger, error) {
	l, err := applogger.New(&applogger.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Output: cfg.Log.Output,
	})
	if err != nil {
		return nil, fmt.Errorf("logger: %w", err)
	}
	return l.With(applogger.String("env", cfg.Environment)), nil
}

// ProvideMetrics creates a Prometheus metrics recorder.
func ProvideMetrics() repository.Metrics {
	return metrics.New()
}

// ProvideStores opens ClickHouse and ensures the schema, or returns the
// in-memory store.
func ProvideStores(cfg *config.Config, l *applogger.Logger) (*Stores, func(), error) {
	if cfg.Storage.Backend == config.StorageMemory {
		m := internalrepo.NewMemoryStore()
		return &Stores{Bars: m, Params: m, Features: m}, func() {}, nil
	}

	client, err := pkgch.NewClient(
		pkgch.WithAddr(cfg.ClickHouse.Host, cfg.ClickHouse.Port),
		pkgch.WithAuth(cfg.ClickHouse.Database, cfg.ClickHouse.User, cfg.ClickHouse.Password),
		pkgch.WithMaxConnections(10, 5),
		pkgch.WithHTTP(cfg.ClickHouse.UseHTTP),
		pkgch.WithAsyncInsert(cfg.ClickHouse.AsyncInsert, cfg.ClickHouse.WaitForAsync),
		pkgch.WithTimeouts(cfg.ClickHouse.DialTimeout, cfg.ClickHouse.ReadTimeout, cfg.ClickHouse.WriteTimeout),
		pkgch.WithMaxExecutionTime(cfg.ClickHouse.MaxExecutionTime),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("clickhouse client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := client.InitSchema(ctx, internalrepo.SchemaStatements(cfg.ClickHouse.Database)); err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("clickhouse schema: %w", err)
	}

	chl := l.With(applogger.String("component", "clickhouse"))
	bars := internalrepo.NewCHBarStore(client, cfg.ClickHouse.Database)
	bars.SetLogger(chl)
	params := internalrepo.NewCHNormalizerStore(client, cfg.ClickHouse.Database)
	params.SetLogger(chl)
	features := internalrepo.NewCHFeatureStore(client, cfg.ClickHouse.Database)
	features.SetLogger(chl)

	cleanup := func() {
		if err := client.Close(); err != nil {
			l.Warn("clickhouse close error", applogger.Error(err))
		}
	}
	l.Info("clickhouse ready", applogger.String("database", cfg.ClickHouse.Database))
	return &Stores{Bars: bars, Params: params, Features: features, Ping: client.Ping}, cleanup, nil
}

// ProvideCache returns Redis behind a process-local layer when enabled,
// otherwise a memory cache.
func ProvideCache(cfg *config.Config) (cache.Service, func(), error) {
	var svc cache.Service
	if cfg.Redis.Enabled {
		rc, err := cache.NewRedisCache(
			cache.WithRedisAddr(cfg.Redis.Host, cfg.Redis.Port),
			cache.WithRedisAuth(cfg.Redis.Password, cfg.Redis.DB),
			cache.WithRedisPrefix(cfg.Redis.Prefix),
		)
		if err != nil {
			return nil, nil, fmt.Errorf("redis cache: %w", err)
		}
		svc = cache.NewLayeredCache(rc, cache.WithLayeredMemoryTTL(30*time.Second))
	} else {
		svc = cache.NewMemoryCache()
	}
	return svc, func() { _ = svc.Close() }, nil
}

// ProvideKafkaProducer creates a Kafka producer, or nil when Kafka is off.
func ProvideKafkaProducer(cfg *config.Config) (*pkgkafka.Producer, func(), error) {
	if !cfg.Kafka.Enabled {
		return nil, func() {}, nil
	}
	producer, err := pkgkafka.NewProducer(
		pkgkafka.WithBrokers(cfg.Kafka.Brokers),
		pkgkafka.WithCompression(cfg.Kafka.Compression),
		pkgkafka.WithDelivery(cfg.Kafka.RequiredAcks, cfg.Kafka.Producer.MaxAttempts, cfg.Kafka.Producer.Async),
		pkgkafka.WithBatching(cfg.Kafka.Producer.BatchSize, cfg.Kafka.Producer.BatchBytes, cfg.Kafka.Producer.Linger),
		pkgkafka.WithTimeouts(cfg.Kafka.Producer.WriteTimeout, cfg.Kafka.Producer.ReadTimeout),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("kafka producer: %w", err)
	}
	return producer, func() { _ = producer.Close() }, nil
}

// ProvideFeaturePublisher publishes built features to Kafka when a producer exists.
func ProvideFeaturePublisher(producer *pkgkafka.Producer, cfg *config.Config) repository.FeaturePublisher {
	if producer == nil {
		return internalrepo.NopFeaturePublisher{}
	}
	return internalrepo.NewKafkaFeaturePublisher(producer, cfg.Kafka.FeaturesTopic)
}

// ProvideKafkaConsumer creates the bars consumer, or nil when Kafka is off.
func ProvideKafkaConsumer(cfg *config.Config, l *applogger.Logger) (*pkgkafka.Consumer, error) {
	if !cfg.Kafka.Enabled {
		return nil, nil
	}
	consumer, err := pkgkafka.NewConsumer(
		pkgkafka.WithConsumerBrokers(cfg.Kafka.Brokers),
		pkgkafka.WithConsumerGroupID(cfg.Kafka.Consumer.GroupID),
		pkgkafka.WithConsumerWorkers(cfg.Kafka.Consumer.Workers, cfg.Kafka.Consumer.BufferSize),
		pkgkafka.WithConsumerRetry(cfg.Kafka.Consumer.RetryMax, cfg.Kafka.Consumer.BackoffMin, cfg.Kafka.Consumer.BackoffMax),
		pkgkafka.WithConsumerDLQ(cfg.Kafka.Consumer.DLQTopic),
		pkgkafka.WithConsumerLogger(l.With(applogger.String("component", "kafka_consumer"))),
	)
	if err != nil {
		return nil, fmt.Errorf("kafka consumer: %w", err)
	}
	consumer.Use(pkgkafka.Recover(), pkgkafka.MaxBytes(cfg.Kafka.Consumer.MaxRecordBytes), pkgkafka.Trace())
	return consumer, nil
}

// ProvideKafkaBarsHandler upserts bars read from the bars topic.
func ProvideKafkaBarsHandler(stores *Stores, m repository.Metrics, cfg *config.Config) *usecase.KafkaBarsHandler {
	return usecase.NewKafkaBarsHandler(cfg.Kafka.BarsTopic, stores.Bars, m)
}

// ProvideBudget creates the shared exchange request budget.
func ProvideBudget(cfg *config.Config) (*ratelimit.Budget, error) {
	return ratelimit.NewBudget(ratelimit.DefaultKey, ratelimit.Config{
		Capacity: cfg.RateLimit.Capacity,
		Refill:   cfg.RateLimit.Refill,
		Interval: cfg.RateLimit.Interval,
	})
}

// ProvideCandleSource creates the OKX REST client.
func ProvideCandleSource(cfg *config.Config) repository.CandleSource {
	return okx.NewClient(cfg.OKX.BaseURL, cfg.OKX.Timeout)
}

// ProvideFetcher creates the incremental history fetcher.
func ProvideFetcher(src repository.CandleSource, stores *Stores, budget *ratelimit.Budget, m repository.Metrics, cfg *config.Config, l *applogger.Logger) *usecase.Fetcher {
	return usecase.NewFetcher(src, stores.Bars, budget, usecase.FetcherConfig{
		PageLimit:     cfg.OKX.PageLimit,
		MaxRecords:    cfg.Ingest.MaxRecords,
		RetryAttempts: cfg.OKX.Retry.Attempts,
		BackoffMin:    cfg.OKX.Retry.BackoffMin,
		BackoffMax:    cfg.OKX.Retry.BackoffMax,
		DedupStop:     cfg.DedupStopEnabled(),
	},
		usecase.WithFetcherLogger(l.With(applogger.String("component", "fetcher"))),
		usecase.WithFetcherMetrics(m),
	)
}

// ProvideLabelGenerator validates the configured class thresholds.
func ProvideLabelGenerator(cfg *config.Config) (*label.Generator, error) {
	return label.New(cfg.Label.LabelIntervals(), cfg.Label.Scale)
}

// MergerConfigFrom converts the YAML feature layout.
func MergerConfigFrom(fc config.FeaturesConfig) usecase.MergerConfig {
	mc := usecase.MergerConfig{
		Base:          repository.Timeframe(fc.Base),
		BaseNormalize: fc.BaseNormalize,
		Horizon:       fc.Horizon,
	}
	for _, tf := range fc.Timeframes {
		spec := usecase.TimeframeSpec{Bar: repository.Timeframe(tf.Bar), Lookback: tf.Lookback}
		for _, ind := range tf.Indicators {
			spec.Indicators = append(spec.Indicators, usecase.IndicatorSpec{
				Kind:      ind.Kind,
				Params:    indicator.Params(ind.Params),
				Normalize: ind.Normalize,
			})
		}
		mc.Timeframes = append(mc.Timeframes, spec)
	}
	return mc
}

// ProvideFeatureMerger binds the configured calculators.
func ProvideFeatureMerger(cfg *config.Config, labels *label.Generator, l *applogger.Logger) (*usecase.FeatureMerger, error) {
	m, err := usecase.NewFeatureMerger(MergerConfigFrom(cfg.Features), indicator.NewRegistry(), labels,
		usecase.WithMergerLogger(l.With(applogger.String("component", "merger"))))
	if err != nil {
		return nil, fmt.Errorf("feature merger: %w", err)
	}
	l.Info("feature layout",
		applogger.String("config_hash", m.ConfigHash()),
		applogger.Int("columns", len(m.Names())),
	)
	return m, nil
}

// ProvideNormalizer reads parameters through the cache.
func ProvideNormalizer(stores *Stores, c cache.Service, cfg *config.Config, l *applogger.Logger) *normalizer.Normalizer {
	store := internalrepo.NewCachedNormalizerStore(stores.Params, c, cfg.Redis.ParamTTL, l)
	return normalizer.New(store, normalizer.WithLogger(l.With(applogger.String("component", "normalizer"))))
}

// ProvideClassifier returns nil when no model service is configured.
func ProvideClassifier(cfg *config.Config) domsvc.Classifier {
	if cfg.Classifier.URL == "" {
		return nil
	}
	return classifier.NewHTTPClassifier(cfg.Classifier.URL, cfg.Classifier.Timeout, cfg.Classifier.Attempts)
}

// ProvidePipeline assembles ingest, fit, build and predict.
func ProvidePipeline(
	fetcher *usecase.Fetcher,
	merger *usecase.FeatureMerger,
	norm *normalizer.Normalizer,
	stores *Stores,
	pub repository.FeaturePublisher,
	cls domsvc.Classifier,
	c cache.Service,
	m repository.Metrics,
	cfg *config.Config,
	l *applogger.Logger,
) *usecase.Pipeline {
	opts := []usecase.PipelineOption{
		usecase.WithPublisher(pub),
		usecase.WithLocker(c, cfg.Scheduler.LockTTL),
		usecase.WithIngestLimit(cfg.Ingest.MaxRecords),
		usecase.WithPipelineLogger(l.With(applogger.String("component", "pipeline"))),
		usecase.WithPipelineMetrics(m),
	}
	if cls != nil {
		opts = append(opts, usecase.WithClassifier(cls))
	}
	return usecase.NewPipeline(fetcher, merger, norm, stores.Bars, stores.Features, opts...)
}

// ProvideScheduler returns nil when scheduled refresh is disabled.
func ProvideScheduler(pipe *usecase.Pipeline, cfg *config.Config, l *applogger.Logger) *usecase.Scheduler {
	if !cfg.Scheduler.Enabled {
		return nil
	}
	return usecase.NewScheduler(pipe, cfg.Instruments, cfg.Scheduler.Window, l.With(applogger.String("component", "scheduler")))
}

// ProvideBarCollector wires the live candle stream, or returns nil when
// streaming is disabled.
func ProvideBarCollector(
	producer *pkgkafka.Producer,
	stores *Stores,
	m repository.Metrics,
	cfg *config.Config,
	l *applogger.Logger,
) *usecase.BarCollector {
	if !cfg.OKX.Stream.Enabled {
		return nil
	}
	var subs []okx.Subscription
	for _, inst := range cfg.Instruments {
		for _, tf := range cfg.Features.Timeframes {
			subs = append(subs, okx.Subscription{InstID: inst, Bar: repository.Timeframe(tf.Bar)})
		}
	}
	sl := l.With(applogger.String("component", "okx_stream"))
	stream := okx.NewStream(cfg.OKX.WSURL, subs, cfg.OKX.Stream.ReconnectDelay, cfg.OKX.Stream.PingInterval, sl)

	var pub repository.BarPublisher
	if producer != nil {
		pub = internalrepo.NewKafkaBarPublisher(producer, cfg.Kafka.BarsTopic)
	}
	proc := usecase.NewBarProcessor(pub, stores.Bars, m, cfg.OKX.Stream.Backend)
	pipe := mid.NewRealtimePipeline(proc, m,
		mid.WithMaxRPS(cfg.OKX.Stream.MaxRPS),
		mid.WithBufferSize(cfg.OKX.Stream.BufferSize),
	)
	return usecase.NewBarCollector(stream, proc, m, pipe, sl)
}

// ProvideJobQueue creates the backfill queue, or nil when jobs are off.
func ProvideJobQueue(pipe *usecase.Pipeline, cfg *config.Config, l *applogger.Logger) (*queue.RedisQueue, func(), error) {
	if !cfg.Jobs.Enabled {
		return nil, func() {}, nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Redis.Host, cfg.Redis.Port),
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	ql := l.With(applogger.String("component", "jobs"))
	q := queue.NewRedisQueue(ql, queue.Config{
		Workers:    cfg.Jobs.Workers,
		RetryLimit: cfg.Jobs.RetryLimit,
		RetryDelay: cfg.Jobs.RetryDelay,
	}, client, queue.WithKeyPrefix(cfg.Redis.Prefix+":jobs"))
	q.RegisterJob(usecase.NewBackfillJob(pipe, ql))
	return q, func() { _ = client.Close() }, nil
}

// ProvideHTTPHandler exposes the pipeline API.
func ProvideHTTPHandler(pipe *usecase.Pipeline, merger *usecase.FeatureMerger, stores *Stores, jobs *queue.RedisQueue, l *applogger.Logger) xhttp.Handler {
	var opts []api.PipelineHandlerOption
	if jobs != nil {
		opts = append(opts, api.WithJobQueue(jobs))
	}
	return api.NewPipelineEchoHandler(l.With(applogger.String("component", "api")), pipe,
		usecase.NewFeaturesUseCase(stores.Features, merger), opts...)
}

// ProvideHTTPServer creates the echo server.
func ProvideHTTPServer(h xhttp.Handler, stores *Stores, cfg *config.Config, l *applogger.Logger) *xhttp.Server {
	path := ""
	if cfg.Metrics.Enabled {
		path = cfg.Metrics.Path
	}
	opts := []xhttp.ServerOption{
		xhttp.WithPort(cfg.Server.Port),
		xhttp.WithTimeouts(cfg.Server.ReadTimeout, cfg.Server.WriteTimeout, cfg.Server.ShutdownTimeout),
		xhttp.WithMetrics(path, nil, nil),
		xhttp.WithSlowRequest(cfg.Server.SlowRequest),
		xhttp.WithCORS(cfg.Server.CORSOrigins...),
	}
	if stores.Ping != nil {
		opts = append(opts, xhttp.WithReadyCheck("clickhouse", stores.Ping))
	}
	return xhttp.NewServer(h, l.With(applogger.String("component", "http")), opts...)
}

// ProvideApp creates the application server.
func ProvideApp(
	cfg *config.Config,
	l *applogger.Logger,
	srv *xhttp.Server,
	scheduler *usecase.Scheduler,
	collector *usecase.BarCollector,
	consumer *pkgkafka.Consumer,
	kh *usecase.KafkaBarsHandler,
	jobs *queue.RedisQueue,
) *server.App {
	return server.New(cfg, l, srv, scheduler, collector, consumer, kh, jobs)
}
