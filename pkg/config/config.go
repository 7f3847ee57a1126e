package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	drepo "FeatPull/internal/domain/repository"
	"FeatPull/internal/service/label"
	"FeatPull/pkg/util"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Storage backends.
const (
	StorageClickHouse = "clickhouse"
	StorageMemory     = "memory"
)

type Config struct {
	Environment string `yaml:"environment" default:"development" validate:"required"`
	Log         struct {
		Level  string `yaml:"level" default:"info" validate:"oneof=debug info warn error"`
		Format string `yaml:"format" default:"console" validate:"oneof=json console"`
		Output string `yaml:"output" default:"stdout"`
	} `yaml:"log"`
	Server struct {
		Port            int           `yaml:"port" default:"8080" validate:"gte=1,lte=65535"`
		ReadTimeout     time.Duration `yaml:"read_timeout" default:"10s"`
		WriteTimeout    time.Duration `yaml:"write_timeout" default:"120s"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout" default:"15s"`
		SlowRequest     time.Duration `yaml:"slow_request" default:"5s"`
		// CORSOrigins empty disables CORS.
		CORSOrigins []string `yaml:"cors_origins" default:"[\"*\"]"`
	} `yaml:"server"`
	Metrics struct {
		Enabled bool   `yaml:"enabled"`
		Path    string `yaml:"path" default:"/metrics"`
	} `yaml:"metrics"`
	Storage struct {
		Backend string `yaml:"backend" default:"clickhouse" validate:"oneof=clickhouse memory"`
	} `yaml:"storage"`
	ClickHouse struct {
		Host             string        `yaml:"host" default:"localhost"`
		Port             int           `yaml:"port" default:"9000"`
		Database         string        `yaml:"database" default:"featpull"`
		User             string        `yaml:"user" default:"default"`
		Password         string        `yaml:"password"`
		UseHTTP          bool          `yaml:"use_http"`
		AsyncInsert      bool          `yaml:"async_insert"`
		WaitForAsync     bool          `yaml:"wait_for_async_insert"`
		DialTimeout      time.Duration `yaml:"dial_timeout" default:"5s"`
		ReadTimeout      time.Duration `yaml:"read_timeout" default:"30s"`
		WriteTimeout     time.Duration `yaml:"write_timeout" default:"30s"`
		MaxExecutionTime time.Duration `yaml:"max_execution_time" default:"60s"`
	} `yaml:"clickhouse"`
	Redis struct {
		Enabled  bool          `yaml:"enabled"`
		Host     string        `yaml:"host" default:"localhost"`
		Port     int           `yaml:"port" default:"6379"`
		Password string        `yaml:"password"`
		DB       int           `yaml:"db"`
		Prefix   string        `yaml:"prefix" default:"featpull"`
		ParamTTL time.Duration `yaml:"param_ttl" default:"10m"`
	} `yaml:"redis"`
	Kafka struct {
		Enabled       bool     `yaml:"enabled"`
		Brokers       []string `yaml:"brokers"`
		FeaturesTopic string   `yaml:"features_topic" default:"features"`
		BarsTopic     string   `yaml:"bars_topic" default:"bars"`
		RequiredAcks  int      `yaml:"required_acks" default:"-1"`
		Compression   string   `yaml:"compression" default:"snappy"`
		Producer      struct {
			MaxAttempts  int           `yaml:"max_attempts" default:"5"`
			Linger       time.Duration `yaml:"linger" default:"10ms"`
			BatchBytes   int           `yaml:"batch_bytes" default:"1048576"`
			BatchSize    int           `yaml:"batch_size" default:"500"`
			WriteTimeout time.Duration `yaml:"write_timeout" default:"10s"`
			ReadTimeout  time.Duration `yaml:"read_timeout" default:"10s"`
			Async        bool          `yaml:"async"`
		} `yaml:"producer"`
		Consumer struct {
			GroupID    string        `yaml:"group_id" default:"featpull-bars"`
			Workers    int           `yaml:"workers" default:"4"`
			BufferSize int           `yaml:"buffer_size" default:"1000"`
			RetryMax   int           `yaml:"retry_max" default:"3"`
			BackoffMin time.Duration `yaml:"backoff_min" default:"100ms"`
			BackoffMax time.Duration `yaml:"backoff_max" default:"5s"`
			DLQTopic   string        `yaml:"dlq_topic" default:"bars.dlq"`
			// MaxRecordBytes rejects oversized records without retrying; 0 disables.
			MaxRecordBytes int `yaml:"max_record_bytes" default:"65536"`
		} `yaml:"consumer"`
	} `yaml:"kafka"`
	OKX struct {
		BaseURL   string        `yaml:"base_url" default:"https://www.okx.com"`
		WSURL     string        `yaml:"ws_url" default:"wss://ws.okx.com:8443/ws/v5/business"`
		PageLimit int           `yaml:"page_limit" default:"100" validate:"gte=1,lte=100"`
		Timeout   time.Duration `yaml:"timeout" default:"10s"`
		Retry     struct {
			Attempts   int           `yaml:"attempts" default:"3" validate:"gte=1"`
			BackoffMin time.Duration `yaml:"backoff_min" default:"200ms"`
			BackoffMax time.Duration `yaml:"backoff_max" default:"5s"`
		} `yaml:"retry"`
		Stream struct {
			Enabled        bool          `yaml:"enabled"`
			Backend        string        `yaml:"backend" default:"store" validate:"oneof=store kafka"`
			MaxRPS         int           `yaml:"max_rps" default:"2"`
			BufferSize     int           `yaml:"buffer_size" default:"1000"`
			ReconnectDelay time.Duration `yaml:"reconnect_delay" default:"5s"`
			PingInterval   time.Duration `yaml:"ping_interval" default:"25s"`
		} `yaml:"stream"`
	} `yaml:"okx"`
	RateLimit struct {
		Capacity int           `yaml:"capacity" default:"20" validate:"gte=1"`
		Refill   int           `yaml:"refill" default:"20" validate:"gte=1"`
		Interval time.Duration `yaml:"interval" default:"2s"`
	} `yaml:"ratelimit"`
	Ingest struct {
		MaxRecords int `yaml:"max_records" default:"2000" validate:"gte=1"`
		// DedupStop ends a pull at the first page with nothing new.
		DedupStop *bool `yaml:"dedup_stop"`
	} `yaml:"ingest"`
	Features  FeaturesConfig `yaml:"features"`
	Label     LabelConfig    `yaml:"label"`
	Scheduler struct {
		Enabled bool          `yaml:"enabled"`
		Cron    string        `yaml:"cron" default:"0 */5 * * * *"`
		Window  time.Duration `yaml:"window" default:"24h"`
		LockTTL time.Duration `yaml:"lock_ttl" default:"10m"`
	} `yaml:"scheduler"`
	// Jobs is the redis backed backfill queue; it needs redis enabled.
	Jobs struct {
		Enabled    bool          `yaml:"enabled"`
		Workers    int           `yaml:"workers" default:"1" validate:"gte=1"`
		RetryLimit int           `yaml:"retry_limit" default:"3" validate:"gte=0"`
		RetryDelay time.Duration `yaml:"retry_delay" default:"1m"`
	} `yaml:"jobs"`
	Classifier struct {
		URL      string        `yaml:"url"`
		Timeout  time.Duration `yaml:"timeout" default:"5s"`
		Attempts int           `yaml:"attempts" default:"3"`
	} `yaml:"classifier"`
	Instruments []string `yaml:"instruments" validate:"min=1,dive,required"`
}

// FeaturesConfig declares the merged feature layout.
type FeaturesConfig struct {
	Base          string            `yaml:"base" default:"1H" validate:"required"`
	BaseNormalize bool              `yaml:"base_normalize"`
	Horizon       int               `yaml:"horizon" default:"1" validate:"gte=1"`
	Timeframes    []TimeframeConfig `yaml:"timeframes" validate:"min=1,dive"`
}

type TimeframeConfig struct {
	Bar        string            `yaml:"bar" validate:"required"`
	Lookback   int               `yaml:"lookback" validate:"gte=0"`
	Indicators []IndicatorConfig `yaml:"indicators" validate:"dive"`
}

type IndicatorConfig struct {
	Kind      string             `yaml:"kind" validate:"required"`
	Params    map[string]float64 `yaml:"params"`
	Normalize bool               `yaml:"normalize"`
}

// LabelConfig holds the class thresholds in percent. Use .inf and -.inf for
// the open ends.
type LabelConfig struct {
	Scale     float64          `yaml:"scale" default:"100"`
	Intervals []IntervalConfig `yaml:"intervals"`
}

type IntervalConfig struct {
	Class int     `yaml:"class"`
	Lower float64 `yaml:"lower"`
	Upper float64 `yaml:"upper"`
}

// LabelIntervals returns the configured intervals, or the three-class
// default when none are set.
func (l LabelConfig) LabelIntervals() []label.Interval {
	if len(l.Intervals) == 0 {
		return label.DefaultIntervals()
	}
	out := make([]label.Interval, len(l.Intervals))
	for i, iv := range l.Intervals {
		out[i] = label.Interval{Class: iv.Class, Lower: iv.Lower, Upper: iv.Upper}
	}
	return out
}

// DedupStopEnabled defaults to true when unset.
func (c *Config) DedupStopEnabled() bool {
	return c.Ingest.DedupStop == nil || *c.Ingest.DedupStop
}

var validate = validator.New()

// Load reads and parses a YAML configuration file. Defaults are applied
// first so the file only needs the values it changes.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(b)
}

// Parse decodes and validates a YAML document.
func Parse(b []byte) (*Config, error) {
	var c Config
	if err := defaults.Set(&c); err != nil {
		return nil, fmt.Errorf("config defaults: %w", err)
	}
	if err := yaml.Unmarshal(b, &c); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return &c, nil
}

// LoadWithEnv loads config from YAML and overrides with environment variables.
func LoadWithEnv(path string) (*Config, error) {
	c, err := Load(path)
	if err != nil {
		return nil, err
	}
	c.applyEnv(os.Getenv)
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return c, nil
}

func (c *Config) applyEnv(getenv func(string) string) {
	if v := getenv("OKX_BASE_URL"); v != "" {
		c.OKX.BaseURL = v
	}
	if v := getenv("INSTRUMENTS"); v != "" {
		c.Instruments = util.SplitCSV(v)
	}
	if v := getenv("STORAGE_BACKEND"); v != "" {
		c.Storage.Backend = v
	}
	if v := getenv("KAFKA_BROKERS"); v != "" {
		c.Kafka.Brokers = util.SplitCSV(v)
		c.Kafka.Enabled = true
	}
	if v := getenv("REDIS_HOST"); v != "" {
		c.Redis.Host = v
		c.Redis.Enabled = true
	}
	if v := getenv("REDIS_PORT"); v != "" {
		c.Redis.Port = util.ParseIntDefault(v, c.Redis.Port)
	}
	if v := getenv("CLICKHOUSE_HOST"); v != "" {
		c.ClickHouse.Host = v
	}
	if v := getenv("CLASSIFIER_URL"); v != "" {
		c.Classifier.URL = v
	}
}

// Validate checks if the configuration is valid. Label threshold problems
// come back as *errs.LabelThresholdConfigError.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return err
	}
	if _, err := drepo.ParseTimeframe(c.Features.Base); err != nil {
		return fmt.Errorf("features.base: %w", err)
	}
	for i, tf := range c.Features.Timeframes {
		if _, err := drepo.ParseTimeframe(tf.Bar); err != nil {
			return fmt.Errorf("features.timeframes[%d]: %w", i, err)
		}
	}
	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		return errors.New("kafka.brokers cannot be empty when kafka is enabled")
	}
	if c.OKX.Stream.Enabled && c.OKX.Stream.Backend == "kafka" && !c.Kafka.Enabled {
		return errors.New("okx.stream.backend kafka requires kafka.enabled")
	}
	if c.Jobs.Enabled && !c.Redis.Enabled {
		return errors.New("jobs.enabled requires redis.enabled")
	}
	if _, err := label.New(c.Label.LabelIntervals(), c.Label.Scale); err != nil {
		return err
	}
	return nil
}
