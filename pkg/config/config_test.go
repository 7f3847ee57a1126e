package config

import (
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"FeatPull/internal/domain/errs"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const minimal = `
storage:
  backend: memory
features:
  timeframes:
    - bar: 1H
      indicators:
        - {kind: rsi, params: {window: 14}, normalize: true}
instruments: [BTC-USDT]
`

func TestParseAppliesDefaults(t *testing.T) {
	c, err := Parse([]byte(minimal))
	require.NoError(t, err)
	assert.Equal(t, "development", c.Environment)
	assert.Equal(t, 8080, c.Server.Port)
	assert.Equal(t, 100, c.OKX.PageLimit)
	assert.Equal(t, 20, c.RateLimit.Capacity)
	assert.Equal(t, 2*time.Second, c.RateLimit.Interval)
	assert.Equal(t, "1H", c.Features.Base)
	assert.Equal(t, 1, c.Features.Horizon)
	assert.True(t, c.DedupStopEnabled())
	assert.Equal(t, 14.0, c.Features.Timeframes[0].Indicators[0].Params["window"])

	ivs := c.Label.LabelIntervals()
	require.Len(t, ivs, 3)
	assert.True(t, math.IsInf(ivs[0].Lower, -1))
}

func TestParseKeepsExplicitFalse(t *testing.T) {
	c, err := Parse([]byte(minimal + "ingest:\n  dedup_stop: false\n"))
	require.NoError(t, err)
	assert.False(t, c.DedupStopEnabled())
}

func TestParseRejectsBadLabelIntervals(t *testing.T) {
	doc := minimal + `
label:
  intervals:
    - {class: 1, lower: -.inf, upper: -1.0}
    - {class: 2, lower: -0.5, upper: .inf}
`
	_, err := Parse([]byte(doc))
	var lerr *errs.LabelThresholdConfigError
	require.True(t, errors.As(err, &lerr), "got %v", err)
}

func TestParseRejectsInvalidValues(t *testing.T) {
	cases := map[string]string{
		"unknown timeframe": `
features:
  timeframes: [{bar: 3H}]
instruments: [BTC-USDT]
`,
		"no instruments": `
features:
  timeframes: [{bar: 1H}]
`,
		"page limit":            minimal + "okx:\n  page_limit: 500\n",
		"kafka without brokers": minimal + "kafka:\n  enabled: true\n",
		"jobs without redis":    minimal + "jobs:\n  enabled: true\n",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestApplyEnv(t *testing.T) {
	c, err := Parse([]byte(minimal))
	require.NoError(t, err)
	env := map[string]string{
		"INSTRUMENTS":     "ETH-USDT, SOL-USDT,",
		"KAFKA_BROKERS":   "k1:9092,k2:9092",
		"STORAGE_BACKEND": "clickhouse",
		"REDIS_HOST":      "redis",
		"REDIS_PORT":      "6380",
	}
	c.applyEnv(func(k string) string { return env[k] })
	assert.Equal(t, []string{"ETH-USDT", "SOL-USDT"}, c.Instruments)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, c.Kafka.Brokers)
	assert.True(t, c.Kafka.Enabled)
	assert.Equal(t, StorageClickHouse, c.Storage.Backend)
	assert.True(t, c.Redis.Enabled)
	assert.Equal(t, 6380, c.Redis.Port)
	assert.NoError(t, c.Validate())
}

func TestLoadSampleConfig(t *testing.T) {
	c, err := Load(filepath.Join("..", "..", "config", "config.yaml"))
	require.NoError(t, err)
	assert.Len(t, c.Features.Timeframes, 3)
	assert.Equal(t, []string{"BTC-USDT", "ETH-USDT"}, c.Instruments)
	assert.True(t, c.Jobs.Enabled)
	assert.Equal(t, 2, c.Jobs.Workers)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.True(t, errors.Is(err, os.ErrNotExist))
}
