package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestRecorderCounts(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := NewWithRegistry(reg)

	r.RecordPage("BTC-USDT", "1H", 300)
	r.RecordPage("BTC-USDT", "1H", 12)
	r.RecordBarsStored("BTC-USDT", "1H", 312)
	r.RecordStop("dedup")
	r.RecordFeatures("BTC-USDT", "built", 10)
	r.RecordFeatures("BTC-USDT", "insufficient_history", 2)
	r.RecordTokens("okx_api", 17)

	assert.Equal(t, 2.0, testutil.ToFloat64(r.pages.WithLabelValues("BTC-USDT", "1H")))
	assert.Equal(t, 312.0, testutil.ToFloat64(r.barsStored.WithLabelValues("BTC-USDT", "1H")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.stops.WithLabelValues("dedup")))
	assert.Equal(t, 2.0, testutil.ToFloat64(r.features.WithLabelValues("BTC-USDT", "insufficient_history")))
	assert.Equal(t, 17.0, testutil.ToFloat64(r.tokens.WithLabelValues("okx_api")))
}
