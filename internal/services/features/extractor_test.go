package features

import (
	"math"
	"testing"
	"time"

	"FeatPull/internal/domain/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTimeEncodings(t *testing.T) {
	// 2024-01-01 is a Monday
	monday := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC).UnixMilli()
	enc := TimeEncodings(monday)
	require.Len(t, enc, len(TimeEncodingNames))
	assert.InDelta(t, 0, enc[0], 1e-12)
	assert.InDelta(t, 1, enc[1], 1e-12)
	assert.Equal(t, 0.0, enc[4])

	sunday6 := time.Date(2024, 1, 7, 6, 0, 0, 0, time.UTC).UnixMilli()
	enc = TimeEncodings(sunday6)
	assert.InDelta(t, 1, enc[0], 1e-12)
	assert.Equal(t, 6.0, enc[4])
	assert.InDelta(t, math.Sin(2*math.Pi*6/7), enc[2], 1e-12)
}

func TestLogReturnsAndVolatility(t *testing.T) {
	bars := []models.Bar{{Close: 100}, {Close: 110}, {Close: 0}, {Close: 121}}
	r := ComputeLogReturns(bars)
	require.Len(t, r, 3)
	assert.InDelta(t, math.Log(1.1), r[0], 1e-12)
	assert.Equal(t, 0.0, r[1])
	assert.Nil(t, ComputeLogReturns(bars[:1]))

	assert.Equal(t, 0.0, RealizedVolatility([]float64{0.1}, 2, 1))
	assert.InDelta(t, math.Sqrt(0.02), RealizedVolatility([]float64{0.1, -0.1, 0.1}, 2, 1), 1e-12)
	assert.Equal(t, 8760.0, BarsPerYear("1H"))
	assert.Equal(t, 365.0, BarsPerYear("1D"))
}
