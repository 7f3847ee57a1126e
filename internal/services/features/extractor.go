package features

import (
	"math"
	"time"

	"FeatPull/internal/domain/models"
	drepo "FeatPull/internal/domain/repository"

	"gonum.org/v1/gonum/stat"
)

// TimeEncodingNames are the calendar columns in vector order.
var TimeEncodingNames = []string{"hour_sin", "hour_cos", "dow_sin", "dow_cos", "day_of_week"}

// TimeEncodings returns cyclic hour and weekday encodings of a unix-ms
// timestamp in UTC. Weekdays count from Monday = 0.
func TimeEncodings(ts int64) []float64 {
	t := time.UnixMilli(ts).UTC()
	hour := float64(t.Hour())
	dow := float64((int(t.Weekday()) + 6) % 7)
	return []float64{
		math.Sin(2 * math.Pi * hour / 24),
		math.Cos(2 * math.Pi * hour / 24),
		math.Sin(2 * math.Pi * dow / 7),
		math.Cos(2 * math.Pi * dow / 7),
		dow,
	}
}

// ComputeLogReturns computes log returns r_t = ln(C_t / C_{t-1}).
// It returns a slice of length len(bars)-1, or nil if insufficient data.
func ComputeLogReturns(bars []models.Bar) []float64 {
	if len(bars) < 2 {
		return nil
	}
	out := make([]float64, 0, len(bars)-1)
	for i := 1; i < len(bars); i++ {
		prev := bars[i-1].Close
		cur := bars[i].Close
		if prev <= 0 || cur <= 0 {
			out = append(out, 0)
			continue
		}
		out = append(out, math.Log(cur/prev))
	}
	return out
}

// RealizedVolatility computes annualized realized volatility over the last
// window log returns using the provided number of bars per year.
func RealizedVolatility(logReturns []float64, window int, barsPerYear float64) float64 {
	if window <= 1 || len(logReturns) < window {
		return 0
	}
	variance := stat.Variance(logReturns[len(logReturns)-window:], nil)
	if variance < 0 {
		variance = 0
	}
	return math.Sqrt(variance * barsPerYear)
}

// BarsPerYear returns the number of bars per year for a timeframe.
func BarsPerYear(tf drepo.Timeframe) float64 {
	d := tf.Duration()
	if d <= 0 {
		return 365 * 24
	}
	return float64(365*24*time.Hour) / float64(d)
}
