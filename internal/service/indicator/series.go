package indicator

import (
	"math"

	"FeatPull/internal/domain/models"

	"gonum.org/v1/gonum/stat"
)

func closes(bars []models.Bar) []float64 {
	out := make([]float64, len(bars))
	for i, b := range bars {
		out[i] = b.Close
	}
	return out
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	return stat.Mean(xs, nil)
}

// sampleStd uses the n-1 denominator; a single value has zero spread.
func sampleStd(xs []float64) float64 {
	if len(xs) < 2 {
		return 0
	}
	return stat.StdDev(xs, nil)
}

// emaSeries returns the EMA of xs with the given span, seeded by the simple
// average of the first span values. Entries before span-1 are NaN.
func emaSeries(xs []float64, span int) []float64 {
	out := make([]float64, len(xs))
	for i := range out {
		out[i] = math.NaN()
	}
	if span <= 0 || len(xs) < span {
		return out
	}
	alpha := 2.0 / float64(span+1)
	out[span-1] = mean(xs[:span])
	for i := span; i < len(xs); i++ {
		out[i] = alpha*xs[i] + (1-alpha)*out[i-1]
	}
	return out
}

// wilder smooths xs with Wilder's method: the first value is the mean of the
// first n inputs, then avg = (avg*(n-1) + x) / n. It returns every smoothed
// value starting from index n-1 of xs.
func wilder(xs []float64, n int) []float64 {
	if n <= 0 || len(xs) < n {
		return nil
	}
	out := make([]float64, 0, len(xs)-n+1)
	avg := mean(xs[:n])
	out = append(out, avg)
	for _, x := range xs[n:] {
		avg = (avg*float64(n-1) + x) / float64(n)
		out = append(out, avg)
	}
	return out
}

func trueRange(cur, prev models.Bar) float64 {
	return math.Max(cur.High-cur.Low, math.Max(math.Abs(cur.High-prev.Close), math.Abs(cur.Low-prev.Close)))
}

func tail(bars []models.Bar, n int) []models.Bar {
	if len(bars) <= n {
		return bars
	}
	return bars[len(bars)-n:]
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
