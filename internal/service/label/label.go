// Package label maps forward returns onto ordered discrete classes.
package label

import (
	"fmt"
	"math"
	"sort"

	"FeatPull/internal/domain/errs"
)

// Interval is the half-open range [Lower, Upper) that maps to Class.
type Interval struct {
	Class int
	Lower float64
	Upper float64
}

func (iv Interval) contains(x float64) bool {
	return x >= iv.Lower && x < iv.Upper
}

// Generator classifies scaled forward returns. Build one with New; the
// interval set is validated once and never changes afterwards.
type Generator struct {
	intervals []Interval
	scale     float64
}

// DefaultIntervals are the percent thresholds of the three-class model:
// down below -1.2%, flat within ±1.2%, up from +1.2%.
func DefaultIntervals() []Interval {
	return []Interval{
		{Class: 1, Lower: math.Inf(-1), Upper: -1.2},
		{Class: 2, Lower: -1.2, Upper: 1.2},
		{Class: 3, Lower: 1.2, Upper: math.Inf(1)},
	}
}

// New validates intervals and returns a generator that classifies
// futureReturn*scale. Intervals are sorted by Lower first.
func New(intervals []Interval, scale float64) (*Generator, error) {
	if scale <= 0 || math.IsNaN(scale) || math.IsInf(scale, 0) {
		return nil, &errs.LabelThresholdConfigError{Reason: fmt.Sprintf("scale must be a positive finite number, got %v", scale)}
	}
	ivs := append([]Interval(nil), intervals...)
	sort.SliceStable(ivs, func(i, j int) bool { return ivs[i].Lower < ivs[j].Lower })
	if err := Validate(ivs); err != nil {
		return nil, err
	}
	return &Generator{intervals: ivs, scale: scale}, nil
}

// Validate checks that ordered intervals cover the real line exactly once.
func Validate(ivs []Interval) error {
	if len(ivs) < 2 {
		return &errs.LabelThresholdConfigError{Reason: fmt.Sprintf("need at least 2 intervals, got %d", len(ivs))}
	}
	if !math.IsInf(ivs[0].Lower, -1) {
		return &errs.LabelThresholdConfigError{Reason: fmt.Sprintf("first interval must be unbounded below, got lower %v", ivs[0].Lower)}
	}
	if last := ivs[len(ivs)-1]; !math.IsInf(last.Upper, 1) {
		return &errs.LabelThresholdConfigError{Reason: fmt.Sprintf("last interval must be unbounded above, got upper %v", last.Upper)}
	}
	seen := make(map[int]bool, len(ivs))
	for i, iv := range ivs {
		if math.IsNaN(iv.Lower) || math.IsNaN(iv.Upper) {
			return &errs.LabelThresholdConfigError{Reason: fmt.Sprintf("interval %d has NaN bound", i)}
		}
		if !(iv.Lower < iv.Upper) {
			return &errs.LabelThresholdConfigError{Reason: fmt.Sprintf("interval %d: lower %v must be below upper %v", i, iv.Lower, iv.Upper)}
		}
		if seen[iv.Class] {
			return &errs.LabelThresholdConfigError{Reason: fmt.Sprintf("class %d used twice", iv.Class)}
		}
		seen[iv.Class] = true
		if i > 0 && ivs[i-1].Upper != iv.Lower {
			kind := "gap"
			if ivs[i-1].Upper > iv.Lower {
				kind = "overlap"
			}
			return &errs.LabelThresholdConfigError{Reason: fmt.Sprintf("%s between %v and %v", kind, ivs[i-1].Upper, iv.Lower)}
		}
	}
	return nil
}

// Classify maps an already scaled value to its class. A value on a boundary
// belongs to the interval above it.
func (g *Generator) Classify(x float64) (int, error) {
	if math.IsNaN(x) {
		return 0, fmt.Errorf("label: cannot classify NaN")
	}
	i := sort.Search(len(g.intervals), func(i int) bool { return g.intervals[i].Upper > x })
	if i == len(g.intervals) || !g.intervals[i].contains(x) {
		// unreachable for validated intervals unless x is +Inf
		if math.IsInf(x, 1) {
			return g.intervals[len(g.intervals)-1].Class, nil
		}
		return 0, fmt.Errorf("label: %v outside configured intervals", x)
	}
	return g.intervals[i].Class, nil
}

// Label classifies a raw forward return after applying the scale.
func (g *Generator) Label(futureReturn float64) (int, error) {
	return g.Classify(futureReturn * g.scale)
}

// Classes returns class ids in interval order.
func (g *Generator) Classes() []int {
	out := make([]int, len(g.intervals))
	for i, iv := range g.intervals {
		out[i] = iv.Class
	}
	return out
}

// Intervals returns a copy of the validated intervals.
func (g *Generator) Intervals() []Interval {
	return append([]Interval(nil), g.intervals...)
}

// Scale returns the multiplier applied to raw returns.
func (g *Generator) Scale() float64 { return g.scale }

// ForwardReturn is (future - current) / current.
func ForwardReturn(current, future float64) (float64, error) {
	if current == 0 || math.IsNaN(current) || math.IsNaN(future) {
		return 0, fmt.Errorf("label: forward return undefined for close %v", current)
	}
	return (future - current) / current, nil
}
