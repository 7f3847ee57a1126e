package indicator

import (
	"fmt"
	"math"

	"FeatPull/internal/domain/models"
)

// ADX is the average directional index with +DI and -DI.
type ADX struct {
	window int
}

// NewADX creates an ADX over window bars.
func NewADX(p Params) (Calculator, error) {
	w, err := p.Int("window", 14)
	if err != nil {
		return nil, err
	}
	if err := positive("adx window", w); err != nil {
		return nil, err
	}
	return &ADX{window: w}, nil
}

func (a *ADX) Name() string { return "adx" }

func (a *ADX) Fields() []string { return []string{"high", "low", "close"} }

func (a *ADX) Outputs() []string { return []string{"adx", "plus_di", "minus_di"} }

// MinPeriods: window moves to seed the DI smoothing, then window DX values to seed ADX.
func (a *ADX) MinPeriods() int { return 2 * a.window }

func (a *ADX) Calculate(window []models.Bar) Result {
	if len(window) < a.MinPeriods() {
		return Undefined(a.Name(), a.MinPeriods())
	}
	n := len(window) - 1
	tr := make([]float64, n)
	plusDM := make([]float64, n)
	minusDM := make([]float64, n)
	for i := 1; i < len(window); i++ {
		cur, prev := window[i], window[i-1]
		up := cur.High - prev.High
		down := prev.Low - cur.Low
		if up > down && up > 0 {
			plusDM[i-1] = up
		}
		if down > up && down > 0 {
			minusDM[i-1] = down
		}
		tr[i-1] = trueRange(cur, prev)
	}

	sTR := wilder(tr, a.window)
	sPlus := wilder(plusDM, a.window)
	sMinus := wilder(minusDM, a.window)

	dx := make([]float64, len(sTR))
	var plusDI, minusDI float64
	for i := range sTR {
		plusDI, minusDI = 0, 0
		if sTR[i] > 0 {
			plusDI = 100 * sPlus[i] / sTR[i]
			minusDI = 100 * sMinus[i] / sTR[i]
		}
		if sum := plusDI + minusDI; sum > 0 {
			dx[i] = 100 * math.Abs(plusDI-minusDI) / sum
		}
	}
	adx := wilder(dx, a.window)
	return defined(a.Name(), a.MinPeriods(), map[string]float64{
		"adx":      adx[len(adx)-1],
		"plus_di":  plusDI,
		"minus_di": minusDI,
	})
}

// TrendContinuation scores how consistently closes keep moving one way.
//
// direction = (ups - downs) / moves, in [-1, 1]
// continuation = direction * longestRun / moves, in [-1, 1]
// strength = |continuation|, in [0, 1]
//
// A longer run in the dominant direction or fewer counter moves both raise strength.
type TrendContinuation struct {
	window int
}

// NewTrendContinuation creates the score over the last window closes.
func NewTrendContinuation(p Params) (Calculator, error) {
	w, err := p.Int("window", 20)
	if err != nil {
		return nil, err
	}
	if w < 2 {
		return nil, fmt.Errorf("trend window must be at least 2, got %d", w)
	}
	return &TrendContinuation{window: w}, nil
}

func (t *TrendContinuation) Name() string { return "trend" }

func (t *TrendContinuation) Fields() []string { return []string{"close"} }

func (t *TrendContinuation) Outputs() []string {
	return []string{"trend_continuation", "trend_strength"}
}

func (t *TrendContinuation) MinPeriods() int { return t.window }

func (t *TrendContinuation) Calculate(window []models.Bar) Result {
	if len(window) < t.MinPeriods() {
		return Undefined(t.Name(), t.MinPeriods())
	}
	c := closes(tail(window, t.window))
	moves := len(c) - 1
	var ups, downs, run, longest, lastSign int
	for i := 1; i < len(c); i++ {
		sign := 0
		switch {
		case c[i] > c[i-1]:
			sign = 1
			ups++
		case c[i] < c[i-1]:
			sign = -1
			downs++
		}
		if sign != 0 && sign == lastSign {
			run++
		} else if sign != 0 {
			run = 1
		} else {
			run = 0
		}
		lastSign = sign
		if run > longest {
			longest = run
		}
	}
	direction := float64(ups-downs) / float64(moves)
	continuation := direction * float64(longest) / float64(moves)
	return defined(t.Name(), t.MinPeriods(), map[string]float64{
		"trend_continuation": continuation,
		"trend_strength":     math.Abs(continuation),
	})
}

// EMA is an exponential moving average of closes and the close's distance to it.
type EMA struct {
	span int
}

// NewEMA creates an EMA with the given span.
func NewEMA(p Params) (Calculator, error) {
	span, err := p.Int("span", 20)
	if err != nil {
		return nil, err
	}
	if err := positive("ema span", span); err != nil {
		return nil, err
	}
	return &EMA{span: span}, nil
}

func (e *EMA) Name() string { return "ema" }

func (e *EMA) Fields() []string { return []string{"close"} }

func (e *EMA) Outputs() []string { return []string{"ema", "ema_distance"} }

func (e *EMA) MinPeriods() int { return e.span }

func (e *EMA) Calculate(window []models.Bar) Result {
	if len(window) < e.MinPeriods() {
		return Undefined(e.Name(), e.MinPeriods())
	}
	c := closes(window)
	s := emaSeries(c, e.span)
	last := s[len(s)-1]
	dist := 0.0
	if last != 0 {
		dist = c[len(c)-1]/last - 1
	}
	return defined(e.Name(), e.MinPeriods(), map[string]float64{"ema": last, "ema_distance": dist})
}
