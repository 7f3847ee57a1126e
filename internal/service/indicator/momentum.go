package indicator

import (
	"fmt"

	"FeatPull/internal/domain/models"

	"gonum.org/v1/gonum/floats"
)

// RSI is the Wilder-smoothed relative strength index.
type RSI struct {
	window int
}

// NewRSI creates an RSI over window close-to-close deltas.
func NewRSI(p Params) (Calculator, error) {
	w, err := p.Int("window", 14)
	if err != nil {
		return nil, err
	}
	if err := positive("rsi window", w); err != nil {
		return nil, err
	}
	return &RSI{window: w}, nil
}

func (r *RSI) Name() string      { return "rsi" }
func (r *RSI) Fields() []string  { return []string{"close"} }
func (r *RSI) Outputs() []string { return []string{"rsi"} }
func (r *RSI) MinPeriods() int   { return r.window + 1 }

// Calculate seeds the averages with the first window deltas and smooths the rest.
func (r *RSI) Calculate(window []models.Bar) Result {
	if len(window) < r.MinPeriods() {
		return Undefined(r.Name(), r.MinPeriods())
	}
	c := closes(window)
	gains := make([]float64, len(c)-1)
	losses := make([]float64, len(c)-1)
	for i := 1; i < len(c); i++ {
		change := c[i] - c[i-1]
		if change > 0 {
			gains[i-1] = change
		} else {
			losses[i-1] = -change
		}
	}
	g := wilder(gains, r.window)
	l := wilder(losses, r.window)
	avgGain, avgLoss := g[len(g)-1], l[len(l)-1]

	var rsi float64
	switch {
	case avgLoss == 0 && avgGain == 0:
		rsi = 50
	case avgLoss == 0:
		rsi = 100
	default:
		rs := avgGain / avgLoss
		rsi = 100 - 100/(1+rs)
	}
	return defined(r.Name(), r.MinPeriods(), map[string]float64{"rsi": rsi})
}

// MACD is the moving average convergence/divergence of closes.
type MACD struct {
	fast, slow, signal int
}

// NewMACD creates a MACD; fast must be shorter than slow.
func NewMACD(p Params) (Calculator, error) {
	fast, err := p.Int("fast", 12)
	if err != nil {
		return nil, err
	}
	slow, err := p.Int("slow", 26)
	if err != nil {
		return nil, err
	}
	signal, err := p.Int("signal", 9)
	if err != nil {
		return nil, err
	}
	for name, v := range map[string]int{"macd fast": fast, "macd slow": slow, "macd signal": signal} {
		if err := positive(name, v); err != nil {
			return nil, err
		}
	}
	if fast >= slow {
		return nil, fmt.Errorf("macd fast (%d) must be below slow (%d)", fast, slow)
	}
	return &MACD{fast: fast, slow: slow, signal: signal}, nil
}

func (m *MACD) Name() string     { return "macd" }
func (m *MACD) Fields() []string { return []string{"close"} }
func (m *MACD) Outputs() []string {
	return []string{"macd_line", "macd_signal", "macd_histogram"}
}

// MinPeriods covers the slow EMA seed plus the signal EMA seed over the line.
func (m *MACD) MinPeriods() int { return m.slow + m.signal - 1 }

func (m *MACD) Calculate(window []models.Bar) Result {
	if len(window) < m.MinPeriods() {
		return Undefined(m.Name(), m.MinPeriods())
	}
	c := closes(window)
	fast := emaSeries(c, m.fast)
	slow := emaSeries(c, m.slow)

	line := make([]float64, 0, len(c)-m.slow+1)
	for i := m.slow - 1; i < len(c); i++ {
		line = append(line, fast[i]-slow[i])
	}
	sig := emaSeries(line, m.signal)

	l := line[len(line)-1]
	s := sig[len(sig)-1]
	return defined(m.Name(), m.MinPeriods(), map[string]float64{
		"macd_line":      l,
		"macd_signal":    s,
		"macd_histogram": l - s,
	})
}

// Stochastic is the %K/%D oscillator.
type Stochastic struct {
	k, d int
}

// NewStochastic creates a stochastic oscillator with lookback k and %D smoothing d.
func NewStochastic(p Params) (Calculator, error) {
	k, err := p.Int("window", 14)
	if err != nil {
		return nil, err
	}
	d, err := p.Int("smooth", 3)
	if err != nil {
		return nil, err
	}
	if err := positive("stoch window", k); err != nil {
		return nil, err
	}
	if err := positive("stoch smooth", d); err != nil {
		return nil, err
	}
	return &Stochastic{k: k, d: d}, nil
}

func (s *Stochastic) Name() string      { return "stoch" }
func (s *Stochastic) Fields() []string  { return []string{"high", "low", "close"} }
func (s *Stochastic) Outputs() []string { return []string{"stoch_k", "stoch_d"} }
func (s *Stochastic) MinPeriods() int   { return s.k + s.d - 1 }

func (s *Stochastic) Calculate(window []models.Bar) Result {
	if len(window) < s.MinPeriods() {
		return Undefined(s.Name(), s.MinPeriods())
	}
	ks := make([]float64, 0, s.d)
	for end := len(window) - s.d + 1; end <= len(window); end++ {
		ks = append(ks, percentK(window[end-s.k:end]))
	}
	return defined(s.Name(), s.MinPeriods(), map[string]float64{
		"stoch_k": ks[len(ks)-1],
		"stoch_d": mean(ks),
	})
}

func percentK(bars []models.Bar) float64 {
	highs := make([]float64, len(bars))
	lows := make([]float64, len(bars))
	for i, b := range bars {
		highs[i], lows[i] = b.High, b.Low
	}
	hh, ll := floats.Max(highs), floats.Min(lows)
	if hh == ll {
		return 50
	}
	return clamp(100*(bars[len(bars)-1].Close-ll)/(hh-ll), 0, 100)
}
