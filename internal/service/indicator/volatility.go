package indicator

import (
	"fmt"

	"FeatPull/internal/domain/models"
	"FeatPull/internal/services/features"
)

// Bollinger bands around a simple moving average of closes.
type Bollinger struct {
	window int
	k      float64
}

// NewBollinger creates bands of k sample standard deviations.
func NewBollinger(p Params) (Calculator, error) {
	w, err := p.Int("window", 20)
	if err != nil {
		return nil, err
	}
	if w < 2 {
		return nil, fmt.Errorf("bollinger window must be at least 2, got %d", w)
	}
	k := p.Float("k", 2)
	if k <= 0 {
		return nil, fmt.Errorf("bollinger k must be positive, got %v", k)
	}
	return &Bollinger{window: w, k: k}, nil
}

func (b *Bollinger) Name() string     { return "bollinger" }
func (b *Bollinger) Fields() []string { return []string{"close"} }
func (b *Bollinger) Outputs() []string {
	return []string{"bb_upper", "bb_middle", "bb_lower", "bb_position", "bb_width"}
}
func (b *Bollinger) MinPeriods() int { return b.window }

// Calculate clamps position into [0,1]; a flat band puts the close at 0.5.
func (b *Bollinger) Calculate(window []models.Bar) Result {
	if len(window) < b.MinPeriods() {
		return Undefined(b.Name(), b.MinPeriods())
	}
	c := closes(tail(window, b.window))
	mid := mean(c)
	sd := sampleStd(c)
	upper := mid + b.k*sd
	lower := mid - b.k*sd

	pos := 0.5
	if upper > lower {
		pos = clamp((c[len(c)-1]-lower)/(upper-lower), 0, 1)
	}
	width := 0.0
	if mid != 0 {
		width = (upper - lower) / mid
	}
	return defined(b.Name(), b.MinPeriods(), map[string]float64{
		"bb_upper":    upper,
		"bb_middle":   mid,
		"bb_lower":    lower,
		"bb_position": pos,
		"bb_width":    width,
	})
}

// ATR is the average true range.
type ATR struct {
	window    int
	smoothing string
}

// NewATR creates an ATR; smoothing is "wilder" (default) or "sma".
func NewATR(p Params) (Calculator, error) {
	w, err := p.Int("window", 14)
	if err != nil {
		return nil, err
	}
	if err := positive("atr window", w); err != nil {
		return nil, err
	}
	smoothing := "wilder"
	if p.Float("sma", 0) != 0 {
		smoothing = "sma"
	}
	return &ATR{window: w, smoothing: smoothing}, nil
}

func (a *ATR) Name() string      { return "atr" }
func (a *ATR) Fields() []string  { return []string{"high", "low", "close"} }
func (a *ATR) Outputs() []string { return []string{"atr"} }
func (a *ATR) MinPeriods() int   { return a.window + 1 }

func (a *ATR) Calculate(window []models.Bar) Result {
	if len(window) < a.MinPeriods() {
		return Undefined(a.Name(), a.MinPeriods())
	}
	tr := make([]float64, 0, len(window)-1)
	for i := 1; i < len(window); i++ {
		tr = append(tr, trueRange(window[i], window[i-1]))
	}
	var atr float64
	if a.smoothing == "sma" {
		atr = mean(tr[len(tr)-a.window:])
	} else {
		s := wilder(tr, a.window)
		atr = s[len(s)-1]
	}
	return defined(a.Name(), a.MinPeriods(), map[string]float64{"atr": atr})
}

// VolumeImpulse compares the last volume with its recent average.
type VolumeImpulse struct {
	window int
}

// NewVolumeImpulse creates a volume impulse over window bars.
func NewVolumeImpulse(p Params) (Calculator, error) {
	w, err := p.Int("window", 20)
	if err != nil {
		return nil, err
	}
	if err := positive("volume_impulse window", w); err != nil {
		return nil, err
	}
	return &VolumeImpulse{window: w}, nil
}

func (v *VolumeImpulse) Name() string      { return "volume_impulse" }
func (v *VolumeImpulse) Fields() []string  { return []string{"volume"} }
func (v *VolumeImpulse) Outputs() []string { return []string{"volume_impulse"} }
func (v *VolumeImpulse) MinPeriods() int   { return v.window }

// Calculate returns 1 when the average volume is zero.
func (v *VolumeImpulse) Calculate(window []models.Bar) Result {
	if len(window) < v.MinPeriods() {
		return Undefined(v.Name(), v.MinPeriods())
	}
	bars := tail(window, v.window)
	vols := make([]float64, len(bars))
	for i, b := range bars {
		vols[i] = b.Volume
	}
	avg := mean(vols)
	impulse := 1.0
	if avg > 0 {
		impulse = vols[len(vols)-1] / avg
	}
	return defined(v.Name(), v.MinPeriods(), map[string]float64{"volume_impulse": impulse})
}

// RealizedVol is annualized close-to-close volatility over window returns.
type RealizedVol struct {
	window      int
	barsPerYear float64
}

// NewRealizedVol creates a realized volatility calculator. bars_per_year
// defaults to hourly bars.
func NewRealizedVol(p Params) (Calculator, error) {
	w, err := p.Int("window", 24)
	if err != nil {
		return nil, err
	}
	if w < 2 {
		return nil, fmt.Errorf("realized_vol window must be at least 2, got %d", w)
	}
	bpy := p.Float("bars_per_year", features.BarsPerYear("1H"))
	if bpy <= 0 {
		return nil, fmt.Errorf("realized_vol bars_per_year must be positive, got %v", bpy)
	}
	return &RealizedVol{window: w, barsPerYear: bpy}, nil
}

func (r *RealizedVol) Name() string      { return "realized_vol" }
func (r *RealizedVol) Fields() []string  { return []string{"close"} }
func (r *RealizedVol) Outputs() []string { return []string{"realized_vol"} }
func (r *RealizedVol) MinPeriods() int   { return r.window + 1 }

func (r *RealizedVol) Calculate(window []models.Bar) Result {
	if len(window) < r.MinPeriods() {
		return Undefined(r.Name(), r.MinPeriods())
	}
	rets := features.ComputeLogReturns(tail(window, r.window+1))
	vol := features.RealizedVolatility(rets, r.window, r.barsPerYear)
	return defined(r.Name(), r.MinPeriods(), map[string]float64{"realized_vol": vol})
}
