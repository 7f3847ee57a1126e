package indicator

import (
	"fmt"
	"sort"
	"sync"
)

// Factory builds a calculator from configuration parameters.
type Factory func(Params) (Calculator, error)

// Spec selects one calculator by kind with its parameters.
type Spec struct {
	Kind   string
	Params Params
}

// Registry maps calculator kinds to factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry returns a registry holding every built-in calculator.
func NewRegistry() *Registry {
	r := &Registry{factories: make(map[string]Factory)}
	for kind, f := range map[string]Factory{
		"rsi":            NewRSI,
		"macd":           NewMACD,
		"bollinger":      NewBollinger,
		"atr":            NewATR,
		"adx":            NewADX,
		"stoch":          NewStochastic,
		"trend":          NewTrendContinuation,
		"volume_impulse": NewVolumeImpulse,
		"ema":            NewEMA,
		"realized_vol":   NewRealizedVol,
	} {
		r.factories[kind] = f
	}
	return r
}

// Register adds a factory. Kinds are unique.
func (r *Registry) Register(kind string, f Factory) error {
	if kind == "" || f == nil {
		return fmt.Errorf("indicator: register requires kind and factory")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.factories[kind]; ok {
		return fmt.Errorf("indicator: kind %q already registered", kind)
	}
	r.factories[kind] = f
	return nil
}

// New resolves a spec into a calculator.
func (r *Registry) New(s Spec) (Calculator, error) {
	r.mu.RLock()
	f, ok := r.factories[s.Kind]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("indicator: unknown kind %q", s.Kind)
	}
	c, err := f(s.Params)
	if err != nil {
		return nil, fmt.Errorf("indicator %s: %w", s.Kind, err)
	}
	return c, nil
}

// Kinds lists registered kinds in sorted order.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.factories))
	for k := range r.factories {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
