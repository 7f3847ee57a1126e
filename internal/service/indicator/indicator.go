// Package indicator computes technical indicators over ordered windows of bars.
//
// Every calculator is pure: it reads an ascending window of bars and returns a
// Result. A window shorter than MinPeriods yields an undefined Result, which
// callers must propagate instead of substituting a number.
package indicator

import (
	"fmt"
	"math"
	"sort"
	"strconv"

	"FeatPull/internal/domain/models"
)

// Result is the named output of one calculator for the last bar of a window.
type Result struct {
	Name       string
	Values     map[string]float64
	MinPeriods int
	Defined    bool
}

// Undefined returns the result for a window that is too short.
func Undefined(name string, minPeriods int) Result {
	return Result{Name: name, MinPeriods: minPeriods}
}

func defined(name string, minPeriods int, values map[string]float64) Result {
	for _, v := range values {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return Undefined(name, minPeriods)
		}
	}
	return Result{Name: name, Values: values, MinPeriods: minPeriods, Defined: true}
}

// Get returns one output value; ok is false when the result is undefined.
func (r Result) Get(output string) (float64, bool) {
	if !r.Defined {
		return 0, false
	}
	v, ok := r.Values[output]
	return v, ok
}

// Calculator is one named indicator.
type Calculator interface {
	Name() string
	// Fields lists the bar fields the calculator reads.
	Fields() []string
	// Outputs lists output names in their declared order.
	Outputs() []string
	MinPeriods() int
	Calculate(window []models.Bar) Result
}

// Params configures a calculator instance.
type Params map[string]float64

// Int returns the integer parameter key, or def when absent.
func (p Params) Int(key string, def int) (int, error) {
	v, ok := p[key]
	if !ok {
		return def, nil
	}
	if v != math.Trunc(v) {
		return 0, fmt.Errorf("param %s must be an integer, got %v", key, v)
	}
	return int(v), nil
}

// Float returns the parameter key, or def when absent.
func (p Params) Float(key string, def float64) float64 {
	if v, ok := p[key]; ok {
		return v
	}
	return def
}

// String renders params in key order, used for config fingerprints.
func (p Params) String() string {
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := ""
	for i, k := range keys {
		if i > 0 {
			out += ","
		}
		out += k + "=" + strconv.FormatFloat(p[k], 'g', -1, 64)
	}
	return out
}

func positive(name string, v int) error {
	if v <= 0 {
		return fmt.Errorf("%s must be positive, got %d", name, v)
	}
	return nil
}
