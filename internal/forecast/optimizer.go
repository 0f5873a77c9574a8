// Package forecast turns per-asset predictions into orders: it merges
// predictions with current holdings, asks an optimizer for target trades,
// converts them to shares, applies trading restrictions and submits the
// resulting batch to a broker.
package forecast

import (
	"context"
	"errors"
	"fmt"
	"sort"
)

// ErrUnknownBackend is returned when no optimizer is registered under the
// configured backend name.
var ErrUnknownBackend = errors.New("unknown optimizer backend")

// Input is one asset row handed to an optimizer. Cash is never included.
type Input struct {
	AssetID          int64
	Price            float64
	HoldingsShares   float64
	HoldingsNotional float64
	Prediction       float64
	Volatility       float64
	Spread           float64
}

// Params carries the optimizer style and its numeric settings.
type Params struct {
	Style  string             `yaml:"style"`
	Kwargs map[string]float64 `yaml:"kwargs"`
}

// Optimizer maps holdings and forecasts to target trades in cash.
type Optimizer interface {
	// Name returns the backend name used in configuration.
	Name() string
	// Validate checks params without optimizing.
	Validate(params Params) error
	// Optimize returns the target trade notional per asset. Assets missing
	// from the result are not traded.
	Optimize(ctx context.Context, rows []Input, params Params) (map[int64]float64, error)
}

// Registry holds optimizer backends by name.
type Registry struct {
	backends map[string]Optimizer
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{backends: make(map[string]Optimizer)}
}

// NewDefaultRegistry returns a Registry with the built-in backends.
func NewDefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(Pomo{})
	return r
}

// Register adds an optimizer keyed by its Name(), replacing any previous one.
func (r *Registry) Register(o Optimizer) {
	r.backends[o.Name()] = o
}

// Get retrieves an optimizer by backend name.
func (r *Registry) Get(name string) (Optimizer, error) {
	o, ok := r.backends[name]
	if !ok {
		return nil, fmt.Errorf("%w %q (have %v)", ErrUnknownBackend, name, r.List())
	}
	return o, nil
}

// List returns the sorted backend names.
func (r *Registry) List() []string {
	names := make([]string, 0, len(r.backends))
	for name := range r.backends {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
