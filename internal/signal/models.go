package signal

import (
	"context"
	"fmt"
	"math"
	"sync"

	"saturn/internal/dataflow"
)

func seriesInput(node string, in dataflow.Values) (Series, error) {
	s, ok := in[PortPrices].(Series)
	if !ok {
		return nil, fmt.Errorf("node %q: input %q: got %T, want Series", node, PortPrices, in[PortPrices])
	}
	return s, nil
}

func mean(xs []float64) float64 {
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

// NewSMACross returns a stateless node predicting (short SMA - long SMA) /
// long SMA per asset. Assets with fewer than long prices predict NaN.
func NewSMACross(id string, short, long int) (*dataflow.FuncNode, error) {
	if short <= 0 || long <= short {
		return nil, fmt.Errorf("sma cross %q: want 0 < short < long, got %d and %d", id, short, long)
	}
	fn := func(_ context.Context, in dataflow.Values) (dataflow.Values, error) {
		prices, err := seriesInput(id, in)
		if err != nil {
			return nil, err
		}
		pred := make(map[int64]float64, len(prices))
		for asset, xs := range prices {
			if len(xs) < long {
				pred[asset] = math.NaN()
				continue
			}
			s := mean(xs[len(xs)-short:])
			l := mean(xs[len(xs)-long:])
			pred[asset] = (s - l) / l
		}
		return dataflow.Values{PortPrediction: pred}, nil
	}
	return dataflow.NewTransformNode(id, []string{PortPrices}, []string{PortPrediction}, fn), nil
}

// Volatility estimates the standard deviation of simple returns per asset.
// Fit stores the estimate over the whole fit window; Predict uses the last
// window returns and falls back to the fitted value when there are fewer.
type Volatility struct {
	id     string
	window int

	mu     sync.RWMutex
	fitted map[int64]float64
}

var _ dataflow.Node = (*Volatility)(nil)

// NewVolatility creates a volatility node over window returns.
func NewVolatility(id string, window int) (*Volatility, error) {
	if window < 2 {
		return nil, fmt.Errorf("volatility %q: window must be at least 2, got %d", id, window)
	}
	return &Volatility{id: id, window: window, fitted: make(map[int64]float64)}, nil
}

func (v *Volatility) ID() string            { return v.id }
func (v *Volatility) InputNames() []string  { return []string{PortPrices} }
func (v *Volatility) OutputNames() []string { return []string{PortVolatility} }

func (v *Volatility) Fit(_ context.Context, in dataflow.Values) (dataflow.Values, error) {
	prices, err := seriesInput(v.id, in)
	if err != nil {
		return nil, err
	}
	out := make(map[int64]float64, len(prices))
	for asset, xs := range prices {
		out[asset] = stdev(returns(xs))
	}
	v.mu.Lock()
	for asset, vol := range out {
		if !math.IsNaN(vol) {
			v.fitted[asset] = vol
		}
	}
	v.mu.Unlock()
	return dataflow.Values{PortVolatility: out}, nil
}

func (v *Volatility) Predict(_ context.Context, in dataflow.Values) (dataflow.Values, error) {
	prices, err := seriesInput(v.id, in)
	if err != nil {
		return nil, err
	}
	v.mu.RLock()
	defer v.mu.RUnlock()
	out := make(map[int64]float64, len(prices))
	for asset, xs := range prices {
		rets := returns(xs)
		if len(rets) < v.window {
			if f, ok := v.fitted[asset]; ok {
				out[asset] = f
				continue
			}
		} else {
			rets = rets[len(rets)-v.window:]
		}
		out[asset] = stdev(rets)
	}
	return dataflow.Values{PortVolatility: out}, nil
}

func returns(xs []float64) []float64 {
	if len(xs) < 2 {
		return nil
	}
	out := make([]float64, 0, len(xs)-1)
	for i := 1; i < len(xs); i++ {
		if xs[i-1] != 0 {
			out = append(out, xs[i]/xs[i-1]-1)
		}
	}
	return out
}

// stdev is the sample standard deviation, NaN below two values.
func stdev(xs []float64) float64 {
	if len(xs) < 2 {
		return math.NaN()
	}
	m := mean(xs)
	var ss float64
	for _, x := range xs {
		ss += (x - m) * (x - m)
	}
	return math.Sqrt(ss / float64(len(xs)-1))
}

// NewCombine returns a pass-through sink gathering prediction, volatility
// and spread into one result node.
func NewCombine(id string) *dataflow.FuncNode {
	ports := []string{PortPrediction, PortVolatility, PortSpread}
	fn := func(_ context.Context, in dataflow.Values) (dataflow.Values, error) {
		out := make(dataflow.Values, len(ports))
		for _, p := range ports {
			out[p] = in[p]
		}
		return out, nil
	}
	return dataflow.NewTransformNode(id, ports, ports, fn)
}
