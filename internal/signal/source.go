// Package signal provides reference graph nodes for building forecasts from
// market data: a quote source, a moving-average crossover predictor and a
// realized-volatility estimator.
package signal

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"saturn/internal/dataflow"
	"saturn/internal/domain"
	"saturn/internal/market"
)

// Port names shared by the nodes in this package.
const (
	PortPrices     = "prices"
	PortPrediction = "prediction"
	PortVolatility = "volatility"
	PortSpread     = "spread"
)

// Series holds a time-ordered column of values per asset.
type Series map[int64][]float64

// QuoteSource loads quotes for a fixed universe over the interval set by the
// runner. It emits the chosen price column as a Series and the latest
// relative bid/ask spread per asset.
type QuoteSource struct {
	id       string
	src      market.Source
	assets   []int64
	column   string
	lookback time.Duration

	mu      sync.Mutex
	fit     []dataflow.Interval
	predict []dataflow.Interval
}

var (
	_ dataflow.Node           = (*QuoteSource)(nil)
	_ dataflow.IntervalSetter = (*QuoteSource)(nil)
)

// NewQuoteSource creates a source node. lookback bounds intervals that are
// unbounded in the past; it must be positive.
func NewQuoteSource(id string, src market.Source, assets []int64, column string, lookback time.Duration) *QuoteSource {
	if column == "" {
		column = domain.ColumnPrice
	}
	return &QuoteSource{id: id, src: src, assets: append([]int64(nil), assets...), column: column, lookback: lookback}
}

func (s *QuoteSource) ID() string            { return s.id }
func (s *QuoteSource) InputNames() []string  { return nil }
func (s *QuoteSource) OutputNames() []string { return []string{PortPrices, PortSpread} }

// Assets returns the universe the source loads.
func (s *QuoteSource) Assets() []int64 { return append([]int64(nil), s.assets...) }

func (s *QuoteSource) SetFitIntervals(iv []dataflow.Interval) {
	s.mu.Lock()
	s.fit = append([]dataflow.Interval(nil), iv...)
	s.mu.Unlock()
}

func (s *QuoteSource) SetPredictIntervals(iv []dataflow.Interval) {
	s.mu.Lock()
	s.predict = append([]dataflow.Interval(nil), iv...)
	s.mu.Unlock()
}

func (s *QuoteSource) Fit(ctx context.Context, _ dataflow.Values) (dataflow.Values, error) {
	s.mu.Lock()
	iv := s.fit
	s.mu.Unlock()
	return s.load(ctx, dataflow.MethodFit, iv)
}

func (s *QuoteSource) Predict(ctx context.Context, _ dataflow.Values) (dataflow.Values, error) {
	s.mu.Lock()
	iv := s.predict
	s.mu.Unlock()
	return s.load(ctx, dataflow.MethodPredict, iv)
}

func (s *QuoteSource) load(ctx context.Context, m dataflow.Method, intervals []dataflow.Interval) (dataflow.Values, error) {
	if len(intervals) == 0 {
		return nil, fmt.Errorf("source %q: no %s interval set", s.id, m)
	}
	prices := make(Series, len(s.assets))
	spread := make(map[int64]float64, len(s.assets))
	for _, iv := range intervals {
		start := iv.Start
		if start.IsZero() {
			start = iv.End.Add(-s.lookback)
		}
		quotes, err := s.src.Quotes(ctx, s.assets, start, iv.End)
		if err != nil {
			return nil, fmt.Errorf("source %q: %w", s.id, err)
		}
		for _, q := range quotes {
			prices[q.AssetID] = append(prices[q.AssetID], q.Column(s.column))
			if q.Midpoint > 0 && q.Ask >= q.Bid {
				spread[q.AssetID] = (q.Ask - q.Bid) / q.Midpoint
			}
		}
	}
	for _, id := range s.assets {
		if _, ok := spread[id]; !ok {
			spread[id] = math.NaN()
		}
	}
	return dataflow.Values{PortPrices: prices, PortSpread: spread}, nil
}
