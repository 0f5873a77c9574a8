// Package market provides quote data to graph nodes and brokers: a Source
// interface, an in-memory implementation, a Parquet-backed store, and the
// helpers that turn quotes into execution prices.
package market

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"saturn/internal/domain"
)

// Quote is one observation of an asset's prices.
type Quote struct {
	AssetID   int64
	Timestamp time.Time
	Price     float64
	Midpoint  float64
	Bid       float64
	Ask       float64
}

// Column returns the named price column, or NaN for unknown names.
func (q Quote) Column(name string) float64 {
	switch name {
	case domain.ColumnPrice:
		return q.Price
	case domain.ColumnMidpoint:
		return q.Midpoint
	case domain.ColumnBid:
		return q.Bid
	case domain.ColumnAsk:
		return q.Ask
	default:
		return math.NaN()
	}
}

// Source returns quotes for a set of assets.
type Source interface {
	// Quotes returns the quotes of assetIDs with timestamps in (start, end],
	// ordered by timestamp then asset id. A zero start means unbounded.
	Quotes(ctx context.Context, assetIDs []int64, start, end time.Time) ([]Quote, error)
}

// Compile-time interface checks.
var _ Source = (*MemorySource)(nil)

// MemorySource is a Source over quotes held in memory.
type MemorySource struct {
	mu     sync.RWMutex
	quotes map[int64][]Quote
}

// NewMemorySource creates a source holding quotes.
func NewMemorySource(quotes ...Quote) *MemorySource {
	s := &MemorySource{quotes: make(map[int64][]Quote)}
	s.Add(quotes...)
	return s
}

// Add inserts quotes, keeping each asset's series sorted by time.
func (s *MemorySource) Add(quotes ...Quote) {
	s.mu.Lock()
	defer s.mu.Unlock()
	touched := make(map[int64]bool)
	for _, q := range quotes {
		q.Timestamp = q.Timestamp.UTC()
		s.quotes[q.AssetID] = append(s.quotes[q.AssetID], q)
		touched[q.AssetID] = true
	}
	for id := range touched {
		series := s.quotes[id]
		sort.SliceStable(series, func(i, j int) bool { return series[i].Timestamp.Before(series[j].Timestamp) })
	}
}

// AssetIDs returns the ids of all assets with data, ascending.
func (s *MemorySource) AssetIDs() []int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]int64, 0, len(s.quotes))
	for id := range s.quotes {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (s *MemorySource) Quotes(ctx context.Context, assetIDs []int64, start, end time.Time) ([]Quote, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !start.IsZero() && !start.Before(end) {
		return nil, fmt.Errorf("quotes: start %s is not before end %s", start, end)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Quote
	for _, id := range assetIDs {
		series := s.quotes[id]
		lo := 0
		if !start.IsZero() {
			lo = sort.Search(len(series), func(i int) bool { return series[i].Timestamp.After(start) })
		}
		hi := sort.Search(len(series), func(i int) bool { return series[i].Timestamp.After(end) })
		if lo < hi {
			out = append(out, series[lo:hi]...)
		}
	}
	sortQuotes(out)
	return out, nil
}

func sortQuotes(qs []Quote) {
	sort.SliceStable(qs, func(i, j int) bool {
		if !qs[i].Timestamp.Equal(qs[j].Timestamp) {
			return qs[i].Timestamp.Before(qs[j].Timestamp)
		}
		return qs[i].AssetID < qs[j].AssetID
	})
}
