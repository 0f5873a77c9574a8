package market

import (
	"fmt"
	"math"
	"math/rand/v2"
	"time"
)

// RandomWalkConfig describes synthetic quotes for backtests and demos.
type RandomWalkConfig struct {
	AssetIDs     []int64
	Start, End   time.Time
	Step         time.Duration
	InitialPrice float64
	// Volatility is the per-step standard deviation of log returns.
	Volatility float64
	// SpreadBps is the quoted bid/ask spread in basis points.
	SpreadBps float64
	Seed      uint64
}

// RandomWalk generates quotes at every Step in (Start, End] following a
// geometric random walk per asset. The same seed yields the same series.
func RandomWalk(cfg RandomWalkConfig) ([]Quote, error) {
	if cfg.Step <= 0 {
		return nil, fmt.Errorf("random walk: step must be positive, got %s", cfg.Step)
	}
	if !cfg.Start.Before(cfg.End) {
		return nil, fmt.Errorf("random walk: start %s is not before end %s", cfg.Start, cfg.End)
	}
	if cfg.InitialPrice <= 0 {
		return nil, fmt.Errorf("random walk: initial price must be positive, got %v", cfg.InitialPrice)
	}
	rng := rand.New(rand.NewPCG(cfg.Seed, cfg.Seed^0x9e3779b97f4a7c15))
	var out []Quote
	for _, id := range cfg.AssetIDs {
		price := cfg.InitialPrice
		for ts := cfg.Start.Add(cfg.Step); !ts.After(cfg.End); ts = ts.Add(cfg.Step) {
			price *= math.Exp(cfg.Volatility * rng.NormFloat64())
			half := price * cfg.SpreadBps / 2e4
			out = append(out, Quote{
				AssetID:   id,
				Timestamp: ts.UTC(),
				Price:     price,
				Midpoint:  price,
				Bid:       price - half,
				Ask:       price + half,
			})
		}
	}
	sortQuotes(out)
	return out, nil
}
