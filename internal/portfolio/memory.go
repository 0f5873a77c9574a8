package portfolio

import (
	"context"
	"log/slog"
	"maps"

	"saturn/internal/broker"
	"saturn/internal/clock"
	"saturn/internal/market"
)

// Compile-time interface check.
var _ Portfolio = (*InMemoryPortfolio)(nil)

// InMemoryPortfolio applies the broker's fills to holdings kept in memory.
type InMemoryPortfolio struct {
	*ledger
	broker broker.Broker
}

// NewInMemoryPortfolio creates a portfolio trading through b.
func NewInMemoryPortfolio(b broker.Broker, clk clock.Clock, src market.Source, cfg Config, log *slog.Logger) *InMemoryPortfolio {
	return &InMemoryPortfolio{ledger: newLedger(clk, src, cfg, log), broker: b}
}

// MarkToMarket collects fills from the broker, updates holdings and cash,
// and appends a snapshot. Fills the broker returns alongside an error are
// still applied; no snapshot is taken.
func (p *InMemoryPortfolio) MarkToMarket(ctx context.Context) (Statistics, error) {
	fills, fillErr := p.broker.GetFills(ctx)
	now := p.clk.Now()

	execShares := make(map[int64]float64)
	execNotional := make(map[int64]float64)
	p.mu.Lock()
	for _, f := range fills {
		id := f.Order.AssetID
		p.holdings[id] += f.NumShares
		if p.holdings[id] == 0 {
			delete(p.holdings, id)
		}
		p.cash -= f.Notional()
		execShares[id] += f.NumShares
		execNotional[id] += f.Notional()
	}
	holdings := maps.Clone(p.holdings)
	cash := p.cash
	p.mu.Unlock()
	if fillErr != nil {
		return Statistics{}, fillErr
	}

	ids := sortedIDs(holdings)
	for id := range execShares {
		if _, held := holdings[id]; !held {
			ids = append(ids, id)
		}
	}
	prices, err := p.prices(ctx, now, ids)
	if err != nil {
		return Statistics{}, err
	}
	return p.append(now, holdings, prices, execShares, execNotional, cash), nil
}
