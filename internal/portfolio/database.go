package portfolio

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"saturn/internal/broker"
	"saturn/internal/clock"
	"saturn/internal/market"
	"saturn/internal/store"
)

// Compile-time interface check.
var _ Portfolio = (*DatabasePortfolio)(nil)

// DatabaseConfig selects the current_positions rows a DatabasePortfolio
// reads.
type DatabaseConfig struct {
	Account string
	// Location determines the trade date. Defaults to UTC.
	Location *time.Location
	// SeedFromDB takes the positions already in the table as the initial
	// holdings instead of Config.InitialHoldings.
	SeedFromDB bool
}

// DatabasePortfolio reads holdings from current_positions, which the order
// processor maintains. Executed trades are the differences between
// consecutive reads; cash moves with net_cost.
type DatabasePortfolio struct {
	*ledger
	db     *store.DB
	broker broker.Broker
	dbCfg  DatabaseConfig

	prevShares  map[int64]float64
	prevNetCost map[int64]float64
}

// NewDatabasePortfolio creates a portfolio backed by db. The broker's own
// fills are drained on every mark so its queue does not grow.
func NewDatabasePortfolio(ctx context.Context, db *store.DB, b broker.Broker, clk clock.Clock, src market.Source,
	cfg Config, dbCfg DatabaseConfig, log *slog.Logger) (*DatabasePortfolio, error) {
	if dbCfg.Account == "" {
		dbCfg.Account = "candidate"
	}
	if dbCfg.Location == nil {
		dbCfg.Location = time.UTC
	}
	p := &DatabasePortfolio{
		ledger:      newLedger(clk, src, cfg, log),
		db:          db,
		broker:      b,
		dbCfg:       dbCfg,
		prevShares:  make(map[int64]float64),
		prevNetCost: make(map[int64]float64),
	}
	if dbCfg.SeedFromDB {
		rows, err := db.LatestPositions(ctx, dbCfg.Account, p.tradeDate())
		if err != nil {
			return nil, fmt.Errorf("seeding portfolio: %w", err)
		}
		p.holdings = make(map[int64]float64)
		p.prevShares = make(map[int64]float64)
		for _, r := range rows {
			if r.CurrentPosition != 0 {
				p.holdings[r.AssetID] = r.CurrentPosition
			}
			p.prevShares[r.AssetID] = r.CurrentPosition
			p.prevNetCost[r.AssetID] = r.NetCost
		}
		p.log.Info("portfolio seeded from database", "positions", len(rows), "account", dbCfg.Account)
	}
	return p, nil
}

func (p *DatabasePortfolio) tradeDate() string {
	return p.clk.Now().In(p.dbCfg.Location).Format(time.DateOnly)
}

// MarkToMarket reads the latest current_positions row of every asset and
// appends a snapshot. Rows from an earlier trade date stand until the
// processor writes the asset's first fill of the new date.
func (p *DatabasePortfolio) MarkToMarket(ctx context.Context) (Statistics, error) {
	if p.broker != nil {
		if _, err := p.broker.GetFills(ctx); err != nil {
			return Statistics{}, err
		}
	}
	now := p.clk.Now()
	rows, err := p.db.LatestPositions(ctx, p.dbCfg.Account, p.tradeDate())
	if err != nil {
		return Statistics{}, err
	}

	p.mu.Lock()
	holdings := make(map[int64]float64)
	execShares := make(map[int64]float64)
	execNotional := make(map[int64]float64)
	for _, r := range rows {
		if r.CurrentPosition != 0 {
			holdings[r.AssetID] = r.CurrentPosition
		}
		if d := r.CurrentPosition - p.prevShares[r.AssetID]; d != 0 {
			execShares[r.AssetID] = d
		}
		// net_cost falls by price × shares on every fill.
		if d := p.prevNetCost[r.AssetID] - r.NetCost; d != 0 {
			execNotional[r.AssetID] = d
			p.cash -= d
		}
		p.prevShares[r.AssetID] = r.CurrentPosition
		p.prevNetCost[r.AssetID] = r.NetCost
	}
	// Seeded holdings that have no row yet are still held.
	for id, shares := range p.holdings {
		if _, ok := p.prevNetCost[id]; !ok {
			holdings[id] = shares
		}
	}
	p.holdings = holdings
	cash := p.cash
	p.mu.Unlock()

	prices, err := p.prices(ctx, now, sortedIDs(holdings))
	if err != nil {
		return Statistics{}, err
	}
	return p.append(now, holdings, prices, execShares, execNotional, cash), nil
}
