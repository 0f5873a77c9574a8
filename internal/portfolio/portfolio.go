// Package portfolio tracks holdings and cash over time. Each call to
// MarkToMarket appends a snapshot priced at the current clock time together
// with summary statistics (pnl, volumes, market values, leverage).
package portfolio

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"math"
	"slices"
	"sync"
	"time"

	"saturn/internal/clock"
	"saturn/internal/domain"
	"saturn/internal/market"
)

// Portfolio is the state a forecast processor trades against.
type Portfolio interface {
	// Holdings returns current shares per asset, cash excluded.
	Holdings() map[int64]float64
	// Cash returns the current cash balance.
	Cash() float64
	// MarkToMarket applies new executions, prices holdings and appends a
	// snapshot and its statistics.
	MarkToMarket(ctx context.Context) (Statistics, error)
	// PriceAssets prices assets at the current clock time.
	PriceAssets(ctx context.Context, assetIDs []int64) (map[int64]float64, error)
	// Latest returns the most recent snapshot and its statistics.
	Latest() (Snapshot, Statistics, bool)
	// Snapshots returns every snapshot so far.
	Snapshots() []Snapshot
	// Statistics returns the statistics of every snapshot so far.
	Statistics() []Statistics
}

// Snapshot is the priced state of the portfolio at one instant.
type Snapshot struct {
	Timestamp        time.Time
	HoldingsShares   map[int64]float64
	HoldingsNotional map[int64]float64
	Prices           map[int64]float64
	// ExecutedShares and ExecutedNotional cover trades since the previous
	// snapshot. Notional is positive for purchases.
	ExecutedShares   map[int64]float64
	ExecutedNotional map[int64]float64
	Cash             float64
}

// Statistics summarises a snapshot.
type Statistics struct {
	Timestamp time.Time
	// PnL is the change in net wealth since the previous snapshot; NaN for
	// the first one.
	PnL         float64
	GrossVolume float64
	NetVolume   float64
	GMV         float64
	NMV         float64
	Cash        float64
	NetWealth   float64
	// Leverage is GMV / NetWealth, zero when nothing is held.
	Leverage float64
}

// Config holds the settings shared by all portfolios.
type Config struct {
	InitialCash float64
	// InitialHoldings seeds share counts per asset.
	InitialHoldings map[int64]float64
	// PriceColumn is the quote column used for marking. Defaults to price.
	PriceColumn string
	// PriceLookback bounds how stale a marking quote may be.
	PriceLookback time.Duration
}

func (c *Config) defaults() {
	if c.PriceColumn == "" {
		c.PriceColumn = domain.ColumnPrice
	}
	if c.PriceLookback <= 0 {
		c.PriceLookback = 24 * time.Hour
	}
}

// ledger holds snapshot history and pricing shared by the portfolio
// implementations.
type ledger struct {
	clk clock.Clock
	src market.Source
	cfg Config
	log *slog.Logger

	mu         sync.RWMutex
	holdings   map[int64]float64
	cash       float64
	lastPrices map[int64]float64
	snapshots  []Snapshot
	stats      []Statistics
}

func newLedger(clk clock.Clock, src market.Source, cfg Config, log *slog.Logger) *ledger {
	cfg.defaults()
	if log == nil {
		log = slog.Default()
	}
	holdings := make(map[int64]float64, len(cfg.InitialHoldings))
	for id, shares := range cfg.InitialHoldings {
		if id == domain.CashAssetID || shares == 0 {
			continue
		}
		holdings[id] = shares
	}
	return &ledger{
		clk:        clk,
		src:        src,
		cfg:        cfg,
		log:        log.With("component", "portfolio"),
		holdings:   holdings,
		cash:       cfg.InitialCash,
		lastPrices: make(map[int64]float64),
	}
}

func (l *ledger) Holdings() map[int64]float64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return maps.Clone(l.holdings)
}

func (l *ledger) Cash() float64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.cash
}

func (l *ledger) Snapshots() []Snapshot {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return slices.Clone(l.snapshots)
}

func (l *ledger) Statistics() []Statistics {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return slices.Clone(l.stats)
}

func (l *ledger) PriceAssets(ctx context.Context, assetIDs []int64) (map[int64]float64, error) {
	return l.prices(ctx, l.clk.Now(), assetIDs)
}

func (l *ledger) Latest() (Snapshot, Statistics, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if len(l.snapshots) == 0 {
		return Snapshot{}, Statistics{}, false
	}
	return l.snapshots[len(l.snapshots)-1], l.stats[len(l.stats)-1], true
}

// prices fetches marking prices for ids, falling back to the last known
// price of an asset when no fresh quote exists.
func (l *ledger) prices(ctx context.Context, now time.Time, ids []int64) (map[int64]float64, error) {
	if len(ids) == 0 {
		return map[int64]float64{}, nil
	}
	fresh, err := market.Latest(ctx, l.src, ids, now, l.cfg.PriceLookback, l.cfg.PriceColumn)
	if err != nil {
		return nil, fmt.Errorf("marking to market: %w", err)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, id := range ids {
		p := fresh[id]
		if math.IsNaN(p) {
			if last, ok := l.lastPrices[id]; ok {
				fresh[id] = last
				continue
			}
			l.log.Warn("no price for held asset", "asset_id", id)
			continue
		}
		l.lastPrices[id] = p
	}
	return fresh, nil
}

// append records a snapshot built from holdings, prices and executions and
// derives its statistics.
func (l *ledger) append(now time.Time, holdings, prices, execShares, execNotional map[int64]float64, cash float64) Statistics {
	snap := Snapshot{
		Timestamp:        now,
		HoldingsShares:   holdings,
		HoldingsNotional: make(map[int64]float64, len(holdings)),
		Prices:           prices,
		ExecutedShares:   execShares,
		ExecutedNotional: execNotional,
		Cash:             cash,
	}
	st := Statistics{Timestamp: now, Cash: cash}
	for id, shares := range holdings {
		price := prices[id]
		notional := shares * price
		if math.IsNaN(notional) {
			notional = 0
		}
		snap.HoldingsNotional[id] = notional
		st.GMV += math.Abs(notional)
		st.NMV += notional
	}
	for _, n := range execNotional {
		st.GrossVolume += math.Abs(n)
		st.NetVolume += n
	}
	st.NetWealth = st.NMV + cash
	if st.GMV != 0 {
		st.Leverage = st.GMV / st.NetWealth
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	st.PnL = math.NaN()
	if n := len(l.stats); n > 0 {
		st.PnL = st.NetWealth - l.stats[n-1].NetWealth
	}
	l.snapshots = append(l.snapshots, snap)
	l.stats = append(l.stats, st)
	l.log.Info("marked to market", "timestamp", now, "net_wealth", st.NetWealth, "gmv", st.GMV,
		"nmv", st.NMV, "cash", st.Cash, "pnl", st.PnL)
	return st
}

func sortedIDs(m map[int64]float64) []int64 {
	return slices.Sorted(maps.Keys(m))
}
