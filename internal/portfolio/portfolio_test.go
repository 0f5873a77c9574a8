package portfolio

import (
	"context"
	"errors"
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"saturn/internal/broker"
	"saturn/internal/clock"
	"saturn/internal/domain"
	"saturn/internal/market"
	"saturn/internal/store"
)

var t0 = time.Date(2024, 1, 2, 14, 30, 0, 0, time.UTC)

func flatQuotes(asset int64, price float64, n int) []market.Quote {
	var qs []market.Quote
	for i := 1; i <= n; i++ {
		qs = append(qs, market.Quote{
			AssetID:   asset,
			Timestamp: t0.Add(time.Duration(i) * time.Minute),
			Price:     price,
			Midpoint:  price,
			Bid:       price,
			Ask:       price,
		})
	}
	return qs
}

func assertNotionalInvariant(t *testing.T, p Portfolio) {
	t.Helper()
	for _, s := range p.Snapshots() {
		for id, shares := range s.HoldingsShares {
			assert.InDelta(t, shares*s.Prices[id], s.HoldingsNotional[id], 1e-9, "asset %d at %s", id, s.Timestamp)
		}
	}
}

func TestInitialPortfolioStatistics(t *testing.T) {
	clk := clock.NewSimulatedClock(t0)
	src := market.NewMemorySource()
	p := NewInMemoryPortfolio(broker.NewSimulatedBroker(clk, src, nil), clk, src, Config{InitialCash: 1e6}, nil)

	st, err := p.MarkToMarket(context.Background())
	require.NoError(t, err)
	assert.True(t, math.IsNaN(st.PnL))
	assert.Zero(t, st.GMV)
	assert.Zero(t, st.NMV)
	assert.Zero(t, st.Leverage)
	assert.Equal(t, 1e6, st.Cash)
	assert.Equal(t, 1e6, st.NetWealth)
	require.Len(t, p.Snapshots(), 1)
}

func TestInMemoryPortfolioAppliesFills(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewSimulatedClock(t0)
	src := market.NewMemorySource(flatQuotes(1, 100, 5)...)
	b := broker.NewSimulatedBroker(clk, src, nil)
	p := NewInMemoryPortfolio(b, clk, src, Config{InitialCash: 1e6}, nil)

	_, err := p.MarkToMarket(ctx)
	require.NoError(t, err)

	o, err := domain.NewOrder(domain.NewIDGenerator(1), t0, 1, "price@end", t0, t0.Add(5*time.Minute), 10)
	require.NoError(t, err)
	_, err = b.SubmitOrders(ctx, []domain.Order{*o}, false)
	require.NoError(t, err)

	clk.Set(t0.Add(5 * time.Minute))
	st, err := p.MarkToMarket(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[int64]float64{1: 10}, p.Holdings())
	assert.InDelta(t, 999000, st.Cash, 1e-9)
	assert.InDelta(t, 1000, st.NMV, 1e-9)
	assert.InDelta(t, 1000, st.GrossVolume, 1e-9)
	assert.InDelta(t, 1000, st.NetVolume, 1e-9)
	assert.InDelta(t, 0, st.PnL, 1e-9)
	assert.InDelta(t, 1000.0/1e6, st.Leverage, 1e-12)

	src.Add(market.Quote{AssetID: 1, Timestamp: t0.Add(6 * time.Minute), Price: 110})
	clk.Set(t0.Add(6 * time.Minute))
	st, err = p.MarkToMarket(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 1100, st.NMV, 1e-9)
	assert.InDelta(t, 100, st.PnL, 1e-9)
	assert.Zero(t, st.GrossVolume)

	stats := p.Statistics()
	require.Len(t, stats, 3)
	assert.True(t, math.IsNaN(stats[0].PnL))
	assertNotionalInvariant(t, p)
}

// partialBroker returns its fills together with an error.
type partialBroker struct {
	broker.Broker
	fills []domain.Fill
	err   error
}

func (b *partialBroker) GetFills(context.Context) ([]domain.Fill, error) {
	fills := b.fills
	b.fills = nil
	return fills, b.err
}

func TestInMemoryPortfolioKeepsFillsReturnedWithError(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewSimulatedClock(t0.Add(5 * time.Minute))
	src := market.NewMemorySource(flatQuotes(1, 100, 5)...)
	o, err := domain.NewOrder(domain.NewIDGenerator(1), t0, 1, "price@end", t0, t0.Add(5*time.Minute), 10)
	require.NoError(t, err)
	f, err := domain.NewFill(domain.NewIDGenerator(1), *o, o.EndTimestamp, 10, 100)
	require.NoError(t, err)
	b := &partialBroker{fills: []domain.Fill{*f}, err: errors.New("second order failed")}
	p := NewInMemoryPortfolio(b, clk, src, Config{InitialCash: 1e6}, nil)

	_, err = p.MarkToMarket(ctx)
	require.ErrorContains(t, err, "second order failed")
	assert.Equal(t, map[int64]float64{1: 10}, p.Holdings())
	assert.InDelta(t, 999000, p.Cash(), 1e-9)
	assert.Empty(t, p.Snapshots())
}

func TestInitialHoldingsUseLastKnownPrice(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewSimulatedClock(t0.Add(2 * time.Minute))
	src := market.NewMemorySource(flatQuotes(7, 50, 2)...)
	p := NewInMemoryPortfolio(broker.NewSimulatedBroker(clk, src, nil), clk, src, Config{
		InitialCash:     1000,
		InitialHoldings: map[int64]float64{7: -4, domain.CashAssetID: 99},
		PriceLookback:   time.Minute,
	}, nil)
	assert.Equal(t, map[int64]float64{7: -4}, p.Holdings())

	st, err := p.MarkToMarket(ctx)
	require.NoError(t, err)
	assert.InDelta(t, -200, st.NMV, 1e-9)
	assert.InDelta(t, 200, st.GMV, 1e-9)
	assert.InDelta(t, 800, st.NetWealth, 1e-9)

	// Beyond the lookback: the stale price is carried.
	clk.Set(t0.Add(time.Hour))
	st, err = p.MarkToMarket(ctx)
	require.NoError(t, err)
	assert.InDelta(t, -200, st.NMV, 1e-9)
	assertNotionalInvariant(t, p)
}

func TestLogState(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	clk := clock.NewSimulatedClock(t0.Add(time.Minute))
	src := market.NewMemorySource(flatQuotes(1, 20, 1)...)
	p := NewInMemoryPortfolio(broker.NewSimulatedBroker(clk, src, nil), clk, src, Config{
		InitialCash:     500,
		InitialHoldings: map[int64]float64{1: 5},
	}, nil)

	require.NoError(t, LogState(p, dir), "nothing to log yet")
	_, err := p.MarkToMarket(ctx)
	require.NoError(t, err)
	require.NoError(t, LogState(p, dir))

	rows, err := market.ReadParquetFile[HoldingRecord](
		filepath.Join(dir, "holdings", "1704205860000.parquet"))
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, int64(1), rows[0].AssetID)
	assert.Equal(t, 100.0, rows[0].Notional)
	assert.Equal(t, domain.CashAssetID, rows[1].AssetID)
	assert.Equal(t, 500.0, rows[1].Shares)

	stats, err := market.ReadParquetFile[StatisticsRecord](filepath.Join(dir, "statistics.parquet"))
	require.NoError(t, err)
	require.Len(t, stats, 1)
	assert.Equal(t, 600.0, stats[0].NetWealth)
	assert.True(t, math.IsNaN(stats[0].PnL))
}

func openDB(t *testing.T) *store.DB {
	t.Helper()
	db, err := store.Open(context.Background(), store.DriverSQLite, filepath.Join(t.TempDir(), "oms.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func fillRow(shares, price float64) store.PositionFill {
	return store.PositionFill{
		StrategyID:  "SAU1",
		Account:     "candidate",
		TradeDate:   "2024-01-02",
		AssetID:     1,
		OrderID:     1,
		Timestamp:   t0,
		OrderShares: shares,
		Shares:      shares,
		Price:       price,
	}
}

func TestDatabasePortfolioReadsPositions(t *testing.T) {
	ctx := context.Background()
	db := openDB(t)
	clk := clock.NewSimulatedClock(t0.Add(5 * time.Minute))
	src := market.NewMemorySource(flatQuotes(1, 100, 5)...)
	p, err := NewDatabasePortfolio(ctx, db, nil, clk, src, Config{InitialCash: 1e6}, DatabaseConfig{}, nil)
	require.NoError(t, err)

	st, err := p.MarkToMarket(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1e6, st.Cash)
	assert.Empty(t, p.Holdings())

	_, err = db.ApplyFill(ctx, fillRow(10, 100))
	require.NoError(t, err)
	st, err = p.MarkToMarket(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[int64]float64{1: 10}, p.Holdings())
	assert.InDelta(t, 999000, st.Cash, 1e-9)
	assert.InDelta(t, 1000, st.GrossVolume, 1e-9)
	assert.InDelta(t, 1e6, st.NetWealth, 1e-9)

	snaps := p.Snapshots()
	assert.InDelta(t, 10, snaps[1].ExecutedShares[1], 1e-9)

	// No new fills: no executed trades.
	st, err = p.MarkToMarket(ctx)
	require.NoError(t, err)
	assert.Zero(t, st.GrossVolume)
	assert.InDelta(t, 0, st.PnL, 1e-9)
	assertNotionalInvariant(t, p)
}

func TestDatabasePortfolioSeedsFromDB(t *testing.T) {
	ctx := context.Background()
	db := openDB(t)
	_, err := db.ApplyFill(ctx, fillRow(10, 100))
	require.NoError(t, err)

	clk := clock.NewSimulatedClock(t0.Add(5 * time.Minute))
	src := market.NewMemorySource(flatQuotes(1, 100, 5)...)
	p, err := NewDatabasePortfolio(ctx, db, nil, clk, src, Config{InitialCash: 1000},
		DatabaseConfig{SeedFromDB: true}, nil)
	require.NoError(t, err)
	assert.Equal(t, map[int64]float64{1: 10}, p.Holdings())

	st, err := p.MarkToMarket(ctx)
	require.NoError(t, err)
	assert.Zero(t, st.GrossVolume, "seeded positions are not trades")
	assert.Equal(t, 1000.0, st.Cash)
	assert.InDelta(t, 2000, st.NetWealth, 1e-9)
}

func TestDatabasePortfolioKeepsHoldingsAcrossMidnight(t *testing.T) {
	ctx := context.Background()
	db := openDB(t)
	_, err := db.ApplyFill(ctx, fillRow(10, 100))
	require.NoError(t, err)

	clk := clock.NewSimulatedClock(t0.Add(5 * time.Minute))
	src := market.NewMemorySource(flatQuotes(1, 100, 5)...)
	p, err := NewDatabasePortfolio(ctx, db, nil, clk, src, Config{InitialCash: 1e6}, DatabaseConfig{}, nil)
	require.NoError(t, err)
	_, err = p.MarkToMarket(ctx)
	require.NoError(t, err)
	require.Equal(t, map[int64]float64{1: 10}, p.Holdings())

	clk.Advance(24 * time.Hour)
	st, err := p.MarkToMarket(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[int64]float64{1: 10}, p.Holdings())
	assert.Zero(t, st.GrossVolume)
	assert.InDelta(t, 1000, st.GMV, 1e-9)

	next := fillRow(5, 100)
	next.TradeDate = "2024-01-03"
	_, err = db.ApplyFill(ctx, next)
	require.NoError(t, err)
	st, err = p.MarkToMarket(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[int64]float64{1: 15}, p.Holdings())
	assert.InDelta(t, 500, st.GrossVolume, 1e-9)
}
