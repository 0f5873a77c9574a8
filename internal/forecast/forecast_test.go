package forecast

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"saturn/internal/broker"
	"saturn/internal/clock"
	"saturn/internal/dataflow"
	"saturn/internal/domain"
	"saturn/internal/market"
	"saturn/internal/portfolio"
)

var t0 = time.Date(2024, 1, 2, 14, 30, 0, 0, time.UTC)

// fixedOptimizer returns preset trades and records its inputs.
type fixedOptimizer struct {
	trades map[int64]float64
	rows   []Input
}

func (o *fixedOptimizer) Name() string          { return "fixed" }
func (o *fixedOptimizer) Validate(Params) error { return nil }
func (o *fixedOptimizer) Optimize(_ context.Context, rows []Input, _ Params) (map[int64]float64, error) {
	o.rows = rows
	return o.trades, nil
}

func flatQuotes(price float64, assets ...int64) []market.Quote {
	var qs []market.Quote
	for i := 1; i <= 30; i++ {
		for _, a := range assets {
			qs = append(qs, market.Quote{
				AssetID:   a,
				Timestamp: t0.Add(time.Duration(i) * time.Minute),
				Price:     price,
				Midpoint:  price,
				Bid:       price,
				Ask:       price,
			})
		}
	}
	return qs
}

type fixture struct {
	clk *clock.SimulatedClock
	pf  *portfolio.InMemoryPortfolio
	b   *broker.SimulatedBroker
	opt *fixedOptimizer
	reg *Registry
}

func newFixture(holdings map[int64]float64, quotes ...market.Quote) *fixture {
	clk := clock.NewSimulatedClock(t0.Add(time.Minute))
	src := market.NewMemorySource(quotes...)
	b := broker.NewSimulatedBroker(clk, src, nil)
	pf := portfolio.NewInMemoryPortfolio(b, clk, src, portfolio.Config{InitialCash: 1e6, InitialHoldings: holdings}, nil)
	opt := &fixedOptimizer{trades: map[int64]float64{}}
	reg := NewDefaultRegistry()
	reg.Register(opt)
	return &fixture{clk: clk, pf: pf, b: b, opt: opt, reg: reg}
}

func baseConfig() Config {
	return Config{
		Order:       OrderConfig{OrderType: "price@end", OrderDurationInMins: 5},
		Optimizer:   OptimizerConfig{Backend: "fixed"},
		SettleDelay: 5 * time.Minute,
	}
}

func (f *fixture) processor(t *testing.T, cfg Config, rs *RestrictionStore) *Processor {
	t.Helper()
	p, err := NewProcessor(f.pf, f.b, f.clk, f.reg, rs, domain.NewIDGenerator(1), cfg, nil)
	require.NoError(t, err)
	return p
}

func TestProcessOneOrderOfFiveShares(t *testing.T) {
	f := newFixture(nil, flatQuotes(20, 101)...)
	f.opt.trades = map[int64]float64{101: 100}
	p := f.processor(t, baseConfig(), nil)

	step, err := p.Process(context.Background(), Forecasts{Prediction: map[int64]float64{101: 1}}, false)
	require.NoError(t, err)
	require.Len(t, step.Orders, 1)
	o := step.Orders[0]
	assert.Equal(t, int64(101), o.AssetID)
	assert.Equal(t, 5.0, o.NumShares)
	assert.Equal(t, "price@end", o.Type)
	assert.Equal(t, t0.Add(time.Minute), o.StartTimestamp)
	assert.Equal(t, t0.Add(6*time.Minute), o.EndTimestamp)

	require.Len(t, step.Targets, 1)
	assert.Equal(t, 5.0, step.Targets[0].DiffShares)
	assert.Equal(t, 100.0, step.Targets[0].TargetNotional)

	// Settled and marked after the order deadline.
	assert.Equal(t, map[int64]float64{101: 5}, f.pf.Holdings())
	assert.InDelta(t, 1e6-100, step.Stats.Cash, 1e-9)
	assert.Len(t, p.Steps(), 1)
}

func TestProcessImputesMissingValues(t *testing.T) {
	f := newFixture(map[int64]float64{3: 2}, flatQuotes(10, 1, 2, 3)...)
	p := f.processor(t, baseConfig(), nil)

	_, err := p.Process(context.Background(), Forecasts{
		Prediction: map[int64]float64{1: 0.5, 2: nanValue()},
		Volatility: map[int64]float64{1: 0.2, 2: 0.4},
	}, false)
	require.NoError(t, err)

	rows := f.opt.rows
	require.Len(t, rows, 3)
	assert.Equal(t, Input{AssetID: 1, Price: 10, Prediction: 0.5, Volatility: 0.2}, rows[0])
	assert.Equal(t, 0.0, rows[1].Prediction, "missing prediction is neutral")
	assert.InDelta(t, 0.3, rows[2].Volatility, 1e-12, "missing volatility takes the mean")
	assert.Equal(t, 2.0, rows[2].HoldingsShares)
	assert.Equal(t, 20.0, rows[2].HoldingsNotional)
	assert.Zero(t, rows[2].Spread)
}

func TestProcessSkipsUnpricedAndZeroTrades(t *testing.T) {
	f := newFixture(nil, flatQuotes(10, 1)...)
	// Asset 2 has no quotes: its trade is non-finite in shares.
	f.opt.trades = map[int64]float64{1: 0, 2: 500}
	p := f.processor(t, baseConfig(), nil)

	step, err := p.Process(context.Background(), Forecasts{Prediction: map[int64]float64{1: 1, 2: 1}}, false)
	require.NoError(t, err)
	assert.Empty(t, step.Orders)
	assert.Empty(t, step.Receipt)
	require.Len(t, step.Targets, 2)
	assert.Zero(t, step.Targets[1].DiffShares)
}

func TestProcessLiquidatesHoldings(t *testing.T) {
	f := newFixture(map[int64]float64{1: 7, 2: -3}, flatQuotes(10, 1, 2)...)
	f.opt.trades = map[int64]float64{1: 1000}
	p := f.processor(t, baseConfig(), nil)

	step, err := p.Process(context.Background(), Forecasts{Prediction: map[int64]float64{1: 1}}, true)
	require.NoError(t, err)
	require.Len(t, step.Orders, 2)
	assert.Equal(t, -7.0, step.Orders[0].NumShares)
	assert.Equal(t, 3.0, step.Orders[1].NumShares)
	assert.Empty(t, f.pf.Holdings())
}

func TestProcessQuantizesShares(t *testing.T) {
	f := newFixture(nil, flatQuotes(30, 1)...)
	f.opt.trades = map[int64]float64{1: 100}
	cfg := baseConfig()
	cfg.ShareQuantization = NearestShare
	p := f.processor(t, cfg, nil)

	step, err := p.Process(context.Background(), Forecasts{Prediction: map[int64]float64{1: 1}}, false)
	require.NoError(t, err)
	require.Len(t, step.Orders, 1)
	assert.Equal(t, 3.0, step.Orders[0].NumShares)
}

func TestProcessEnforcesRestrictions(t *testing.T) {
	f := newFixture(map[int64]float64{2: 4}, flatQuotes(10, 1, 2)...)
	f.opt.trades = map[int64]float64{1: 100, 2: -20}
	rs, err := NewRestrictionStore("", nil)
	require.NoError(t, err)
	require.NoError(t, rs.Set(1, Restriction{IsBuyRestricted: true}))
	require.NoError(t, rs.Set(2, Restriction{IsSellShortRestricted: true}))
	p := f.processor(t, baseConfig(), rs)

	step, err := p.Process(context.Background(), Forecasts{Prediction: map[int64]float64{1: 1, 2: -1}}, false)
	require.NoError(t, err)
	// Selling down a long is not a short sale.
	require.Len(t, step.Orders, 1)
	assert.Equal(t, int64(2), step.Orders[0].AssetID)
	assert.Equal(t, -2.0, step.Orders[0].NumShares)
}

func TestProcessLogsState(t *testing.T) {
	dir := t.TempDir()
	f := newFixture(nil, flatQuotes(20, 101)...)
	f.opt.trades = map[int64]float64{101: 100}
	cfg := baseConfig()
	cfg.LogDir = dir
	p := f.processor(t, cfg, nil)

	step, err := p.Process(context.Background(), Forecasts{Prediction: map[int64]float64{101: 1}}, false)
	require.NoError(t, err)

	name := filepath.Join(dir, "orders", "1704205860000.txt")
	data, err := os.ReadFile(name)
	require.NoError(t, err)
	orders, err := domain.OrdersFromString(string(data))
	require.NoError(t, err)
	assert.Equal(t, step.Orders, orders)

	recs, err := market.ReadParquetFile[TargetRecord](filepath.Join(dir, "target_positions", "1704205860000.parquet"))
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, 5.0, recs[0].DiffShares)
	assert.FileExists(t, filepath.Join(dir, "portfolio", "statistics.parquet"))
}

func TestBarStepReadsGraphOutputs(t *testing.T) {
	f := newFixture(nil, flatQuotes(20, 101)...)
	f.opt.trades = map[int64]float64{101: 100}
	p := f.processor(t, baseConfig(), nil)

	step := p.BarStep()
	err := step(context.Background(), t0, &dataflow.ResultBundle{Outputs: dataflow.Values{"prediction": 1.0}})
	assert.ErrorContains(t, err, `output "prediction"`)

	err = step(context.Background(), t0, &dataflow.ResultBundle{Outputs: dataflow.Values{
		OutputPrediction: map[int64]float64{101: 1},
	}})
	require.NoError(t, err)
	assert.Len(t, p.Steps(), 1)
}

func TestConfigValidate(t *testing.T) {
	reg := NewDefaultRegistry()
	good := Config{
		Order: OrderConfig{OrderType: "partial_spread_0.5@twap", OrderDurationInMins: 5},
		Optimizer: OptimizerConfig{Backend: "pomo", Params: Params{
			Style: StyleCrossSectional, Kwargs: map[string]float64{"target_gmv": 1e5},
		}},
	}
	require.NoError(t, good.Validate(reg))

	bad := good
	bad.Optimizer.Backend = "batch_optimizer"
	assert.ErrorIs(t, bad.Validate(reg), ErrUnknownBackend)

	bad = good
	bad.Order.OrderType = "price@noon"
	assert.ErrorIs(t, bad.Validate(reg), domain.ErrInvalidPriceFormula)

	bad = good
	bad.Order.OrderDurationInMins = 0
	assert.Error(t, bad.Validate(reg))

	bad = good
	bad.Optimizer.Params.Kwargs = map[string]float64{"gamma": 1}
	assert.ErrorContains(t, bad.Validate(reg), `unknown kwarg "gamma"`)

	bad = good
	bad.ShareQuantization = "asset_specific"
	assert.Error(t, bad.Validate(reg))
}
