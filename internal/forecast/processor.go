package forecast

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"math"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"saturn/internal/broker"
	"saturn/internal/clock"
	"saturn/internal/dataflow"
	"saturn/internal/domain"
	"saturn/internal/market"
	"saturn/internal/portfolio"
)

// Share quantization modes.
const (
	NoQuantization = "no_quantization"
	NearestShare   = "nearest_share"
)

// Graph output names read by BarStep.
const (
	OutputPrediction = "prediction"
	OutputVolatility = "volatility"
	OutputSpread     = "spread"
)

// OrderConfig sets the type and lifetime of generated orders.
type OrderConfig struct {
	OrderType           string `yaml:"order_type"`
	OrderDurationInMins int    `yaml:"order_duration_in_mins"`
}

// OptimizerConfig selects an optimizer backend and its parameters.
type OptimizerConfig struct {
	Backend string `yaml:"backend"`
	Params  Params `yaml:"params"`
}

// Config configures a Processor.
type Config struct {
	Order             OrderConfig
	Optimizer         OptimizerConfig
	ShareQuantization string
	// SettleDelay is waited after submission before marking to market.
	SettleDelay time.Duration
	DryRun      bool
	// LogDir receives target positions, orders and portfolio state per bar.
	// Empty disables state logging.
	LogDir string
}

// Validate checks the configuration against the backends in reg.
func (c Config) Validate(reg *Registry) error {
	if _, err := domain.ParsePriceFormula(c.Order.OrderType); err != nil {
		return fmt.Errorf("order_config.order_type: %w", err)
	}
	if c.Order.OrderDurationInMins <= 0 {
		return fmt.Errorf("order_config.order_duration_in_mins must be positive, got %d", c.Order.OrderDurationInMins)
	}
	opt, err := reg.Get(c.Optimizer.Backend)
	if err != nil {
		return fmt.Errorf("optimizer_config.backend: %w", err)
	}
	if err := opt.Validate(c.Optimizer.Params); err != nil {
		return fmt.Errorf("optimizer_config.params: %w", err)
	}
	switch c.ShareQuantization {
	case "", NoQuantization, NearestShare:
	default:
		return fmt.Errorf("share_quantization %q: want %s or %s", c.ShareQuantization, NoQuantization, NearestShare)
	}
	if c.SettleDelay < 0 {
		return errors.New("settle delay must not be negative")
	}
	return nil
}

// Forecasts are the per-asset model outputs for one bar. Volatility and
// spread may be partial; missing values are imputed.
type Forecasts struct {
	Prediction map[int64]float64
	Volatility map[int64]float64
	Spread     map[int64]float64
}

// Step records one call to Process.
type Step struct {
	Timestamp time.Time
	Targets   []domain.TargetPosition
	Orders    []domain.Order
	Receipt   string
	Stats     portfolio.Statistics
}

// Processor converts forecasts into orders against a portfolio and broker.
type Processor struct {
	pf           portfolio.Portfolio
	broker       broker.Broker
	clk          clock.Clock
	opt          Optimizer
	restrictions *RestrictionStore
	ids          *domain.IDGenerator
	cfg          Config
	log          *slog.Logger

	mu    sync.RWMutex
	steps []Step
}

// NewProcessor validates cfg and builds a Processor. restrictions may be nil.
func NewProcessor(pf portfolio.Portfolio, b broker.Broker, clk clock.Clock, reg *Registry,
	restrictions *RestrictionStore, ids *domain.IDGenerator, cfg Config, log *slog.Logger) (*Processor, error) {
	if err := cfg.Validate(reg); err != nil {
		return nil, fmt.Errorf("forecast processor: %w", err)
	}
	if cfg.ShareQuantization == "" {
		cfg.ShareQuantization = NoQuantization
	}
	opt, _ := reg.Get(cfg.Optimizer.Backend)
	if log == nil {
		log = slog.Default()
	}
	if ids == nil {
		ids = domain.NewIDGenerator(1)
	}
	return &Processor{
		pf:           pf,
		broker:       b,
		clk:          clk,
		opt:          opt,
		restrictions: restrictions,
		ids:          ids,
		cfg:          cfg,
		log:          log.With("component", "forecast"),
	}, nil
}

// Steps returns every processed bar.
func (p *Processor) Steps() []Step {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return slices.Clone(p.steps)
}

// Process runs one bar: merge, optimize, generate and submit orders, wait
// for them to settle and mark the portfolio to market. With liquidate set
// every holding is traded to zero regardless of the forecasts.
func (p *Processor) Process(ctx context.Context, f Forecasts, liquidate bool) (Step, error) {
	now := p.clk.Now()
	rows, err := p.merge(ctx, f)
	if err != nil {
		return Step{}, err
	}

	trades, err := p.opt.Optimize(ctx, rows, p.cfg.Optimizer.Params)
	if err != nil {
		return Step{}, fmt.Errorf("optimizer %s: %w", p.opt.Name(), err)
	}
	targets := p.targets(rows, trades, liquidate)

	orders, err := p.orders(now, targets)
	if err != nil {
		return Step{}, err
	}
	step := Step{Timestamp: now, Targets: targets, Orders: orders}
	p.log.Info("processing forecasts", "timestamp", now, "assets", len(rows), "orders", len(orders),
		"liquidate", liquidate)

	if len(orders) > 0 {
		step.Receipt, err = p.broker.SubmitOrders(ctx, orders, p.cfg.DryRun)
		if err != nil {
			return step, fmt.Errorf("submitting %d orders: %w", len(orders), err)
		}
	}
	if p.cfg.SettleDelay > 0 {
		if err := p.clk.Sleep(ctx, p.cfg.SettleDelay); err != nil {
			return step, err
		}
	}
	step.Stats, err = p.pf.MarkToMarket(ctx)
	if err != nil {
		return step, err
	}

	p.mu.Lock()
	p.steps = append(p.steps, step)
	p.mu.Unlock()

	if p.cfg.LogDir != "" {
		if err := p.logState(step); err != nil {
			return step, err
		}
	}
	return step, nil
}

// BarStep adapts the processor to a real-time runner. Forecasts are read
// from the prediction, volatility and spread outputs of the result node.
func (p *Processor) BarStep() dataflow.BarStep {
	return func(ctx context.Context, _ time.Time, res *dataflow.ResultBundle) error {
		f, err := ForecastsFromOutputs(res.Outputs)
		if err != nil {
			return err
		}
		_, err = p.Process(ctx, f, false)
		return err
	}
}

// ForecastsFromOutputs extracts forecasts from graph outputs. Only the
// prediction output is required.
func ForecastsFromOutputs(out dataflow.Values) (Forecasts, error) {
	var f Forecasts
	pred, ok := out[OutputPrediction].(map[int64]float64)
	if !ok {
		return f, fmt.Errorf("output %q: got %T, want map[int64]float64", OutputPrediction, out[OutputPrediction])
	}
	f.Prediction = pred
	f.Volatility, _ = out[OutputVolatility].(map[int64]float64)
	f.Spread, _ = out[OutputSpread].(map[int64]float64)
	return f, nil
}

// merge builds the optimizer rows over held and predicted assets. Missing
// predictions become zero; missing volatility and spread take the mean of
// the known values.
func (p *Processor) merge(ctx context.Context, f Forecasts) ([]Input, error) {
	holdings := p.pf.Holdings()
	universe := make(map[int64]struct{}, len(holdings)+len(f.Prediction))
	for id := range holdings {
		universe[id] = struct{}{}
	}
	for id := range f.Prediction {
		universe[id] = struct{}{}
	}
	delete(universe, domain.CashAssetID)
	ids := slices.Sorted(maps.Keys(universe))

	prices, err := p.pf.PriceAssets(ctx, ids)
	if err != nil {
		return nil, err
	}
	volMean := finiteMean(f.Volatility, ids)
	spreadMean := finiteMean(f.Spread, ids)

	rows := make([]Input, 0, len(ids))
	for _, id := range ids {
		price := prices[id]
		shares := holdings[id]
		notional := shares * price
		if math.IsNaN(notional) {
			notional = 0
		}
		rows = append(rows, Input{
			AssetID:          id,
			Price:            price,
			HoldingsShares:   shares,
			HoldingsNotional: notional,
			Prediction:       impute(f.Prediction, id, 0),
			Volatility:       impute(f.Volatility, id, volMean),
			Spread:           impute(f.Spread, id, spreadMean),
		})
	}
	return rows, nil
}

func (p *Processor) targets(rows []Input, trades map[int64]float64, liquidate bool) []domain.TargetPosition {
	out := make([]domain.TargetPosition, 0, len(rows))
	for _, r := range rows {
		tp := domain.TargetPosition{
			AssetID:         r.AssetID,
			Price:           r.Price,
			CurrentShares:   r.HoldingsShares,
			CurrentNotional: r.HoldingsNotional,
			Prediction:      r.Prediction,
			Volatility:      r.Volatility,
			Spread:          r.Spread,
		}
		var diff float64
		if liquidate {
			tp.TargetTradeNotional = -r.HoldingsNotional
			diff = -r.HoldingsShares
		} else {
			tp.TargetTradeNotional = trades[r.AssetID]
			diff = p.quantize(tp.TargetTradeNotional / r.Price)
		}
		if math.IsNaN(diff) || math.IsInf(diff, 0) {
			p.log.Debug("non-finite trade", "asset_id", r.AssetID, "diff_shares", diff)
			diff = 0
		}
		if p.restrictions != nil {
			if rs, ok := p.restrictions.Get(r.AssetID); ok {
				if restricted := rs.Apply(r.HoldingsShares, diff); restricted != diff {
					p.log.Warn("enforcing restriction", "asset_id", r.AssetID, "diff_shares", diff)
					diff = restricted
				}
			}
		}
		tp.DiffShares = diff
		tp.TargetShares = r.HoldingsShares + diff
		tp.TargetNotional = r.HoldingsNotional + tp.TargetTradeNotional
		out = append(out, tp)
	}
	return out
}

func (p *Processor) quantize(shares float64) float64 {
	if p.cfg.ShareQuantization == NearestShare {
		return math.Round(shares)
	}
	return shares
}

func (p *Processor) orders(now time.Time, targets []domain.TargetPosition) ([]domain.Order, error) {
	end := now.Add(time.Duration(p.cfg.Order.OrderDurationInMins) * time.Minute)
	var orders []domain.Order
	for _, tp := range targets {
		if tp.DiffShares == 0 {
			continue
		}
		o, err := domain.NewOrder(p.ids, now, tp.AssetID, p.cfg.Order.OrderType, now, end, tp.DiffShares)
		if err != nil {
			return nil, err
		}
		orders = append(orders, *o)
	}
	return orders, nil
}

// TargetRecord is a target position row on disk.
type TargetRecord struct {
	Timestamp           int64   `parquet:"timestamp,timestamp(millisecond)"`
	AssetID             int64   `parquet:"asset_id"`
	Price               float64 `parquet:"price"`
	CurrentShares       float64 `parquet:"holdings_shares"`
	CurrentNotional     float64 `parquet:"holdings_notional"`
	Prediction          float64 `parquet:"prediction"`
	Volatility          float64 `parquet:"volatility"`
	Spread              float64 `parquet:"spread"`
	TargetNotional      float64 `parquet:"target_holdings_notional"`
	TargetTradeNotional float64 `parquet:"target_trades_notional"`
	TargetShares        float64 `parquet:"target_holdings_shares"`
	DiffShares          float64 `parquet:"target_trades_shares"`
}

// logState writes the step's targets (Parquet), its orders (text) and the
// portfolio state under LogDir.
func (p *Processor) logState(s Step) error {
	ts := s.Timestamp.UnixMilli()
	recs := make([]TargetRecord, len(s.Targets))
	for i, t := range s.Targets {
		recs[i] = TargetRecord{
			Timestamp:           ts,
			AssetID:             t.AssetID,
			Price:               t.Price,
			CurrentShares:       t.CurrentShares,
			CurrentNotional:     t.CurrentNotional,
			Prediction:          t.Prediction,
			Volatility:          t.Volatility,
			Spread:              t.Spread,
			TargetNotional:      t.TargetNotional,
			TargetTradeNotional: t.TargetTradeNotional,
			TargetShares:        t.TargetShares,
			DiffShares:          t.DiffShares,
		}
	}
	name := fmt.Sprintf("%d", ts)
	if len(recs) > 0 {
		path := filepath.Join(p.cfg.LogDir, "target_positions", name+".parquet")
		if err := market.WriteParquetFile(path, recs); err != nil {
			return fmt.Errorf("logging target positions: %w", err)
		}
	}
	if len(s.Orders) > 0 {
		path := filepath.Join(p.cfg.LogDir, "orders", name+".txt")
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return err
		}
		if err := os.WriteFile(path, []byte(domain.OrdersToString(s.Orders)+"\n"), 0o644); err != nil {
			return fmt.Errorf("logging orders: %w", err)
		}
	}
	return portfolio.LogState(p.pf, filepath.Join(p.cfg.LogDir, "portfolio"))
}

func impute(m map[int64]float64, id int64, fallback float64) float64 {
	v, ok := m[id]
	if !ok || math.IsNaN(v) || math.IsInf(v, 0) {
		return fallback
	}
	return v
}

// finiteMean averages the finite values of m over ids, or returns 0.
func finiteMean(m map[int64]float64, ids []int64) float64 {
	var sum float64
	var n int
	for _, id := range ids {
		if v, ok := m[id]; ok && !math.IsNaN(v) && !math.IsInf(v, 0) {
			sum += v
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}
