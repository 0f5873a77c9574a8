// Package app assembles clocks, market data, storage, brokers, portfolios
// and forecast processing from a loaded configuration. The cmd binaries
// share it.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"saturn/internal/broker"
	"saturn/internal/clock"
	"saturn/internal/config"
	"saturn/internal/dataflow"
	"saturn/internal/forecast"
	"saturn/internal/market"
	"saturn/internal/portfolio"
	"saturn/internal/signal"
	"saturn/internal/store"
	"saturn/internal/util"
)

// SetupLogging builds the process logger writing to stdout and to a dated
// file under dir. An empty dir logs to stdout only. The returned func closes
// the file.
func SetupLogging(name, dir string, cfg config.Logging, now time.Time) (*slog.Logger, func(), error) {
	if dir == "" {
		logger := util.NewLogger(cfg.Level, cfg.Format)
		util.SetDefault(logger)
		return logger, func() {}, nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, nil, err
	}
	path := filepath.Join(dir, fmt.Sprintf("%s-%s.log", name, now.Format(time.DateOnly)))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("opening log file: %w", err)
	}
	logger := util.NewLoggerTo(io.MultiWriter(os.Stdout, f), cfg.Level, cfg.Format)
	util.SetDefault(logger)
	return logger, func() { f.Close() }, nil
}

// NewClock returns the clock selected by cfg.Runner.Clock. A simulated clock
// starts at Runner.Start.
func NewClock(cfg *config.Config, loc *time.Location) (clock.Clock, error) {
	r := cfg.Runner
	switch r.Clock {
	case "wall":
		return clock.NewWallClock(loc), nil
	case "replayed":
		return clock.NewReplayedClock(clock.NewWallClock(loc), r.ReplayStart, r.SpeedUp)
	case "simulated":
		return clock.NewSimulatedClock(r.Start), nil
	default:
		return nil, fmt.Errorf("unknown clock %q", r.Clock)
	}
}

// NewSource returns the market data source selected by cfg.Market.Source.
func NewSource(cfg *config.Config) (market.Source, error) {
	switch cfg.Market.Source {
	case "parquet":
		return market.NewParquetStore(cfg.Storage.DataDir), nil
	case "alpaca":
		a := cfg.Alpaca
		return market.NewAlpacaSource(market.NewAlpacaDataClient(a.APIKey, a.APISecret, a.DataURL), market.AlpacaConfig{
			Symbols:  a.Symbols,
			Feed:     a.Feed,
			Lookback: cfg.Market.Lookback,
			Retries:  a.Retries,
		}, nil), nil
	case "synthetic":
		s := cfg.Market.Synthetic
		quotes, err := market.RandomWalk(market.RandomWalkConfig{
			AssetIDs:     cfg.Market.Assets,
			Start:        s.Start,
			End:          s.End,
			Step:         s.Step,
			InitialPrice: s.InitialPrice,
			Volatility:   s.Volatility,
			SpreadBps:    s.SpreadBps,
			Seed:         s.Seed,
		})
		if err != nil {
			return nil, fmt.Errorf("synthetic market: %w", err)
		}
		return market.NewMemorySource(quotes...), nil
	default:
		return nil, fmt.Errorf("unknown market source %q", cfg.Market.Source)
	}
}

// NeedsDB reports whether any configured component uses the database.
func NeedsDB(cfg *config.Config) bool {
	return cfg.Broker.Kind == "database" || cfg.Portfolio.Kind == "database" || cfg.Broker.Processor.Enabled
}

// OpenDB opens and migrates the configured database.
func OpenDB(ctx context.Context, cfg *config.Config, log *slog.Logger) (*store.DB, error) {
	dsn := cfg.Storage.SQLitePath
	if cfg.Database.Driver == store.DriverPostgres {
		dsn = cfg.Database.URL
	} else if err := os.MkdirAll(filepath.Dir(dsn), 0o755); err != nil {
		return nil, err
	}
	return store.Open(ctx, cfg.Database.Driver, dsn, log)
}

func newExchange(cfg *config.Config, clk clock.Clock, src market.Source, log *slog.Logger) (broker.Broker, error) {
	a := cfg.Alpaca
	client := broker.NewAlpacaClient(a.APIKey, a.APISecret, a.BaseURL)
	return broker.NewExchangeBroker(client, clk, src, broker.ExchangeConfig{
		Symbols:           a.Symbols,
		LimitOffsetBps:    a.LimitOffsetBps,
		QuoteLookback:     cfg.Market.Lookback,
		RequestsPerMinute: a.RequestsPerMinute,
		Retries:           a.Retries,
	}, log)
}

// NewBroker returns the broker forecasts are submitted to.
func NewBroker(cfg *config.Config, db *store.DB, clk clock.Clock, src market.Source, log *slog.Logger) (broker.Broker, error) {
	switch cfg.Broker.Kind {
	case "simulated":
		return broker.NewSimulatedBroker(clk, src, log), nil
	case "database":
		if db == nil {
			return nil, errors.New("database broker needs a database")
		}
		return broker.NewDatabaseBroker(db, clk, src, broker.DatabaseConfig{
			AckPoll: clock.PollOptions{Interval: cfg.Broker.AckPollInterval, Timeout: cfg.Broker.AckTimeout},
		}, log), nil
	case "exchange":
		return newExchange(cfg, clk, src, log)
	default:
		return nil, fmt.Errorf("unknown broker %q", cfg.Broker.Kind)
	}
}

// NewOrderProcessor returns the far side of the database mailbox, executing
// accepted batches through the configured executor.
func NewOrderProcessor(cfg *config.Config, db *store.DB, clk clock.Clock, src market.Source,
	loc *time.Location, log *slog.Logger) (*broker.OrderProcessor, error) {
	p := cfg.Broker.Processor
	var exec broker.Broker
	switch p.Executor {
	case "simulated":
		exec = broker.NewSimulatedBroker(clk, src, log)
	case "exchange":
		var err error
		if exec, err = newExchange(cfg, clk, src, log); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unknown executor %q", p.Executor)
	}
	return broker.NewOrderProcessor(db, exec, clk, broker.ProcessorConfig{
		StrategyID:    p.StrategyID,
		Account:       p.Account,
		DelayToAccept: p.DelayToAccept,
		PollInterval:  p.PollInterval,
		Deadline:      p.Deadline,
		MaxBatches:    p.MaxBatches,
		Location:      loc,
	}, log)
}

// NewPortfolio returns the portfolio selected by cfg.Portfolio.Kind.
func NewPortfolio(ctx context.Context, cfg *config.Config, db *store.DB, b broker.Broker, clk clock.Clock,
	src market.Source, loc *time.Location, log *slog.Logger) (portfolio.Portfolio, error) {
	p := cfg.Portfolio
	pcfg := portfolio.Config{
		InitialCash:     p.InitialCash,
		InitialHoldings: p.InitialHoldings,
		PriceColumn:     cfg.Market.PriceColumn,
		PriceLookback:   p.PriceLookback,
	}
	switch p.Kind {
	case "memory":
		return portfolio.NewInMemoryPortfolio(b, clk, src, pcfg, log), nil
	case "database":
		if db == nil {
			return nil, errors.New("database portfolio needs a database")
		}
		return portfolio.NewDatabasePortfolio(ctx, db, b, clk, src, pcfg, portfolio.DatabaseConfig{
			Account:    p.Account,
			Location:   loc,
			SeedFromDB: p.RetrieveInitialHoldingsFromDB,
		}, log)
	default:
		return nil, fmt.Errorf("unknown portfolio %q", p.Kind)
	}
}

// ForecastConfig maps the forecast section to processor settings.
func ForecastConfig(cfg *config.Config) forecast.Config {
	f := cfg.Forecast
	return forecast.Config{
		Order: forecast.OrderConfig{
			OrderType:           f.OrderConfig.OrderType,
			OrderDurationInMins: f.OrderConfig.OrderDurationInMins,
		},
		Optimizer: forecast.OptimizerConfig{
			Backend: f.OptimizerConfig.Backend,
			Params: forecast.Params{
				Style:  f.OptimizerConfig.Params.Style,
				Kwargs: f.OptimizerConfig.Params.Kwargs,
			},
		},
		ShareQuantization: f.ShareQuantization,
		SettleDelay:       f.SettleDelay,
		DryRun:            cfg.Broker.DryRun,
		LogDir:            cfg.Storage.LogDir,
	}
}

// NewGraph builds the moving-average crossover model over the configured
// assets.
func NewGraph(cfg *config.Config, src market.Source, log *slog.Logger) (*dataflow.Graph, error) {
	m := cfg.Runner.Model
	return signal.BuildSMAGraph(src, signal.SMAGraphConfig{
		Assets:           cfg.Market.Assets,
		Column:           cfg.Market.PriceColumn,
		Lookback:         cfg.Market.Lookback,
		ShortWindow:      m.ShortWindow,
		LongWindow:       m.LongWindow,
		VolatilityWindow: m.VolatilityWindow,
	}, log)
}

// System is the trading stack of one process.
type System struct {
	Config       *config.Config
	Session      *util.Session
	Clock        clock.Clock
	Source       market.Source
	DB           *store.DB
	Broker       broker.Broker
	Portfolio    portfolio.Portfolio
	Restrictions *forecast.RestrictionStore
	Processor    *forecast.Processor
	Graph        *dataflow.Graph
	// OrderProcessor is set when the mailbox processor runs in-process.
	OrderProcessor *broker.OrderProcessor

	log *slog.Logger
}

// Build wires a System from cfg. A nil clk selects the configured clock.
func Build(ctx context.Context, cfg *config.Config, clk clock.Clock, log *slog.Logger) (_ *System, err error) {
	if log == nil {
		log = slog.Default()
	}
	s := &System{Config: cfg, Session: util.USEquities(), log: log}
	defer func() {
		if err != nil {
			s.Close()
		}
	}()
	loc := s.Session.Location()

	if clk == nil {
		if clk, err = NewClock(cfg, loc); err != nil {
			return nil, err
		}
	}
	s.Clock = clk
	if s.Source, err = NewSource(cfg); err != nil {
		return nil, err
	}
	if NeedsDB(cfg) {
		if s.DB, err = OpenDB(ctx, cfg, log); err != nil {
			return nil, err
		}
	}
	if s.Broker, err = NewBroker(cfg, s.DB, clk, s.Source, log); err != nil {
		return nil, err
	}
	if cfg.Broker.Processor.Enabled {
		if s.OrderProcessor, err = NewOrderProcessor(cfg, s.DB, clk, s.Source, loc, log); err != nil {
			return nil, err
		}
	}
	if s.Portfolio, err = NewPortfolio(ctx, cfg, s.DB, s.Broker, clk, s.Source, loc, log); err != nil {
		return nil, err
	}
	if s.Restrictions, err = forecast.NewRestrictionStore(cfg.Forecast.RestrictionsPath, log); err != nil {
		return nil, err
	}
	s.Processor, err = forecast.NewProcessor(s.Portfolio, s.Broker, clk, forecast.NewDefaultRegistry(),
		s.Restrictions, nil, ForecastConfig(cfg), log)
	if err != nil {
		return nil, err
	}
	if s.Graph, err = NewGraph(cfg, s.Source, log); err != nil {
		return nil, err
	}
	log.Info("system built",
		"broker", s.Broker.Name(),
		"portfolio", cfg.Portfolio.Kind,
		"market", cfg.Market.Source,
		"assets", len(cfg.Market.Assets),
		"order_processor", s.OrderProcessor != nil,
	)
	return s, nil
}

// Close releases the database, if any.
func (s *System) Close() error {
	if s.DB == nil {
		return nil
	}
	return s.DB.Close()
}
