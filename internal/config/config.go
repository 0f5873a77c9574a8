// Package config loads the saturn YAML configuration, applies environment
// overrides and validates the result once at startup.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// DefaultPath is used when neither an explicit path nor SATURN_CONFIG is set.
const DefaultPath = "config/saturn.yaml"

// ---------------------------------------------------------------------------
// Configuration structs
// ---------------------------------------------------------------------------

// Config is the top-level configuration.
type Config struct {
	Storage   Storage   `yaml:"storage"`
	Database  Database  `yaml:"database"`
	Alpaca    Alpaca    `yaml:"alpaca"`
	Logging   Logging   `yaml:"logging"`
	Market    Market    `yaml:"market"`
	Runner    Runner    `yaml:"runner"`
	Broker    Broker    `yaml:"broker"`
	Portfolio Portfolio `yaml:"portfolio"`
	Forecast  Forecast  `yaml:"forecast"`
	Monitor   Monitor   `yaml:"monitor"`
}

// Storage holds paths for data persistence.
type Storage struct {
	DataDir    string `yaml:"data_dir"`
	SQLitePath string `yaml:"sqlite_path"`
	// LogDir receives per-bar state; empty disables state logging.
	LogDir string `yaml:"log_dir"`
}

// Database selects the mailbox backend.
type Database struct {
	// Driver is "sqlite" (using Storage.SQLitePath) or "postgres".
	Driver string `yaml:"driver"`
	URL    string `yaml:"url"`
}

// Alpaca holds credentials, endpoint and routing for the exchange broker.
type Alpaca struct {
	APIKey            string           `yaml:"api_key"`
	APISecret         string           `yaml:"api_secret"`
	BaseURL           string           `yaml:"base_url"`
	DataURL           string           `yaml:"data_url"`
	Feed              string           `yaml:"feed"`
	Symbols           map[int64]string `yaml:"symbols"`
	LimitOffsetBps    float64          `yaml:"limit_offset_bps"`
	RequestsPerMinute int              `yaml:"requests_per_minute"`
	Retries           int              `yaml:"retries"`
}

// Logging configures the application logger.
type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Market selects where quotes come from.
type Market struct {
	// Source is "parquet" (Storage.DataDir), "alpaca" (one-minute bars) or
	// "synthetic".
	Source      string        `yaml:"source"`
	Assets      []int64       `yaml:"assets"`
	PriceColumn string        `yaml:"price_column"`
	Lookback    time.Duration `yaml:"lookback"`
	Synthetic   Synthetic     `yaml:"synthetic"`
}

// Synthetic configures the random-walk quote generator.
type Synthetic struct {
	Start        time.Time     `yaml:"start"`
	End          time.Time     `yaml:"end"`
	Step         time.Duration `yaml:"step"`
	InitialPrice float64       `yaml:"initial_price"`
	Volatility   float64       `yaml:"volatility"`
	SpreadBps    float64       `yaml:"spread_bps"`
	Seed         uint64        `yaml:"seed"`
}

// Runner configures the graph runners and the model they run.
type Runner struct {
	// Mode is "realtime", "historical", "rolling" or "incremental".
	Mode string `yaml:"mode"`
	// Clock is "wall", "replayed" or "simulated".
	Clock       string        `yaml:"clock"`
	ReplayStart time.Time     `yaml:"replay_start"`
	SpeedUp     float64       `yaml:"speed_up"`
	BarDuration time.Duration `yaml:"bar_duration"`
	MaxDistance time.Duration `yaml:"max_distance"`
	Timeout     time.Duration `yaml:"timeout"`
	Deadline    time.Time     `yaml:"deadline"`
	// UntilClose ends a real-time run at the close of the US equities session.
	UntilClose bool `yaml:"until_close"`
	// LiquidateAtEnd flattens every position once the loop ends.
	LiquidateAtEnd bool `yaml:"liquidate_at_end"`
	// Start and End bound historical, rolling and incremental runs.
	Start              time.Time     `yaml:"start"`
	End                time.Time     `yaml:"end"`
	RetrainingFreq     time.Duration `yaml:"retraining_freq"`
	RetrainingLookback int           `yaml:"retraining_lookback"`
	Model              Model         `yaml:"model"`
}

// Model configures the moving-average crossover graph.
type Model struct {
	ShortWindow      int `yaml:"short_window"`
	LongWindow       int `yaml:"long_window"`
	VolatilityWindow int `yaml:"volatility_window"`
}

// Broker selects and configures the order route.
type Broker struct {
	// Kind is "simulated", "database" or "exchange".
	Kind            string         `yaml:"kind"`
	DryRun          bool           `yaml:"dry_run"`
	AckPollInterval time.Duration  `yaml:"ack_poll_interval"`
	AckTimeout      time.Duration  `yaml:"ack_timeout"`
	Processor       OrderProcessor `yaml:"order_processor"`
}

// OrderProcessor configures the far side of the database mailbox.
type OrderProcessor struct {
	// Enabled runs the processor inside the trader process.
	Enabled bool `yaml:"enabled"`
	// Executor is the broker that executes accepted batches: "simulated" or
	// "exchange".
	Executor      string        `yaml:"executor"`
	StrategyID    string        `yaml:"strategy_id"`
	Account       string        `yaml:"account"`
	DelayToAccept time.Duration `yaml:"delay_to_accept"`
	PollInterval  time.Duration `yaml:"poll_interval"`
	Deadline      time.Time     `yaml:"deadline"`
	MaxBatches    int           `yaml:"max_batches"`
}

// Portfolio selects and seeds the portfolio.
type Portfolio struct {
	// Kind is "memory" or "database".
	Kind                          string            `yaml:"kind"`
	InitialCash                   float64           `yaml:"initial_cash"`
	InitialHoldings               map[int64]float64 `yaml:"initial_holdings"`
	Account                       string            `yaml:"account"`
	RetrieveInitialHoldingsFromDB bool              `yaml:"retrieve_initial_holdings_from_db"`
	PriceLookback                 time.Duration     `yaml:"price_lookback"`
}

// Forecast configures forecast processing.
type Forecast struct {
	OrderConfig       OrderConfig     `yaml:"order_config"`
	OptimizerConfig   OptimizerConfig `yaml:"optimizer_config"`
	ShareQuantization string          `yaml:"share_quantization"`
	SettleDelay       time.Duration   `yaml:"settle_delay"`
	RestrictionsPath  string          `yaml:"restrictions_path"`
}

// OrderConfig sets the type and lifetime of generated orders.
type OrderConfig struct {
	OrderType           string `yaml:"order_type"`
	OrderDurationInMins int    `yaml:"order_duration_in_mins"`
}

// OptimizerConfig selects the optimizer backend.
type OptimizerConfig struct {
	Backend string          `yaml:"backend"`
	Params  OptimizerParams `yaml:"params"`
}

// OptimizerParams are passed to the backend as is.
type OptimizerParams struct {
	Style  string             `yaml:"style"`
	Kwargs map[string]float64 `yaml:"kwargs"`
}

// Monitor configures the read-only monitoring endpoints. Empty addresses
// disable the listener.
type Monitor struct {
	HTTPAddr string `yaml:"http_addr"`
	GRPCAddr string `yaml:"grpc_addr"`
}

// Default returns the configuration used for any field the file omits.
func Default() *Config {
	return &Config{
		Storage:  Storage{DataDir: "data", SQLitePath: "data/saturn.db"},
		Database: Database{Driver: "sqlite"},
		Alpaca: Alpaca{
			BaseURL:           "https://paper-api.alpaca.markets",
			Feed:              "iex",
			RequestsPerMinute: 200,
			Retries:           3,
		},
		Logging: Logging{Level: "info", Format: "json"},
		Market:  Market{Source: "parquet", PriceColumn: "price", Lookback: 24 * time.Hour},
		Runner: Runner{
			Mode:        "realtime",
			Clock:       "wall",
			SpeedUp:     1,
			BarDuration: 5 * time.Minute,
			MaxDistance: 30 * time.Second,
			Model:       Model{ShortWindow: 5, LongWindow: 20, VolatilityWindow: 20},
		},
		Broker: Broker{
			Kind:            "simulated",
			AckPollInterval: time.Second,
			AckTimeout:      30 * time.Second,
			Processor: OrderProcessor{
				Executor:     "simulated",
				StrategyID:   "SAU1",
				Account:      "candidate",
				PollInterval: time.Second,
			},
		},
		Portfolio: Portfolio{Kind: "memory", InitialCash: 1e6, Account: "candidate", PriceLookback: 24 * time.Hour},
		Forecast: Forecast{
			OrderConfig:       OrderConfig{OrderType: "price@twap", OrderDurationInMins: 5},
			OptimizerConfig:   OptimizerConfig{Backend: "pomo", Params: OptimizerParams{Style: "cross_sectional"}},
			ShareQuantization: "no_quantization",
		},
	}
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// Path resolves the configuration path: explicit, then SATURN_CONFIG, then
// DefaultPath.
func Path(explicit string) string {
	if explicit != "" {
		return explicit
	}
	if v := os.Getenv("SATURN_CONFIG"); v != "" {
		return v
	}
	return DefaultPath
}

// Load reads the YAML file at path over the defaults, applies environment
// variable overrides and validates the result. Unknown keys are errors.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalid, path, err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// applyEnvOverrides checks well-known environment variables and overrides the
// corresponding configuration fields when they are set.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("DATA_DIR"); v != "" {
		cfg.Storage.DataDir = v
	}
	if v := os.Getenv("SQLITE_PATH"); v != "" {
		cfg.Storage.SQLitePath = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Database.URL = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("ALPACA_API_KEY"); v != "" {
		cfg.Alpaca.APIKey = v
	}
	if v := os.Getenv("ALPACA_API_SECRET"); v != "" {
		cfg.Alpaca.APISecret = v
	}
	if v := os.Getenv("ALPACA_BASE_URL"); v != "" {
		cfg.Alpaca.BaseURL = v
	}
	if v := os.Getenv("ALPACA_DATA_URL"); v != "" {
		cfg.Alpaca.DataURL = v
	}

	// The SDK's own variable names win.
	if v := os.Getenv("APCA_API_KEY_ID"); v != "" {
		cfg.Alpaca.APIKey = v
	}
	if v := os.Getenv("APCA_API_SECRET_KEY"); v != "" {
		cfg.Alpaca.APISecret = v
	}
}

// ---------------------------------------------------------------------------
// Validation
// ---------------------------------------------------------------------------

// Validate reports every problem found, joined and wrapped in ErrInvalid.
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}
	oneOf := func(field, v string, allowed ...string) {
		for _, a := range allowed {
			if v == a {
				return
			}
		}
		errs = append(errs, fmt.Errorf("%s: %q is not one of %v", field, v, allowed))
	}

	oneOf("database.driver", c.Database.Driver, "sqlite", "postgres")
	switch c.Database.Driver {
	case "sqlite":
		check(c.Storage.SQLitePath != "", "storage.sqlite_path is required for sqlite")
	case "postgres":
		check(c.Database.URL != "", "database.url is required for postgres")
	}
	oneOf("logging.format", c.Logging.Format, "json", "text")

	oneOf("market.source", c.Market.Source, "parquet", "alpaca", "synthetic")
	check(len(c.Market.Assets) > 0, "market.assets must not be empty")
	oneOf("market.price_column", c.Market.PriceColumn, "price", "midpoint", "bid", "ask")
	check(c.Market.Lookback > 0, "market.lookback must be positive")
	if c.Market.Source == "synthetic" {
		s := c.Market.Synthetic
		check(s.Start.Before(s.End), "market.synthetic: start must be before end")
		check(s.Step > 0, "market.synthetic.step must be positive")
		check(s.InitialPrice > 0, "market.synthetic.initial_price must be positive")
	}

	r := c.Runner
	oneOf("runner.mode", r.Mode, "realtime", "historical", "rolling", "incremental")
	oneOf("runner.clock", r.Clock, "wall", "replayed", "simulated")
	check(r.BarDuration > 0, "runner.bar_duration must be positive")
	check(r.MaxDistance >= 0, "runner.max_distance must not be negative")
	if r.Clock == "replayed" {
		check(!r.ReplayStart.IsZero(), "runner.replay_start is required for the replayed clock")
		check(r.SpeedUp > 0, "runner.speed_up must be positive")
	}
	if r.Mode == "realtime" && r.Clock == "simulated" {
		check(r.Timeout > 0 || !r.Deadline.IsZero(), "runner: a simulated real-time run needs a timeout or deadline")
	}
	if r.Mode != "realtime" {
		check(r.Start.Before(r.End), "runner: start must be before end")
	}
	if r.Mode == "rolling" {
		check(r.RetrainingFreq > 0, "runner.retraining_freq must be positive")
		check(r.RetrainingLookback > 0, "runner.retraining_lookback must be positive")
	}
	check(r.Model.ShortWindow > 0 && r.Model.LongWindow > r.Model.ShortWindow,
		"runner.model: want 0 < short_window < long_window")
	check(r.Model.VolatilityWindow >= 2, "runner.model.volatility_window must be at least 2")

	b := c.Broker
	oneOf("broker.kind", b.Kind, "simulated", "database", "exchange")
	check(b.AckPollInterval > 0, "broker.ack_poll_interval must be positive")
	check(b.AckTimeout > 0, "broker.ack_timeout must be positive")
	if b.Processor.Enabled {
		oneOf("broker.order_processor.executor", b.Processor.Executor, "simulated", "exchange")
		check(b.Processor.PollInterval > 0, "broker.order_processor.poll_interval must be positive")
		check(b.Processor.MaxBatches >= 0, "broker.order_processor.max_batches must not be negative")
		check(r.Clock != "simulated", "broker.order_processor cannot share a simulated clock")
	}
	if c.Market.Source == "alpaca" || b.Kind == "exchange" || (b.Processor.Enabled && b.Processor.Executor == "exchange") {
		check(c.Alpaca.APIKey != "" && c.Alpaca.APISecret != "", "alpaca credentials are required for alpaca data and the exchange broker")
		check(len(c.Alpaca.Symbols) > 0, "alpaca.symbols must map asset ids to symbols")
	}

	p := c.Portfolio
	oneOf("portfolio.kind", p.Kind, "memory", "database")
	check(p.InitialCash >= 0, "portfolio.initial_cash must not be negative")
	check(p.PriceLookback > 0, "portfolio.price_lookback must be positive")

	f := c.Forecast
	check(f.OrderConfig.OrderType != "", "forecast.order_config.order_type is required")
	check(f.OrderConfig.OrderDurationInMins > 0, "forecast.order_config.order_duration_in_mins must be positive")
	check(f.OptimizerConfig.Backend != "", "forecast.optimizer_config.backend is required")
	check(f.SettleDelay >= 0, "forecast.settle_delay must not be negative")

	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
}
