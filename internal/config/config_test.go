package config

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "saturn.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

const minimal = `
market:
  assets: [101, 102]
`

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimal))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if want := []int64{101, 102}; !reflect.DeepEqual(cfg.Market.Assets, want) {
		t.Errorf("Market.Assets = %v, want %v", cfg.Market.Assets, want)
	}
	for _, tt := range []struct{ name, got, want string }{
		{"Database.Driver", cfg.Database.Driver, "sqlite"},
		{"Runner.Mode", cfg.Runner.Mode, "realtime"},
		{"Broker.Kind", cfg.Broker.Kind, "simulated"},
		{"OrderConfig.OrderType", cfg.Forecast.OrderConfig.OrderType, "price@twap"},
		{"OptimizerConfig.Backend", cfg.Forecast.OptimizerConfig.Backend, "pomo"},
		{"Logging.Format", cfg.Logging.Format, "json"},
	} {
		if tt.got != tt.want {
			t.Errorf("%s = %q, want %q", tt.name, tt.got, tt.want)
		}
	}
	if cfg.Runner.BarDuration != 5*time.Minute {
		t.Errorf("Runner.BarDuration = %v, want %v", cfg.Runner.BarDuration, 5*time.Minute)
	}
	if cfg.Portfolio.InitialCash != 1e6 {
		t.Errorf("Portfolio.InitialCash = %v, want %v", cfg.Portfolio.InitialCash, 1e6)
	}
}

func TestLoadFull(t *testing.T) {
	path := writeConfig(t, `
storage:
  data_dir: /tmp/saturn/data
  sqlite_path: /tmp/saturn/saturn.db
  log_dir: /tmp/saturn/log
market:
  source: synthetic
  assets: [1]
  price_column: midpoint
  synthetic:
    start: 2024-01-02T14:30:00Z
    end: 2024-01-02T21:00:00Z
    step: 1m
    initial_price: 100
    volatility: 0.001
    seed: 7
runner:
  mode: rolling
  start: 2024-01-02T14:30:00Z
  end: 2024-01-02T21:00:00Z
  retraining_freq: 30m
  retraining_lookback: 3
broker:
  kind: database
  order_processor:
    enabled: true
    executor: simulated
    delay_to_accept: 2s
portfolio:
  kind: database
  initial_holdings:
    1: 10
forecast:
  order_config:
    order_type: midpoint@end
    order_duration_in_mins: 10
  optimizer_config:
    backend: pomo
    params:
      style: longitudinal
      kwargs:
        target_dollar_risk_per_name: 500
  share_quantization: nearest_share
monitor:
  http_addr: ":8080"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Storage.LogDir != "/tmp/saturn/log" {
		t.Errorf("Storage.LogDir = %q, want /tmp/saturn/log", cfg.Storage.LogDir)
	}
	if cfg.Market.Synthetic.Step != time.Minute {
		t.Errorf("Synthetic.Step = %v, want %v", cfg.Market.Synthetic.Step, time.Minute)
	}
	if cfg.Market.Synthetic.Seed != 7 {
		t.Errorf("Synthetic.Seed = %v, want 7", cfg.Market.Synthetic.Seed)
	}
	if cfg.Runner.RetrainingFreq != 30*time.Minute {
		t.Errorf("Runner.RetrainingFreq = %v, want %v", cfg.Runner.RetrainingFreq, 30*time.Minute)
	}
	if !cfg.Broker.Processor.Enabled {
		t.Errorf("Broker.Processor.Enabled = false, want true")
	}
	if cfg.Broker.Processor.DelayToAccept != 2*time.Second {
		t.Errorf("Processor.DelayToAccept = %v, want %v", cfg.Broker.Processor.DelayToAccept, 2*time.Second)
	}
	if want := map[int64]float64{1: 10}; !reflect.DeepEqual(cfg.Portfolio.InitialHoldings, want) {
		t.Errorf("Portfolio.InitialHoldings = %v, want %v", cfg.Portfolio.InitialHoldings, want)
	}
	if got := cfg.Forecast.OptimizerConfig.Params.Style; got != "longitudinal" {
		t.Errorf("Params.Style = %q, want longitudinal", got)
	}
	if got := cfg.Forecast.OptimizerConfig.Params.Kwargs["target_dollar_risk_per_name"]; got != 500 {
		t.Errorf("Kwargs[target_dollar_risk_per_name] = %v, want 500", got)
	}
	if cfg.Monitor.HTTPAddr != ":8080" {
		t.Errorf("Monitor.HTTPAddr = %q, want :8080", cfg.Monitor.HTTPAddr)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("DATA_DIR", "/env/data")
	t.Setenv("SQLITE_PATH", "/env/saturn.db")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("ALPACA_API_KEY", "alpaca-key")
	t.Setenv("APCA_API_KEY_ID", "apca-key")
	t.Setenv("APCA_API_SECRET_KEY", "apca-secret")

	cfg, err := Load(writeConfig(t, minimal))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	for _, tt := range []struct{ name, got, want string }{
		{"Storage.DataDir", cfg.Storage.DataDir, "/env/data"},
		{"Storage.SQLitePath", cfg.Storage.SQLitePath, "/env/saturn.db"},
		{"Logging.Level", cfg.Logging.Level, "debug"},
		{"Alpaca.APIKey", cfg.Alpaca.APIKey, "apca-key"},
		{"Alpaca.APISecret", cfg.Alpaca.APISecret, "apca-secret"},
	} {
		if tt.got != tt.want {
			t.Errorf("%s = %q, want %q", tt.name, tt.got, tt.want)
		}
	}
}

func TestLoadPostgresNeedsURL(t *testing.T) {
	path := writeConfig(t, minimal+"database:\n  driver: postgres\n")
	if _, err := Load(path); !errors.Is(err, ErrInvalid) {
		t.Fatalf("Load() error = %v, want %v", err, ErrInvalid)
	}

	t.Setenv("DATABASE_URL", "postgres://localhost/saturn")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Database.URL != "postgres://localhost/saturn" {
		t.Errorf("Database.URL = %q, want postgres://localhost/saturn", cfg.Database.URL)
	}
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	_, err := Load(writeConfig(t, minimal+"gather:\n  batch_size: 5\n"))
	if !errors.Is(err, ErrInvalid) {
		t.Errorf("Load() error = %v, want %v", err, ErrInvalid)
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if !errors.Is(err, os.ErrNotExist) {
		t.Errorf("Load() error = %v, want %v", err, os.ErrNotExist)
	}
}

func TestValidateReportsEveryProblem(t *testing.T) {
	cfg := Default()
	cfg.Runner.Mode = "weekly"
	cfg.Broker.Kind = "exchange"
	cfg.Forecast.OrderConfig.OrderDurationInMins = 0

	err := cfg.Validate()
	if !errors.Is(err, ErrInvalid) {
		t.Fatalf("Validate() error = %v, want %v", err, ErrInvalid)
	}
	for _, want := range []string{
		"market.assets",
		"runner.mode",
		"alpaca credentials",
		"order_duration_in_mins",
	} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("Validate() error = %q, want it to mention %s", err, want)
		}
	}
}

func TestValidateModelWindows(t *testing.T) {
	cfg := Default()
	cfg.Market.Assets = []int64{1}
	cfg.Runner.Model.ShortWindow = 20
	cfg.Runner.Model.LongWindow = 5
	if err := cfg.Validate(); !errors.Is(err, ErrInvalid) {
		t.Errorf("Validate() error = %v, want %v", err, ErrInvalid)
	}

	cfg.Runner.Model.ShortWindow = 5
	cfg.Runner.Model.LongWindow = 20
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() error = %v", err)
	}
}

func TestPath(t *testing.T) {
	t.Setenv("SATURN_CONFIG", "")
	if got := Path(""); got != DefaultPath {
		t.Errorf("Path(\"\") = %q, want %q", got, DefaultPath)
	}

	t.Setenv("SATURN_CONFIG", "/etc/saturn.yaml")
	if got := Path(""); got != "/etc/saturn.yaml" {
		t.Errorf("Path(\"\") = %q, want /etc/saturn.yaml", got)
	}
	if got := Path("explicit.yaml"); got != "explicit.yaml" {
		t.Errorf("Path(explicit.yaml) = %q, want explicit.yaml", got)
	}
}

func TestLoadShippedConfig(t *testing.T) {
	cfg, err := Load(filepath.Join("..", "..", DefaultPath))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Market.Source != "synthetic" {
		t.Errorf("Market.Source = %q, want synthetic", cfg.Market.Source)
	}
	if got := cfg.Alpaca.Symbols[101]; got != "AAPL" {
		t.Errorf("Alpaca.Symbols[101] = %q, want AAPL", got)
	}
	if !cfg.Runner.LiquidateAtEnd {
		t.Errorf("Runner.LiquidateAtEnd = false, want true")
	}
}
