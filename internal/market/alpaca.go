package market

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"

	"saturn/internal/util"
)

// Compile-time interface checks.
var _ Source = (*AlpacaSource)(nil)

// BarClient is the subset of the Alpaca market-data client AlpacaSource
// uses.
type BarClient interface {
	GetMultiBars(symbols []string, req marketdata.GetBarsRequest) (map[string][]marketdata.Bar, error)
}

// NewAlpacaDataClient creates a market-data client. An empty dataURL uses
// the SDK default.
func NewAlpacaDataClient(apiKey, apiSecret, dataURL string) *marketdata.Client {
	opts := marketdata.ClientOpts{
		APIKey:    apiKey,
		APISecret: apiSecret,
	}
	if dataURL != "" {
		opts.BaseURL = dataURL
	}
	return marketdata.NewClient(opts)
}

// AlpacaConfig configures an AlpacaSource.
type AlpacaConfig struct {
	// Symbols maps asset ids to venue symbols.
	Symbols map[int64]string
	// Feed is the data feed, "iex" or "sip".
	Feed string
	// Lookback bounds requests with a zero start.
	Lookback time.Duration
	Retries  int
}

// AlpacaSource serves one-minute bars from the Alpaca market-data API as
// quotes. A bar becomes a quote at its close time with the close as price
// and midpoint; bars carry no bid or ask, so those columns are NaN.
type AlpacaSource struct {
	client BarClient
	cfg    AlpacaConfig
	assets map[string]int64
	log    *slog.Logger
}

// NewAlpacaSource creates a source over client.
func NewAlpacaSource(client BarClient, cfg AlpacaConfig, log *slog.Logger) *AlpacaSource {
	if cfg.Feed == "" {
		cfg.Feed = "iex"
	}
	if cfg.Lookback <= 0 {
		cfg.Lookback = 24 * time.Hour
	}
	if log == nil {
		log = slog.Default()
	}
	assets := make(map[string]int64, len(cfg.Symbols))
	for id, sym := range cfg.Symbols {
		assets[strings.ToUpper(sym)] = id
	}
	return &AlpacaSource{client: client, cfg: cfg, assets: assets, log: log.With("component", "alpaca-source")}
}

func (s *AlpacaSource) Quotes(ctx context.Context, assetIDs []int64, start, end time.Time) ([]Quote, error) {
	symbols := make([]string, 0, len(assetIDs))
	for _, id := range assetIDs {
		sym, ok := s.cfg.Symbols[id]
		if !ok {
			return nil, fmt.Errorf("alpaca source: no symbol for asset %d", id)
		}
		symbols = append(symbols, strings.ToUpper(sym))
	}
	if len(symbols) == 0 {
		return nil, nil
	}
	from := start
	if from.IsZero() {
		from = end.Add(-s.cfg.Lookback)
	}

	var bars map[string][]marketdata.Bar
	backoff := util.Backoff{Attempts: s.cfg.Retries, BaseDelay: time.Second, MaxDelay: 30 * time.Second}
	err := util.Retry(ctx, backoff, func(ctx context.Context) error {
		if err := ctx.Err(); err != nil {
			return util.Permanent(err)
		}
		var err error
		// Bars are stamped with their open; fetch the one closing just after from.
		bars, err = s.client.GetMultiBars(symbols, marketdata.GetBarsRequest{
			TimeFrame: marketdata.OneMin,
			Start:     from.Add(-time.Minute),
			End:       end,
			Feed:      s.cfg.Feed,
		})
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("alpaca source: GetMultiBars: %w", err)
	}

	var quotes []Quote
	for sym, bs := range bars {
		id, ok := s.assets[strings.ToUpper(sym)]
		if !ok {
			s.log.Warn("bars for unknown symbol", "symbol", sym)
			continue
		}
		for _, b := range bs {
			ts := b.Timestamp.Add(time.Minute).UTC()
			if !ts.After(from) || ts.After(end) {
				continue
			}
			quotes = append(quotes, Quote{
				AssetID:   id,
				Timestamp: ts,
				Price:     b.Close,
				Midpoint:  b.Close,
				Bid:       math.NaN(),
				Ask:       math.NaN(),
			})
		}
	}
	sortQuotes(quotes)
	return quotes, nil
}
