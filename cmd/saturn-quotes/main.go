package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"time"

	"saturn/internal/config"
	"saturn/internal/market"
	"saturn/internal/util"
)

func main() {
	cfgPath := flag.String("config", "", "config file (default $SATURN_CONFIG or "+config.DefaultPath+")")
	dataDir := flag.String("data-dir", "", "override storage.data_dir")
	flag.Parse()

	cfg, err := config.Load(config.Path(*cfgPath))
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if *dataDir != "" {
		cfg.Storage.DataDir = *dataDir
	}
	util.SetDefault(util.NewLogger(cfg.Logging.Level, cfg.Logging.Format))

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
		log.Fatalf("generating quotes: %v", err)
	}

	start := time.Now()
	ps := market.NewParquetStore(cfg.Storage.DataDir)
	if err := ps.WriteQuotes(context.Background(), quotes); err != nil {
		log.Fatalf("writing quotes: %v", err)
	}
	slog.Info("synthetic quotes written",
		"dir", cfg.Storage.DataDir,
		"assets", len(cfg.Market.Assets),
		"quotes", len(quotes),
		"elapsed", time.Since(start),
	)
}
