package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"saturn/internal/app"
	"saturn/internal/clock"
	"saturn/internal/config"
)

func main() {
	cfgPath := flag.String("config", "", "config file (default $SATURN_CONFIG or "+config.DefaultPath+")")
	mode := flag.String("mode", "", "override runner.mode (historical, rolling, incremental, realtime)")
	flag.Parse()

	cfg, err := config.Load(config.Path(*cfgPath))
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if *mode != "" {
		cfg.Runner.Mode = *mode
	}
	// Backtests always run on simulated time against the simulated broker.
	cfg.Runner.Clock = "simulated"
	cfg.Broker.Kind = "simulated"
	cfg.Broker.Processor.Enabled = false
	cfg.Portfolio.Kind = "memory"
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid backtest config: %v", err)
	}

	logger, closeLog, err := app.SetupLogging("saturn-backtest", cfg.Storage.LogDir, cfg.Logging, time.Now())
	if err != nil {
		log.Fatalf("setting up logging: %v", err)
	}
	defer closeLog()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	sys, err := app.Build(ctx, cfg, clock.NewSimulatedClock(cfg.Runner.Start), logger)
	if err != nil {
		logger.Error("building system", "error", err)
		os.Exit(1)
	}
	defer sys.Close()

	start := time.Now()
	res, err := sys.Backtest(ctx)
	if err != nil {
		logger.Error("backtest failed", "error", err)
		sys.Close()
		os.Exit(1)
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TIMESTAMP\tPNL\tGMV\tNMV\tCASH\tNET_WEALTH\tLEVERAGE")
	for _, st := range res.Statistics {
		fmt.Fprintf(tw, "%s\t%.2f\t%.2f\t%.2f\t%.2f\t%.2f\t%.4f\n",
			st.Timestamp.Format(time.RFC3339), st.PnL, st.GMV, st.NMV, st.Cash, st.NetWealth, st.Leverage)
	}
	tw.Flush()

	var orders int
	for _, s := range res.Steps {
		orders += len(s.Orders)
	}
	logger.Info("backtest done",
		"mode", cfg.Runner.Mode,
		"bars", len(res.Steps),
		"orders", orders,
		"total_pnl", res.TotalPnL(),
		"elapsed", time.Since(start),
	)
}
