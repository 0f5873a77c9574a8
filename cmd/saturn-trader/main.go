package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"saturn/internal/app"
	"saturn/internal/config"
)

func main() {
	cfgPath := flag.String("config", "", "config file (default $SATURN_CONFIG or "+config.DefaultPath+")")
	flag.Parse()

	cfg, err := config.Load(config.Path(*cfgPath))
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger, closeLog, err := app.SetupLogging("saturn-trader", cfg.Storage.LogDir, cfg.Logging, time.Now())
	if err != nil {
		log.Fatalf("setting up logging: %v", err)
	}
	defer closeLog()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	sys, err := app.Build(ctx, cfg, nil, logger)
	if err != nil {
		logger.Error("building system", "error", err)
		os.Exit(1)
	}
	defer sys.Close()

	logger.Info("starting saturn-trader",
		"mode", cfg.Runner.Mode,
		"clock", cfg.Runner.Clock,
		"broker", sys.Broker.Name(),
		"dry_run", cfg.Broker.DryRun,
	)
	events, err := sys.Trade(ctx)
	fmt.Println(events.String())
	if err != nil {
		logger.Error("trading stopped", "error", err)
		sys.Close()
		os.Exit(1)
	}
}
