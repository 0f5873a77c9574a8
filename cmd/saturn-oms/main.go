package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"saturn/internal/app"
	"saturn/internal/config"
	"saturn/internal/util"
)

func main() {
	cfgPath := flag.String("config", "", "config file (default $SATURN_CONFIG or "+config.DefaultPath+")")
	maxBatches := flag.Int("max-batches", -1, "override broker.order_processor.max_batches")
	flag.Parse()

	cfg, err := config.Load(config.Path(*cfgPath))
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if *maxBatches >= 0 {
		cfg.Broker.Processor.MaxBatches = *maxBatches
	}

	logger, closeLog, err := app.SetupLogging("saturn-oms", cfg.Storage.LogDir, cfg.Logging, time.Now())
	if err != nil {
		log.Fatalf("setting up logging: %v", err)
	}
	defer closeLog()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg); err != nil {
		logger.Error("order processor failed", "error", err)
		os.Exit(1)
	}
}

// run serves the database mailbox until the processor's deadline, its batch
// limit, or a signal.
func run(ctx context.Context, cfg *config.Config) error {
	session := util.USEquities()
	clk, err := app.NewClock(cfg, session.Location())
	if err != nil {
		return err
	}
	src, err := app.NewSource(cfg)
	if err != nil {
		return err
	}
	db, err := app.OpenDB(ctx, cfg, nil)
	if err != nil {
		return err
	}
	defer db.Close()

	proc, err := app.NewOrderProcessor(cfg, db, clk, src, session.Location(), nil)
	if err != nil {
		return err
	}
	return proc.Run(ctx)
}
