package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"saturn/internal/clock"
	"saturn/internal/domain"
	"saturn/internal/store"
)

// ProcessorConfig configures an OrderProcessor.
type ProcessorConfig struct {
	StrategyID string
	Account    string
	// DelayToAccept is how long the processor waits before acknowledging a
	// batch.
	DelayToAccept time.Duration
	// PollInterval is how often submitted_orders is checked for new rows.
	PollInterval time.Duration
	// The processor stops at Deadline or after MaxBatches batches,
	// whichever comes first. Zero values disable a condition.
	Deadline   time.Time
	MaxBatches int
	// Location determines trade dates. Defaults to UTC.
	Location *time.Location
}

// OrderProcessor is the other side of the database mailbox. It accepts
// each submitted batch, executes it through an execution broker, and
// records the resulting fills in current_positions.
type OrderProcessor struct {
	db   *store.DB
	exec Broker
	clk  clock.Clock
	cfg  ProcessorConfig
	log  *slog.Logger

	resumed      bool
	lastID       int64
	targetListID int64
	processed    int64
}

// NewOrderProcessor validates cfg and creates a processor.
func NewOrderProcessor(db *store.DB, exec Broker, clk clock.Clock, cfg ProcessorConfig, log *slog.Logger) (*OrderProcessor, error) {
	if cfg.DelayToAccept <= 0 {
		return nil, fmt.Errorf("order processor: delay_to_accept must be positive, got %s", cfg.DelayToAccept)
	}
	if cfg.PollInterval <= 0 {
		return nil, fmt.Errorf("order processor: poll interval must be positive, got %s", cfg.PollInterval)
	}
	if cfg.Deadline.IsZero() && cfg.MaxBatches <= 0 {
		return nil, errors.New("order processor: need a deadline or a batch limit")
	}
	if cfg.StrategyID == "" {
		cfg.StrategyID = "SAU1"
	}
	if cfg.Account == "" {
		cfg.Account = "candidate"
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if log == nil {
		log = slog.Default()
	}
	return &OrderProcessor{
		db:   db,
		exec: exec,
		clk:  clk,
		cfg:  cfg,
		log:  log.With("component", "order_processor"),
	}, nil
}

// Processed returns the number of batches accepted by this processor.
func (p *OrderProcessor) Processed() int64 { return p.processed }

// Run processes batches until a termination condition is met or ctx is
// cancelled. Cancellation is not an error. Batches accepted before Run
// started, by this or an earlier processor, are not processed again.
func (p *OrderProcessor) Run(ctx context.Context) error {
	if !p.resumed {
		lastID, next, err := p.db.ResumePoint(ctx)
		if err != nil {
			return fmt.Errorf("order processor: %w", err)
		}
		p.lastID, p.targetListID, p.resumed = lastID, next, true
	}
	p.log.Info("order processor started", "deadline", p.cfg.Deadline, "max_batches", p.cfg.MaxBatches,
		"after_id", p.lastID, "target_list_id", p.targetListID)
	for {
		batch, ok, err := p.next(ctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		if err != nil {
			return err
		}
		if !ok {
			p.log.Info("order processor finished", "batches", p.processed)
			return nil
		}
		if err := p.process(ctx, batch); err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return fmt.Errorf("processing %s: %w", batch.Filename, err)
		}
	}
}

func (p *OrderProcessor) finished() bool {
	if p.cfg.MaxBatches > 0 && p.processed >= int64(p.cfg.MaxBatches) {
		return true
	}
	return !p.cfg.Deadline.IsZero() && !p.clk.Now().Before(p.cfg.Deadline)
}

// next waits for the next unprocessed batch.
func (p *OrderProcessor) next(ctx context.Context) (store.SubmittedBatch, bool, error) {
	for {
		if p.finished() {
			return store.SubmittedBatch{}, false, nil
		}
		batches, err := p.db.SubmittedOrdersAfter(ctx, p.lastID)
		if err != nil {
			return store.SubmittedBatch{}, false, err
		}
		if len(batches) > 0 {
			return batches[0], true, nil
		}
		if err := p.clk.Sleep(ctx, p.cfg.PollInterval); err != nil {
			return store.SubmittedBatch{}, false, err
		}
	}
}

func (p *OrderProcessor) process(ctx context.Context, batch store.SubmittedBatch) error {
	p.lastID = batch.ID
	orders, parseErr := domain.OrdersFromString(batch.OrdersAsText)

	if err := p.clk.Sleep(ctx, p.cfg.DelayToAccept); err != nil {
		return err
	}
	now := p.clk.Now()
	acc := store.Acceptance{
		TargetListID:       p.targetListID,
		TradeDate:          now.In(p.cfg.Location).Format(time.DateOnly),
		Filename:           batch.Filename,
		StrategyID:         p.cfg.StrategyID,
		TimestampProcessed: now,
		TimestampDB:        now,
		TargetCount:        len(orders),
		Success:            parseErr == nil && len(orders) > 0,
	}
	switch {
	case parseErr != nil:
		acc.Reason = parseErr.Error()
	case len(orders) == 0:
		acc.Reason = "empty batch"
	}
	if err := p.db.InsertAcceptance(ctx, acc); err != nil {
		return err
	}
	p.targetListID++
	p.processed++
	if !acc.Success {
		p.log.Warn("batch rejected", "filename", batch.Filename, "reason", acc.Reason)
		return nil
	}
	p.log.Info("batch accepted", "filename", batch.Filename, "orders", len(orders), "target_list_id", acc.TargetListID)

	if _, err := p.exec.SubmitOrders(ctx, orders, false); err != nil {
		return err
	}
	deadline := orders[0].EndTimestamp
	for _, o := range orders[1:] {
		if o.EndTimestamp.After(deadline) {
			deadline = o.EndTimestamp
		}
	}
	if err := clock.WaitUntil(ctx, p.clk, deadline); err != nil {
		return err
	}
	fills, err := p.exec.GetFills(ctx)
	if err != nil {
		return err
	}
	for _, f := range fills {
		_, err := p.db.ApplyFill(ctx, store.PositionFill{
			StrategyID:  p.cfg.StrategyID,
			Account:     p.cfg.Account,
			TradeDate:   f.Timestamp.In(p.cfg.Location).Format(time.DateOnly),
			AssetID:     f.Order.AssetID,
			OrderID:     f.Order.ID,
			Timestamp:   p.clk.Now(),
			OrderShares: f.Order.NumShares,
			Shares:      f.NumShares,
			Price:       f.Price,
		})
		if err != nil {
			return err
		}
	}
	p.log.Info("fills recorded", "filename", batch.Filename, "fills", len(fills))
	return nil
}
