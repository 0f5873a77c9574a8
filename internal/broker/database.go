package broker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"saturn/internal/clock"
	"saturn/internal/domain"
	"saturn/internal/market"
	"saturn/internal/store"
)

// Compile-time interface check.
var _ Broker = (*DatabaseBroker)(nil)

// DatabaseConfig configures a DatabaseBroker.
type DatabaseConfig struct {
	// AckPoll bounds the wait for the order processor to accept a batch.
	AckPoll clock.PollOptions
	// NewFilename names each submitted batch. Names must be unique across
	// every process sharing the database. Defaults to a random UUID.
	NewFilename func() string
}

// DatabaseBroker submits batches through the mailbox tables and waits for
// the order processor to acknowledge them. Fills are computed locally when
// orders reach their deadline; the processor updates current_positions
// with the same executions.
type DatabaseBroker struct {
	*core
	db  *store.DB
	cfg DatabaseConfig
}

// NewDatabaseBroker creates a mailbox-backed broker.
func NewDatabaseBroker(db *store.DB, clk clock.Clock, src market.Source, cfg DatabaseConfig, log *slog.Logger) *DatabaseBroker {
	if cfg.NewFilename == nil {
		cfg.NewFilename = func() string { return "orders_" + uuid.NewString() + ".txt" }
	}
	return &DatabaseBroker{core: newCore("database", clk, src, log), db: db, cfg: cfg}
}

// SubmitOrders writes the batch to submitted_orders and, unless dryRun,
// polls accepted_orders until the processor acknowledges it. Exhausting
// the poll returns an error wrapping clock.ErrPollTimeout.
func (b *DatabaseBroker) SubmitOrders(ctx context.Context, orders []domain.Order, dryRun bool) (string, error) {
	now, err := b.now()
	if err != nil {
		return "", err
	}
	if err := b.accept(orders); err != nil {
		return "", err
	}
	filename := b.cfg.NewFilename()
	if _, err := b.db.InsertSubmittedOrders(ctx, filename, now, domain.OrdersToString(orders)); err != nil {
		return "", err
	}
	if err := b.markSubmitted(orders, nil); err != nil {
		return "", err
	}
	b.log.Info("orders submitted", "filename", filename, "count", len(orders), "dry_run", dryRun)
	if dryRun {
		return filename, nil
	}

	attempts, acc, err := clock.Poll[store.Acceptance](ctx, b.clk, b.cfg.AckPoll,
		func(ctx context.Context) (bool, store.Acceptance, error) {
			acc, ok, err := b.db.AcceptanceFor(ctx, filename)
			return ok, acc, err
		})
	if err != nil {
		return filename, fmt.Errorf("waiting for %s in %s: %w", filename, store.TableAcceptedOrders, err)
	}
	b.log.Info("orders accepted", "filename", filename, "attempts", attempts,
		"latency", acc.TimestampDB.Sub(now).Round(time.Millisecond))
	if !acc.Success {
		for _, o := range orders {
			if err := b.tracker.Rejected(o.ID, acc.Reason); err != nil {
				return filename, err
			}
		}
		b.dequeue(orders)
		return filename, fmt.Errorf("%s: %s: %w", filename, acc.Reason, ErrRejected)
	}
	return filename, b.markAccepted(orders)
}

func (b *DatabaseBroker) GetFills(ctx context.Context) ([]domain.Fill, error) {
	now, err := b.now()
	if err != nil {
		return nil, err
	}
	return b.fillDue(ctx, now)
}
