package broker

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	"saturn/internal/clock"
	"saturn/internal/domain"
	"saturn/internal/market"
)

// Compile-time interface check.
var _ Broker = (*SimulatedBroker)(nil)

// SimulatedBroker acknowledges orders immediately and fully fills each one
// at its deadline using market data.
type SimulatedBroker struct {
	*core
	receipts atomic.Int64
}

// NewSimulatedBroker creates a simulated broker pricing fills from src.
func NewSimulatedBroker(clk clock.Clock, src market.Source, log *slog.Logger) *SimulatedBroker {
	return &SimulatedBroker{core: newCore("simulated", clk, src, log)}
}

func (b *SimulatedBroker) SubmitOrders(_ context.Context, orders []domain.Order, _ bool) (string, error) {
	if _, err := b.now(); err != nil {
		return "", err
	}
	if err := b.accept(orders); err != nil {
		return "", err
	}
	if err := b.markSubmitted(orders, nil); err != nil {
		return "", err
	}
	if err := b.markAccepted(orders); err != nil {
		return "", err
	}
	return fmt.Sprintf("simulated_%d", b.receipts.Add(1)), nil
}

func (b *SimulatedBroker) GetFills(ctx context.Context) ([]domain.Fill, error) {
	now, err := b.now()
	if err != nil {
		return nil, err
	}
	return b.fillDue(ctx, now)
}
