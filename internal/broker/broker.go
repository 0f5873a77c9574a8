// Package broker turns orders into fills. Every broker keeps submitted
// orders in a queue keyed by their deadline and tracks each order's
// lifecycle; implementations differ in how orders reach the venue and how
// acknowledgements and fills come back.
package broker

import (
	"context"
	"errors"

	"saturn/internal/domain"
)

var (
	// ErrPriceBand is returned by a venue that refuses an order priced
	// outside its allowed band. Batches continue past it.
	ErrPriceBand = errors.New("price outside allowed band")
	// ErrRejected is returned when the order processor refuses a batch.
	ErrRejected = errors.New("orders rejected")
	// ErrTimeWentBackwards is returned when the clock reads earlier than at
	// a previous interaction.
	ErrTimeWentBackwards = errors.New("clock went backwards")
)

// Broker accepts orders and reports their fills.
type Broker interface {
	// Name returns the broker identifier (e.g. "simulated", "alpaca").
	Name() string

	// SubmitOrders hands a batch to the venue and returns a receipt. Unless
	// dryRun is set it waits for the venue to acknowledge the batch.
	SubmitOrders(ctx context.Context, orders []domain.Order, dryRun bool) (string, error)

	// GetFills returns fills produced since the previous call.
	GetFills(ctx context.Context) ([]domain.Fill, error)

	// PendingOrders returns submitted orders that have not been filled yet.
	PendingOrders() []domain.Order

	// Fills returns every fill produced so far.
	Fills() []domain.Fill
}
