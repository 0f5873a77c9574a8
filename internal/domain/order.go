// Package domain defines the core value types of the execution pipeline:
// orders, fills, price formulas, target positions and their identifiers.
package domain

import (
	"errors"
	"fmt"
	"math"
	"sync/atomic"
	"time"
)

// CashAssetID is the reserved asset id used for cash in holdings.
const CashAssetID int64 = -1

// ErrInvalidOrder is returned when an order or fill violates its invariants.
var ErrInvalidOrder = errors.New("invalid order")

// IDGenerator hands out process-unique, increasing ids. Each broker and
// forecast processor owns one so independent instances never collide.
type IDGenerator struct {
	last atomic.Int64
}

// NewIDGenerator returns a generator whose first id is start.
func NewIDGenerator(start int64) *IDGenerator {
	g := &IDGenerator{}
	g.last.Store(start - 1)
	return g
}

// Next returns the next id. It is safe for concurrent use.
func (g *IDGenerator) Next() int64 {
	return g.last.Add(1)
}

// Order is a request to trade a signed number of shares of one asset over
// [StartTimestamp, EndTimestamp], priced according to Type.
type Order struct {
	ID                int64
	CreationTimestamp time.Time
	AssetID           int64
	// Type is the price formula, e.g. "price@twap".
	Type           string
	StartTimestamp time.Time
	EndTimestamp   time.Time
	// NumShares is positive for buys and negative for sells.
	NumShares float64
	// BrokerID is assigned by the venue after submission; empty before.
	BrokerID string
}

// NewOrder validates and builds an order with the next id from ids.
// Timestamps are stored in UTC.
func NewOrder(
	ids *IDGenerator,
	creation time.Time,
	assetID int64,
	type_ string,
	start, end time.Time,
	numShares float64,
) (*Order, error) {
	o := &Order{
		ID:                ids.Next(),
		CreationTimestamp: creation.UTC(),
		AssetID:           assetID,
		Type:              type_,
		StartTimestamp:    start.UTC(),
		EndTimestamp:      end.UTC(),
		NumShares:         numShares,
	}
	if err := o.Validate(); err != nil {
		return nil, err
	}
	return o, nil
}

// Validate checks the order invariants.
func (o *Order) Validate() error {
	if !o.StartTimestamp.Before(o.EndTimestamp) {
		return fmt.Errorf("order %d: start %s is not before end %s: %w",
			o.ID, o.StartTimestamp.Format(time.RFC3339), o.EndTimestamp.Format(time.RFC3339), ErrInvalidOrder)
	}
	if o.NumShares == 0 || math.IsNaN(o.NumShares) || math.IsInf(o.NumShares, 0) {
		return fmt.Errorf("order %d: num_shares=%v: %w", o.ID, o.NumShares, ErrInvalidOrder)
	}
	if _, err := ParsePriceFormula(o.Type); err != nil {
		return fmt.Errorf("order %d: %w", o.ID, err)
	}
	return nil
}

// IsBuy reports whether the order buys shares.
func (o *Order) IsBuy() bool { return o.NumShares > 0 }

// Fill records the (partial or full) execution of an order. Only brokers
// create fills and fills are never mutated.
type Fill struct {
	ID        int64
	Order     Order
	Timestamp time.Time
	NumShares float64
	Price     float64
}

// NewFill validates and builds a fill for order.
func NewFill(ids *IDGenerator, order Order, ts time.Time, numShares, price float64) (*Fill, error) {
	if numShares == 0 || math.IsNaN(numShares) || math.IsInf(numShares, 0) {
		return nil, fmt.Errorf("fill for order %d: num_shares=%v: %w", order.ID, numShares, ErrInvalidOrder)
	}
	if (numShares > 0) != (order.NumShares > 0) {
		return nil, fmt.Errorf("fill for order %d: sign of %v differs from order %v: %w",
			order.ID, numShares, order.NumShares, ErrInvalidOrder)
	}
	if math.Abs(numShares) > math.Abs(order.NumShares) {
		return nil, fmt.Errorf("fill for order %d: %v exceeds order size %v: %w",
			order.ID, numShares, order.NumShares, ErrInvalidOrder)
	}
	if !(price > 0) || math.IsInf(price, 0) {
		return nil, fmt.Errorf("fill for order %d: price=%v: %w", order.ID, price, ErrInvalidOrder)
	}
	return &Fill{
		ID:        ids.Next(),
		Order:     order,
		Timestamp: ts.UTC(),
		NumShares: numShares,
		Price:     price,
	}, nil
}

// Notional is the signed cash value of the fill (positive when buying).
func (f *Fill) Notional() float64 { return f.NumShares * f.Price }

func (f *Fill) String() string {
	return fmt.Sprintf("Fill: fill_id=%d order_id=%d timestamp=%s num_shares=%v price=%v",
		f.ID, f.Order.ID, f.Timestamp.Format(time.RFC3339Nano), f.NumShares, f.Price)
}

// TargetPosition is the per-asset outcome of one forecast-processing step.
type TargetPosition struct {
	AssetID             int64
	Price               float64
	CurrentShares       float64
	CurrentNotional     float64
	Prediction          float64
	Volatility          float64
	Spread              float64
	TargetNotional      float64
	TargetTradeNotional float64
	TargetShares        float64
	DiffShares          float64
}
