package domain

import (
	"cmp"
	"errors"
	"fmt"
	"math"
	"slices"
	"sync"
)

var (
	ErrDuplicateOrder    = errors.New("order already tracked")
	ErrUnknownOrder      = errors.New("order not tracked")
	ErrInvalidTransition = errors.New("invalid order state transition")
)

// OrderState tracks where an order is in its lifecycle at the broker.
type OrderState uint8

const (
	OrderStateCreated OrderState = iota
	OrderStateSubmitted
	OrderStateAccepted
	OrderStatePartiallyFilled
	OrderStateFilled
	OrderStateRejected
)

func (s OrderState) String() string {
	switch s {
	case OrderStateCreated:
		return "created"
	case OrderStateSubmitted:
		return "submitted"
	case OrderStateAccepted:
		return "accepted"
	case OrderStatePartiallyFilled:
		return "partially_filled"
	case OrderStateFilled:
		return "filled"
	case OrderStateRejected:
		return "rejected"
	default:
		return fmt.Sprintf("OrderState(%d)", uint8(s))
	}
}

// Terminal reports whether no further transitions are possible.
func (s OrderState) Terminal() bool {
	return s == OrderStateFilled || s == OrderStateRejected
}

// TrackedOrder is the broker-side view of one order.
type TrackedOrder struct {
	Order        Order
	State        OrderState
	FilledShares float64
	Reason       string
}

// OrderTracker applies lifecycle events to orders. It is safe for
// concurrent use; returned values are copies.
type OrderTracker struct {
	mu     sync.Mutex
	orders map[int64]*TrackedOrder
}

func NewOrderTracker() *OrderTracker {
	return &OrderTracker{orders: make(map[int64]*TrackedOrder)}
}

// Add starts tracking o in the created state.
func (t *OrderTracker) Add(o Order) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.orders[o.ID]; ok {
		return fmt.Errorf("order %d: %w", o.ID, ErrDuplicateOrder)
	}
	t.orders[o.ID] = &TrackedOrder{Order: o, State: OrderStateCreated}
	return nil
}

// Get returns the tracked state of an order.
func (t *OrderTracker) Get(id int64) (TrackedOrder, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	o, ok := t.orders[id]
	if !ok {
		return TrackedOrder{}, false
	}
	return *o, true
}

// Submitted marks an order as handed to the venue, recording the venue id
// when one is known.
func (t *OrderTracker) Submitted(id int64, brokerID string) error {
	return t.transition(id, func(o *TrackedOrder) error {
		if o.State != OrderStateCreated {
			return errTransition(o, OrderStateSubmitted)
		}
		o.State = OrderStateSubmitted
		if brokerID != "" {
			o.Order.BrokerID = brokerID
		}
		return nil
	})
}

// Accepted marks an order as acknowledged by the venue.
func (t *OrderTracker) Accepted(id int64) error {
	return t.transition(id, func(o *TrackedOrder) error {
		if o.State != OrderStateSubmitted {
			return errTransition(o, OrderStateAccepted)
		}
		o.State = OrderStateAccepted
		return nil
	})
}

// Rejected marks an order as refused by the venue.
func (t *OrderTracker) Rejected(id int64, reason string) error {
	return t.transition(id, func(o *TrackedOrder) error {
		if o.State.Terminal() {
			return errTransition(o, OrderStateRejected)
		}
		o.State = OrderStateRejected
		o.Reason = reason
		return nil
	})
}

// ApplyFill adds a fill to its order. Cumulative fills never exceed the
// order size.
func (t *OrderTracker) ApplyFill(f Fill) error {
	return t.transition(f.Order.ID, func(o *TrackedOrder) error {
		if o.State != OrderStateAccepted && o.State != OrderStatePartiallyFilled {
			return errTransition(o, OrderStateFilled)
		}
		filled := o.FilledShares + f.NumShares
		if math.Abs(filled) > math.Abs(o.Order.NumShares)+1e-9 {
			return fmt.Errorf("order %d: filled %v of %v: %w",
				o.Order.ID, filled, o.Order.NumShares, ErrInvalidOrder)
		}
		o.FilledShares = filled
		if math.Abs(filled) >= math.Abs(o.Order.NumShares)-1e-9 {
			o.State = OrderStateFilled
		} else {
			o.State = OrderStatePartiallyFilled
		}
		return nil
	})
}

// Open returns the orders that are not yet in a terminal state.
func (t *OrderTracker) Open() []TrackedOrder {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []TrackedOrder
	for _, o := range t.orders {
		if !o.State.Terminal() {
			out = append(out, *o)
		}
	}
	slices.SortFunc(out, func(a, b TrackedOrder) int { return cmp.Compare(a.Order.ID, b.Order.ID) })
	return out
}

func (t *OrderTracker) transition(id int64, fn func(*TrackedOrder) error) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	o, ok := t.orders[id]
	if !ok {
		return fmt.Errorf("order %d: %w", id, ErrUnknownOrder)
	}
	return fn(o)
}

func errTransition(o *TrackedOrder, to OrderState) error {
	return fmt.Errorf("order %d: %s -> %s: %w", o.Order.ID, o.State, to, ErrInvalidTransition)
}
