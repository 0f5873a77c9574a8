package broker

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"sync"
	"time"

	"saturn/internal/clock"
	"saturn/internal/domain"
	"saturn/internal/market"
)

// core holds the state shared by all brokers: the deadline queue, fill
// history and per-order lifecycle.
type core struct {
	name    string
	clk     clock.Clock
	src     market.Source
	fillIDs *domain.IDGenerator
	tracker *domain.OrderTracker
	log     *slog.Logger

	// filling serialises fillDue so an order is priced and filled once.
	filling sync.Mutex

	mu    sync.RWMutex
	queue map[time.Time][]domain.Order
	fills []domain.Fill
	last  time.Time
}

func newCore(name string, clk clock.Clock, src market.Source, log *slog.Logger) *core {
	if log == nil {
		log = slog.Default()
	}
	return &core{
		name:    name,
		clk:     clk,
		src:     src,
		fillIDs: domain.NewIDGenerator(1),
		tracker: domain.NewOrderTracker(),
		log:     log.With("component", "broker", "broker", name),
		queue:   make(map[time.Time][]domain.Order),
	}
}

func (c *core) Name() string { return c.name }

// now reads the clock and checks that time only moves forward across
// interactions with the broker.
func (c *core) now() (time.Time, error) {
	now := c.clk.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	if now.Before(c.last) {
		return time.Time{}, fmt.Errorf("%s broker: now %s before %s: %w",
			c.name, now.Format(time.RFC3339Nano), c.last.Format(time.RFC3339Nano), ErrTimeWentBackwards)
	}
	c.last = now
	return now, nil
}

// accept registers orders with the tracker and enqueues them by deadline.
func (c *core) accept(orders []domain.Order) error {
	for _, o := range orders {
		if err := c.tracker.Add(o); err != nil {
			return err
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, o := range orders {
		end := o.EndTimestamp.UTC()
		c.queue[end] = append(c.queue[end], o)
	}
	c.log.Debug("orders queued", "count", len(orders))
	return nil
}

func (c *core) markSubmitted(orders []domain.Order, brokerIDs map[int64]string) error {
	for _, o := range orders {
		if err := c.tracker.Submitted(o.ID, brokerIDs[o.ID]); err != nil {
			return err
		}
	}
	return nil
}

func (c *core) markAccepted(orders []domain.Order) error {
	for _, o := range orders {
		if err := c.tracker.Accepted(o.ID); err != nil {
			return err
		}
	}
	return nil
}

// fillDue fully fills every order whose deadline is at or before now at
// its execution price. Orders without a finite price are dropped with a
// warning and marked rejected. Only filled and rejected orders leave the
// queue: when pricing fails every due order stays pending for the next
// call. Fills made before an error are recorded and returned with it.
func (c *core) fillDue(ctx context.Context, now time.Time) (fills []domain.Fill, err error) {
	c.filling.Lock()
	defer c.filling.Unlock()

	c.mu.RLock()
	var deadlines []time.Time
	for end := range c.queue {
		if !end.After(now) {
			deadlines = append(deadlines, end)
		}
	}
	slices.SortFunc(deadlines, func(a, b time.Time) int { return a.Compare(b) })
	var due []domain.Order
	for _, end := range deadlines {
		due = append(due, c.queue[end]...)
	}
	c.mu.RUnlock()
	if len(due) == 0 {
		return nil, nil
	}

	prices, err := market.ResolvePrices(ctx, c.src, due)
	if err != nil {
		return nil, fmt.Errorf("%s broker: pricing %d due orders: %w", c.name, len(due), err)
	}

	var done []domain.Order
	defer func() {
		c.dequeue(done)
		c.record(fills)
	}()
	for _, o := range due {
		price := prices[o.ID]
		if math.IsNaN(price) || math.IsInf(price, 0) || price <= 0 {
			c.log.Warn("skipping fill without a valid price", "order_id", o.ID, "asset_id", o.AssetID, "price", price)
			if err := c.tracker.Rejected(o.ID, "no execution price"); err != nil {
				return fills, err
			}
			done = append(done, o)
			continue
		}
		if st, ok := c.tracker.Get(o.ID); ok && st.State == domain.OrderStateSubmitted {
			// Dry-run submissions were never acknowledged.
			if err := c.tracker.Accepted(o.ID); err != nil {
				return fills, err
			}
		}
		f, err := domain.NewFill(c.fillIDs, o, o.EndTimestamp, o.NumShares, price)
		if err != nil {
			return fills, err
		}
		if err := c.tracker.ApplyFill(*f); err != nil {
			return fills, err
		}
		fills = append(fills, *f)
		done = append(done, o)
	}
	c.log.Info("orders filled", "orders", len(due), "fills", len(fills))
	return fills, nil
}

// dequeue removes orders from the deadline queue.
func (c *core) dequeue(orders []domain.Order) {
	drop := make(map[int64]bool, len(orders))
	for _, o := range orders {
		drop[o.ID] = true
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for end, queued := range c.queue {
		kept := queued[:0]
		for _, o := range queued {
			if !drop[o.ID] {
				kept = append(kept, o)
			}
		}
		if len(kept) == 0 {
			delete(c.queue, end)
		} else {
			c.queue[end] = kept
		}
	}
}

func (c *core) record(fills []domain.Fill) {
	c.mu.Lock()
	c.fills = append(c.fills, fills...)
	c.mu.Unlock()
}

func (c *core) PendingOrders() []domain.Order {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []domain.Order
	for _, orders := range c.queue {
		out = append(out, orders...)
	}
	slices.SortFunc(out, func(a, b domain.Order) int {
		if d := a.EndTimestamp.Compare(b.EndTimestamp); d != 0 {
			return d
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return out
}

func (c *core) Fills() []domain.Fill {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return slices.Clone(c.fills)
}

// OrderState returns the lifecycle state of an order submitted to the
// broker.
func (c *core) OrderState(id int64) (domain.TrackedOrder, bool) {
	return c.tracker.Get(id)
}
