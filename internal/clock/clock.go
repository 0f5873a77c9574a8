// Package clock provides the time sources used by the real-time loop,
// the brokers and the order processor: the wall clock, a replayed clock
// that maps "now" onto a past session, and a simulated clock for tests and
// backtests. It also holds the polling primitive.
package clock

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Clock reports the current time and suspends callers.
type Clock interface {
	Now() time.Time
	// Sleep blocks for d or until ctx is done.
	Sleep(ctx context.Context, d time.Duration) error
}

// ---------------------------------------------------------------------------
// Wall clock
// ---------------------------------------------------------------------------

// WallClock is the real time in a fixed location.
type WallClock struct {
	loc *time.Location
}

// NewWallClock returns a wall clock reporting times in loc (UTC when nil).
func NewWallClock(loc *time.Location) *WallClock {
	if loc == nil {
		loc = time.UTC
	}
	return &WallClock{loc: loc}
}

func (c *WallClock) Now() time.Time { return time.Now().In(c.loc) }

func (c *WallClock) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// ---------------------------------------------------------------------------
// Replayed clock
// ---------------------------------------------------------------------------

// ReplayedClock maps the time elapsed on a base clock onto a session that
// started at a past instant, optionally sped up.
type ReplayedClock struct {
	base            Clock
	initialReplayed time.Time
	initialWall     time.Time
	speedUp         float64
}

// NewReplayedClock anchors initialReplayed to base.Now(). Only the past can
// be replayed.
func NewReplayedClock(base Clock, initialReplayed time.Time, speedUp float64) (*ReplayedClock, error) {
	if speedUp <= 0 {
		return nil, fmt.Errorf("replayed clock: speed up factor must be positive, got %v", speedUp)
	}
	now := base.Now()
	if initialReplayed.After(now) {
		return nil, fmt.Errorf("replayed clock: %s is in the future of %s", initialReplayed, now)
	}
	return &ReplayedClock{
		base:            base,
		initialReplayed: initialReplayed,
		initialWall:     now,
		speedUp:         speedUp,
	}, nil
}

func (c *ReplayedClock) Now() time.Time {
	elapsed := c.base.Now().Sub(c.initialWall)
	return c.initialReplayed.Add(time.Duration(float64(elapsed) * c.speedUp))
}

func (c *ReplayedClock) Sleep(ctx context.Context, d time.Duration) error {
	return c.base.Sleep(ctx, time.Duration(float64(d)/c.speedUp))
}

// ---------------------------------------------------------------------------
// Simulated clock
// ---------------------------------------------------------------------------

// SimulatedClock only moves when told to. Sleep advances it instantly, which
// makes real-time code deterministic under test.
type SimulatedClock struct {
	mu  sync.Mutex
	now time.Time
}

// NewSimulatedClock starts a simulated clock at start.
func NewSimulatedClock(start time.Time) *SimulatedClock {
	return &SimulatedClock{now: start}
}

func (c *SimulatedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *SimulatedClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.Advance(d)
	return nil
}

// Advance moves the clock forward by d. Negative durations are ignored.
func (c *SimulatedClock) Advance(d time.Duration) {
	if d <= 0 {
		return
	}
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// Set jumps to t if t is not before the current time.
func (c *SimulatedClock) Set(t time.Time) {
	c.mu.Lock()
	if t.After(c.now) {
		c.now = t
	}
	c.mu.Unlock()
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// Ceil rounds t up to the next multiple of grid (t itself when aligned).
func Ceil(t time.Time, grid time.Duration) time.Time {
	floor := t.Truncate(grid)
	if floor.Equal(t) {
		return t
	}
	return floor.Add(grid)
}

// WaitUntil sleeps on clk until it reports a time at or after t.
func WaitUntil(ctx context.Context, clk Clock, t time.Time) error {
	for {
		now := clk.Now()
		if !now.Before(t) {
			return nil
		}
		if err := clk.Sleep(ctx, t.Sub(now)); err != nil {
			return err
		}
	}
}

// AlignOnGrid waits until clk is aligned on a multiple of grid, e.g. with a
// one minute grid at 10:45:51 it returns at 10:46:00.
func AlignOnGrid(ctx context.Context, clk Clock, grid time.Duration) error {
	if grid <= 0 {
		return fmt.Errorf("align on grid: grid must be positive, got %s", grid)
	}
	return WaitUntil(ctx, clk, Ceil(clk.Now(), grid))
}
