package dataflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"saturn/internal/clock"
)

// Event records one iteration of the real-time loop.
type Event struct {
	RunID     string
	Iteration int
	// BarTime is the bar-aligned timestamp the iteration ran for.
	BarTime time.Time
	// WallClock is when the iteration actually started.
	WallClock time.Time
	// Drift is WallClock - BarTime.
	Drift time.Duration
}

func (e Event) String() string {
	return fmt.Sprintf("num_it=%d bar_time='%s' wall_clock_time='%s' drift=%s",
		e.Iteration, e.BarTime.Format("2006-01-02 15:04:05"), e.WallClock.Format(time.RFC3339Nano), e.Drift)
}

// Events is an append-only execution trace.
type Events []Event

func (es Events) String() string {
	lines := make([]string, len(es))
	for i, e := range es {
		lines[i] = e.String()
	}
	return strings.Join(lines, "\n")
}

// BarStep is the work attached to each bar after the graph's predict run,
// typically forecast processing and order submission. An error stops the
// loop.
type BarStep func(ctx context.Context, bar time.Time, result *ResultBundle) error

// RealTimeConfig bounds and paces the real-time loop.
type RealTimeConfig struct {
	BarDuration time.Duration
	// MaxDistance is how late a wake-up may be and still run the bar it was
	// scheduled for. Later wake-ups skip to the next bar boundary.
	MaxDistance time.Duration
	// Timeout bounds the loop by elapsed time since Run started. Zero means
	// no bound.
	Timeout time.Duration
	// Deadline bounds the loop by absolute time. Zero means no bound.
	Deadline time.Time
}

// RealTimeRunner drives a graph once per bar in clock time.
type RealTimeRunner struct {
	*base
	clk  clock.Clock
	cfg  RealTimeConfig
	step BarStep

	mu     sync.RWMutex
	events Events
	last   *ResultBundle
	runID  string
	stop   chan struct{}
	once   sync.Once
}

// NewRealTimeRunner creates a runner. step may be nil.
func NewRealTimeRunner(g *Graph, clk clock.Clock, cfg RealTimeConfig, step BarStep, log *slog.Logger) (*RealTimeRunner, error) {
	if cfg.BarDuration <= 0 {
		return nil, fmt.Errorf("real-time runner: bar duration must be positive")
	}
	if cfg.MaxDistance < 0 {
		return nil, fmt.Errorf("real-time runner: max distance must not be negative")
	}
	b, err := newBase(g, log)
	if err != nil {
		return nil, err
	}
	return &RealTimeRunner{
		base: b,
		clk:  clk,
		cfg:  cfg,
		step: step,
		stop: make(chan struct{}),
	}, nil
}

// Stop asks the loop to terminate. A pending bar wait is interrupted; an
// iteration already running completes first.
func (r *RealTimeRunner) Stop() {
	r.once.Do(func() { close(r.stop) })
}

// Events returns a copy of the event log recorded so far.
func (r *RealTimeRunner) Events() Events {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append(Events(nil), r.events...)
}

// RunID identifies the current (or last) run.
func (r *RealTimeRunner) RunID() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.runID
}

// Run executes the loop until the timeout or deadline passes, Stop is
// called or ctx is cancelled; all of those are graceful and return a nil
// error, including a cancellation surfacing from the graph or the bar
// step. Any other error from the graph or the bar step stops the loop,
// marks the runner failed and is returned along with the events recorded
// so far.
func (r *RealTimeRunner) Run(ctx context.Context) (Events, *ResultBundle, error) {
	r.mu.Lock()
	r.runID = uuid.NewString()
	r.events = nil
	r.mu.Unlock()
	r.set(StateRunning)

	log := r.log.With("run_id", r.RunID())
	end := r.endTime(r.clk.Now())
	log.Info("real-time loop starting", "bar", r.cfg.BarDuration, "end", end)

	waitCtx, cancelWait := context.WithCancel(ctx)
	defer cancelWait()
	go func() {
		select {
		case <-r.stop:
			cancelWait()
		case <-waitCtx.Done():
		}
	}()

	var prev time.Time
	for it := 1; ; it++ {
		if r.stopped() {
			log.Info("real-time loop stopped")
			break
		}
		now := r.clk.Now()
		bar := r.nextBar(now, prev)
		if !end.IsZero() && bar.After(end) {
			log.Info("real-time loop reached its end", "end", end)
			break
		}
		if err := clock.WaitUntil(waitCtx, r.clk, bar); err != nil {
			if r.stopped() {
				log.Info("real-time loop stopped while waiting", "bar", bar)
				break
			}
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				log.Info("real-time loop cancelled", "err", err)
				break
			}
			return r.Events(), r.lastResult(), r.finish(err)
		}
		wall := r.clk.Now()

		if err := r.setIntervals(MethodPredict, []Interval{{End: bar}}); err != nil {
			return r.Events(), r.lastResult(), r.finish(err)
		}
		var res *ResultBundle
		out, err := r.graph.NewRun().UpTo(ctx, r.result, MethodPredict)
		if err == nil {
			res = &ResultBundle{ResultNode: r.result, Method: MethodPredict, Outputs: out, Intervals: []Interval{{End: bar}}}
			if r.step != nil {
				err = r.step(ctx, bar, res)
			}
		}
		if err != nil {
			if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
				log.Info("real-time loop cancelled mid-bar", "bar", bar, "err", err)
				break
			}
			return r.Events(), r.lastResult(), r.finish(fmt.Errorf("bar %s: %w", bar.Format(time.RFC3339), err))
		}

		ev := Event{RunID: r.RunID(), Iteration: it, BarTime: bar, WallClock: wall, Drift: wall.Sub(bar)}
		r.mu.Lock()
		r.events = append(r.events, ev)
		r.last = res
		r.mu.Unlock()
		log.Info("bar done", "num_it", it, "bar", bar, "drift", ev.Drift)
		prev = bar
	}
	return r.Events(), r.lastResult(), r.finish(nil)
}

func (r *RealTimeRunner) endTime(start time.Time) time.Time {
	var end time.Time
	if r.cfg.Timeout > 0 {
		end = start.Add(r.cfg.Timeout)
	}
	if !r.cfg.Deadline.IsZero() && (end.IsZero() || r.cfg.Deadline.Before(end)) {
		end = r.cfg.Deadline
	}
	return end
}

// nextBar picks the bar to run next. A bar that is already past due runs
// immediately when it is within MaxDistance; otherwise the loop realigns on
// the next boundary.
func (r *RealTimeRunner) nextBar(now, prev time.Time) time.Time {
	bar := r.cfg.BarDuration
	if prev.IsZero() {
		return clock.Ceil(now, bar)
	}
	target := prev.Add(bar)
	if now.After(target) {
		if late := now.Sub(target); late > r.cfg.MaxDistance {
			next := clock.Ceil(now, bar)
			r.log.Warn("skipping late bars", "scheduled", target, "now", now, "late", late, "next", next)
			return next
		}
	}
	return target
}

func (r *RealTimeRunner) stopped() bool {
	select {
	case <-r.stop:
		return true
	default:
		return false
	}
}

func (r *RealTimeRunner) lastResult() *ResultBundle {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.last
}
