package app

import (
	"context"
	"errors"
	"fmt"
	"math"
	"path/filepath"
	"time"

	"golang.org/x/sync/errgroup"

	"saturn/internal/api"
	"saturn/internal/clock"
	"saturn/internal/dataflow"
	"saturn/internal/forecast"
	"saturn/internal/portfolio"
)

// NewRealTimeRunner builds the bar loop over the system graph, processing
// forecasts every bar. With UntilClose the loop also ends at the next
// session close.
func (s *System) NewRealTimeRunner() (*dataflow.RealTimeRunner, error) {
	r := s.Config.Runner
	deadline := r.Deadline
	if r.UntilClose {
		if c := s.Session.NextClose(s.Clock.Now()); deadline.IsZero() || c.Before(deadline) {
			deadline = c
		}
	}
	return dataflow.NewRealTimeRunner(s.Graph, s.Clock, dataflow.RealTimeConfig{
		BarDuration: r.BarDuration,
		MaxDistance: r.MaxDistance,
		Timeout:     r.Timeout,
		Deadline:    deadline,
	}, s.Processor.BarStep(), s.log)
}

// Trade runs the real-time loop until it ends or ctx is cancelled. The
// in-process order processor and the monitor run alongside and are stopped
// once the loop returns.
func (s *System) Trade(ctx context.Context) (dataflow.Events, error) {
	runner, err := s.NewRealTimeRunner()
	if err != nil {
		return nil, err
	}

	g, gctx := errgroup.WithContext(ctx)
	aux, stopAux := context.WithCancel(gctx)
	defer stopAux()

	var events dataflow.Events
	g.Go(func() error {
		defer stopAux()
		ev, _, err := runner.Run(gctx)
		events = ev
		if err != nil {
			return err
		}
		return s.liquidate(gctx)
	})
	if s.OrderProcessor != nil {
		g.Go(func() error { return s.OrderProcessor.Run(aux) })
	}
	if m := s.Config.Monitor; m.HTTPAddr != "" || m.GRPCAddr != "" {
		mon := api.NewMonitor(api.Sources{
			Runner:       runner,
			Broker:       s.Broker,
			Portfolio:    s.Portfolio,
			Restrictions: s.Restrictions,
		}, s.log)
		srv := api.NewServer(mon, m.HTTPAddr, m.GRPCAddr, s.log)
		g.Go(func() error { return srv.ListenAndServe(aux) })
	}

	err = g.Wait()
	s.log.Info("trading finished", "bars", len(events), "error", err)
	return events, err
}

func (s *System) liquidate(ctx context.Context) error {
	if !s.Config.Runner.LiquidateAtEnd {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return nil
	}
	s.log.Info("liquidating portfolio")
	_, err := s.Processor.Process(ctx, forecast.Forecasts{}, true)
	return err
}

// BacktestResult summarises a simulated run.
type BacktestResult struct {
	Steps      []forecast.Step
	Statistics []portfolio.Statistics
}

// TotalPnL sums the defined per-snapshot pnl.
func (r BacktestResult) TotalPnL() float64 {
	var total float64
	for _, st := range r.Statistics {
		if !math.IsNaN(st.PnL) {
			total += st.PnL
		}
	}
	return total
}

// ErrNeedsSimulatedClock is returned by Backtest for systems built on any
// other clock.
var ErrNeedsSimulatedClock = errors.New("backtest needs a simulated clock")

// Backtest replays the configured runner mode on a simulated clock,
// processing forecasts at every predicted bar. Orders still open at the end
// are filled by a final mark to market at their deadline.
func (s *System) Backtest(ctx context.Context) (BacktestResult, error) {
	sim, ok := s.Clock.(*clock.SimulatedClock)
	if !ok {
		return BacktestResult{}, ErrNeedsSimulatedClock
	}
	r := s.Config.Runner
	step := func(bar time.Time, res *dataflow.ResultBundle) error {
		sim.Set(bar)
		f, err := forecast.ForecastsFromOutputs(res.Outputs)
		if err != nil {
			return err
		}
		_, err = s.Processor.Process(ctx, f, false)
		return err
	}

	var err error
	switch r.Mode {
	case "historical":
		err = s.backtestHistorical(ctx, step)
	case "rolling":
		err = s.backtestRolling(ctx, step)
	case "incremental":
		err = s.backtestIncremental(ctx, step)
	case "realtime":
		var runner *dataflow.RealTimeRunner
		if runner, err = s.NewRealTimeRunner(); err == nil {
			_, _, err = runner.Run(ctx)
		}
	default:
		err = fmt.Errorf("unknown runner mode %q", r.Mode)
	}
	if err != nil {
		return BacktestResult{}, err
	}
	if err := s.liquidate(ctx); err != nil {
		return BacktestResult{}, err
	}

	sim.Advance(time.Duration(s.Config.Forecast.OrderConfig.OrderDurationInMins) * time.Minute)
	if _, err := s.Portfolio.MarkToMarket(ctx); err != nil {
		return BacktestResult{}, fmt.Errorf("final mark: %w", err)
	}
	if dir := s.Config.Storage.LogDir; dir != "" {
		if err := portfolio.LogState(s.Portfolio, filepath.Join(dir, "portfolio")); err != nil {
			return BacktestResult{}, err
		}
	}
	return BacktestResult{Steps: s.Processor.Steps(), Statistics: s.Portfolio.Statistics()}, nil
}

type barFunc func(bar time.Time, res *dataflow.ResultBundle) error

func (s *System) backtestHistorical(ctx context.Context, step barFunc) error {
	r := s.Config.Runner
	hr, err := dataflow.NewHistoricalRunner(s.Graph, s.log)
	if err != nil {
		return err
	}
	hr.SetFitIntervals([]dataflow.Interval{{Start: r.Start, End: r.End}})
	hr.SetPredictIntervals([]dataflow.Interval{{Start: r.Start, End: r.End}})
	if _, err := hr.Fit(ctx); err != nil {
		return err
	}
	res, err := hr.Predict(ctx)
	if err != nil {
		return err
	}
	return step(r.End, res)
}

func (s *System) backtestRolling(ctx context.Context, step barFunc) error {
	r := s.Config.Runner
	rr, err := dataflow.NewRollingRunner(s.Graph, dataflow.RollingConfig{
		Start:              r.Start,
		End:                r.End,
		RetrainingFreq:     r.RetrainingFreq,
		RetrainingLookback: r.RetrainingLookback,
	}, s.log)
	if err != nil {
		return err
	}
	for _, t := range rr.Schedule() {
		res, err := rr.FitPredictAt(ctx, t)
		if err != nil {
			return fmt.Errorf("retraining at %s: %w", t.Format(time.RFC3339), err)
		}
		if err := step(t.Add(r.RetrainingFreq), res.Predict); err != nil {
			return err
		}
	}
	return nil
}

func (s *System) backtestIncremental(ctx context.Context, step barFunc) error {
	r := s.Config.Runner
	ir, err := dataflow.NewIncrementalRunner(s.Graph, r.Start, r.End, r.BarDuration, s.log)
	if err != nil {
		return err
	}
	for t := r.Start; !t.After(r.End); t = t.Add(r.BarDuration) {
		res, err := ir.PredictAt(ctx, t)
		if err != nil {
			return fmt.Errorf("predicting at %s: %w", t.Format(time.RFC3339), err)
		}
		if err := step(t, res); err != nil {
			return err
		}
	}
	return nil
}
