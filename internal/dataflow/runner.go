package dataflow

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// State is the lifecycle of a runner.
type State string

const (
	StateIdle      State = "idle"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// stateHolder is written by the runner's own goroutine and read by
// diagnostics.
type stateHolder struct {
	mu    sync.RWMutex
	state State
}

func (s *stateHolder) set(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// State returns the current lifecycle state.
func (s *stateHolder) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.state == "" {
		return StateIdle
	}
	return s.state
}

// finish records the terminal state matching err and passes err through.
func (s *stateHolder) finish(err error) error {
	if err != nil {
		s.set(StateFailed)
	} else {
		s.set(StateCompleted)
	}
	return err
}

// ResultBundle is the output of running a graph up to its result node.
type ResultBundle struct {
	ResultNode string
	Method     Method
	Outputs    Values
	// Intervals are the source intervals the run used, if any.
	Intervals []Interval
}

// base holds what every runner shares: the graph, its unique sink and the
// ability to push intervals into source nodes.
type base struct {
	stateHolder
	graph  *Graph
	result string
	log    *slog.Logger
}

func newBase(g *Graph, log *slog.Logger) (*base, error) {
	if log == nil {
		log = slog.Default()
	}
	sink, err := g.UniqueSink()
	if err != nil {
		return nil, err
	}
	return &base{graph: g, result: sink, log: log}, nil
}

func (b *base) setIntervals(m Method, intervals []Interval) error {
	if intervals == nil {
		return nil
	}
	sources, err := b.graph.Sources()
	if err != nil {
		return err
	}
	for _, id := range sources {
		setter, ok := b.graph.nodes[id].(IntervalSetter)
		if !ok {
			continue
		}
		switch m {
		case MethodFit:
			setter.SetFitIntervals(intervals)
		case MethodPredict:
			setter.SetPredictIntervals(intervals)
		default:
			return fmt.Errorf("%w %q", ErrUnknownMethod, m)
		}
	}
	return nil
}

func (b *base) run(ctx context.Context, m Method, intervals []Interval) (*ResultBundle, error) {
	if err := b.setIntervals(m, intervals); err != nil {
		return nil, err
	}
	out, err := b.graph.NewRun().UpTo(ctx, b.result, m)
	if err != nil {
		return nil, err
	}
	return &ResultBundle{ResultNode: b.result, Method: m, Outputs: out, Intervals: intervals}, nil
}

// ---------------------------------------------------------------------------
// Historical
// ---------------------------------------------------------------------------

// HistoricalRunner executes the whole graph once over a fixed interval.
type HistoricalRunner struct {
	*base
	fit     []Interval
	predict []Interval
}

// NewHistoricalRunner creates a runner for a graph with a single sink.
func NewHistoricalRunner(g *Graph, log *slog.Logger) (*HistoricalRunner, error) {
	b, err := newBase(g, log)
	if err != nil {
		return nil, err
	}
	return &HistoricalRunner{base: b}, nil
}

// SetFitIntervals sets the fit intervals pushed to source nodes.
func (r *HistoricalRunner) SetFitIntervals(iv []Interval) { r.fit = iv }

// SetPredictIntervals sets the predict intervals pushed to source nodes.
func (r *HistoricalRunner) SetPredictIntervals(iv []Interval) { r.predict = iv }

// Fit runs the graph's fit method.
func (r *HistoricalRunner) Fit(ctx context.Context) (*ResultBundle, error) {
	return r.once(ctx, MethodFit, r.fit)
}

// Predict runs the graph's predict method.
func (r *HistoricalRunner) Predict(ctx context.Context) (*ResultBundle, error) {
	return r.once(ctx, MethodPredict, r.predict)
}

func (r *HistoricalRunner) once(ctx context.Context, m Method, iv []Interval) (*ResultBundle, error) {
	r.set(StateRunning)
	res, err := r.run(ctx, m, iv)
	return res, r.finish(err)
}

// ---------------------------------------------------------------------------
// Rolling
// ---------------------------------------------------------------------------

// RollingConfig describes a fit/predict schedule.
type RollingConfig struct {
	Start          time.Time
	End            time.Time
	RetrainingFreq time.Duration
	// RetrainingLookback is the number of RetrainingFreq periods of history
	// used for each fit.
	RetrainingLookback int
}

// RollingResult is one retraining step.
type RollingResult struct {
	TrainingTime time.Time
	Fit          *ResultBundle
	Predict      *ResultBundle
	// OutOfSampleStart is the first timestamp of the predict bundle that was
	// not seen during fit.
	OutOfSampleStart time.Time
}

// RollingRunner periodically refits the graph on trailing history and
// predicts forward until the next retraining time.
type RollingRunner struct {
	*base
	cfg      RollingConfig
	schedule []time.Time
}

// NewRollingRunner validates cfg and computes the retraining schedule.
func NewRollingRunner(g *Graph, cfg RollingConfig, log *slog.Logger) (*RollingRunner, error) {
	b, err := newBase(g, log)
	if err != nil {
		return nil, err
	}
	schedule, err := RetrainingSchedule(cfg)
	if err != nil {
		return nil, err
	}
	b.log.Info("rolling schedule", "retrainings", len(schedule), "first", schedule[0], "last", schedule[len(schedule)-1])
	return &RollingRunner{base: b, cfg: cfg, schedule: schedule}, nil
}

// RetrainingSchedule returns the grid Start..End stepped by RetrainingFreq,
// shifted forward by RetrainingLookback periods and cut at End.
func RetrainingSchedule(cfg RollingConfig) ([]time.Time, error) {
	if cfg.RetrainingFreq <= 0 {
		return nil, fmt.Errorf("rolling: retraining frequency must be positive")
	}
	if cfg.RetrainingLookback <= 0 {
		return nil, fmt.Errorf("rolling: retraining lookback must be positive")
	}
	var grid []time.Time
	for t := cfg.Start; !t.After(cfg.End); t = t.Add(cfg.RetrainingFreq) {
		grid = append(grid, t)
	}
	if len(grid) == 0 {
		return nil, fmt.Errorf("rolling: not enough data for requested training schedule")
	}
	if cfg.RetrainingLookback >= len(grid) {
		return nil, fmt.Errorf("rolling: input data does not have %d periods", cfg.RetrainingLookback)
	}
	shift := time.Duration(cfg.RetrainingLookback) * cfg.RetrainingFreq
	var out []time.Time
	for _, t := range grid {
		if s := t.Add(shift); s.Before(cfg.End) {
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("rolling: empty retraining schedule")
	}
	return out, nil
}

// Schedule returns the retraining times.
func (r *RollingRunner) Schedule() []time.Time {
	return append([]time.Time(nil), r.schedule...)
}

// FitPredict runs every retraining step in order. It stops at the first
// failure and returns the steps completed so far; failures are not retried.
func (r *RollingRunner) FitPredict(ctx context.Context) ([]RollingResult, error) {
	r.set(StateRunning)
	results := make([]RollingResult, 0, len(r.schedule))
	for _, t := range r.schedule {
		res, err := r.FitPredictAt(ctx, t)
		if err != nil {
			return results, r.finish(fmt.Errorf("retraining at %s: %w", t.Format(time.RFC3339), err))
		}
		results = append(results, res)
	}
	return results, r.finish(nil)
}

// FitPredictAt fits on the lookback window ending at t and predicts one
// period forward.
func (r *RollingRunner) FitPredictAt(ctx context.Context, t time.Time) (RollingResult, error) {
	freq := r.cfg.RetrainingFreq
	fitStart := t.Add(-time.Duration(r.cfg.RetrainingLookback-1) * freq)
	fit, err := r.run(ctx, MethodFit, []Interval{{Start: fitStart, End: t}})
	if err != nil {
		return RollingResult{}, err
	}
	predict, err := r.run(ctx, MethodPredict, []Interval{{Start: fitStart, End: t.Add(freq)}})
	if err != nil {
		return RollingResult{}, err
	}
	r.log.Debug("retrained", "training_time", t, "fit_start", fitStart)
	return RollingResult{TrainingTime: t, Fit: fit, Predict: predict, OutOfSampleStart: t}, nil
}

// ---------------------------------------------------------------------------
// Incremental
// ---------------------------------------------------------------------------

// IncrementalRunner predicts at every point of a time grid using only the
// data available up to that point.
type IncrementalRunner struct {
	*base
	grid []time.Time
}

// NewIncrementalRunner creates a runner predicting at start, start+freq, ...
// up to and including end.
func NewIncrementalRunner(g *Graph, start, end time.Time, freq time.Duration, log *slog.Logger) (*IncrementalRunner, error) {
	if freq <= 0 {
		return nil, fmt.Errorf("incremental: frequency must be positive")
	}
	b, err := newBase(g, log)
	if err != nil {
		return nil, err
	}
	var grid []time.Time
	for t := start; !t.After(end); t = t.Add(freq) {
		grid = append(grid, t)
	}
	return &IncrementalRunner{base: b, grid: grid}, nil
}

// Predict runs predict once per grid point.
func (r *IncrementalRunner) Predict(ctx context.Context) ([]*ResultBundle, error) {
	r.set(StateRunning)
	out := make([]*ResultBundle, 0, len(r.grid))
	for _, t := range r.grid {
		res, err := r.PredictAt(ctx, t)
		if err != nil {
			return out, r.finish(err)
		}
		out = append(out, res)
	}
	return out, r.finish(nil)
}

// PredictAt runs predict with sources restricted to (-inf, t].
func (r *IncrementalRunner) PredictAt(ctx context.Context, t time.Time) (*ResultBundle, error) {
	return r.run(ctx, MethodPredict, []Interval{{End: t}})
}
