// Package dataflow implements the computation graph that turns market data
// into forecasts: nodes with named ports, a DAG connecting them, per-run
// execution contexts and the runners that drive the graph historically,
// on a rolling window or in real time.
package dataflow

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Sentinel errors returned by graph construction and execution.
var (
	ErrDuplicateNode  = errors.New("duplicate node id")
	ErrUnknownNode    = errors.New("unknown node id")
	ErrUnknownPort    = errors.New("unknown port")
	ErrAmbiguousPort  = errors.New("port cannot be inferred")
	ErrInputConnected = errors.New("input already has a producer")
	ErrCycle          = errors.New("edge would create a cycle")
	ErrUnknownMethod  = errors.New("unknown method")
	ErrMissingOutput  = errors.New("missing output")
)

// Method selects which of a node's execution methods to run.
type Method string

// Supported methods.
const (
	MethodFit     Method = "fit"
	MethodPredict Method = "predict"
)

// ParseMethod validates a method name.
func ParseMethod(s string) (Method, error) {
	switch Method(s) {
	case MethodFit, MethodPredict:
		return Method(s), nil
	default:
		return "", fmt.Errorf("%w %q", ErrUnknownMethod, s)
	}
}

// Values maps port names to the values flowing through them.
type Values map[string]any

// Node is a unit of computation with fixed input and output port names.
//
// Implementations must not keep the outputs of a call around: the graph
// stores them in the execution context of the run that requested them.
type Node interface {
	ID() string
	InputNames() []string
	OutputNames() []string
	Fit(ctx context.Context, in Values) (Values, error)
	Predict(ctx context.Context, in Values) (Values, error)
}

// Interval is a closed time range. A zero Start means unbounded in the past.
type Interval struct {
	Start time.Time
	End   time.Time
}

// Contains reports whether t lies inside the interval.
func (iv Interval) Contains(t time.Time) bool {
	if !iv.Start.IsZero() && t.Before(iv.Start) {
		return false
	}
	return !t.After(iv.End)
}

// IntervalSetter is implemented by source nodes that load data for a range
// of time. Runners set the intervals on every source before running.
type IntervalSetter interface {
	SetFitIntervals(intervals []Interval)
	SetPredictIntervals(intervals []Interval)
}

// Func is the signature of a node execution method.
type Func func(ctx context.Context, in Values) (Values, error)

// FuncNode adapts plain functions into a Node. A nil method is reported as
// ErrUnknownMethod when invoked.
type FuncNode struct {
	id      string
	inputs  []string
	outputs []string
	fit     Func
	predict Func
}

// Compile-time interface check.
var _ Node = (*FuncNode)(nil)

// NewFuncNode creates a node from fit and predict functions.
func NewFuncNode(id string, inputs, outputs []string, fit, predict Func) *FuncNode {
	return &FuncNode{
		id:      id,
		inputs:  append([]string(nil), inputs...),
		outputs: append([]string(nil), outputs...),
		fit:     fit,
		predict: predict,
	}
}

// NewTransformNode creates a node that runs the same stateless function for
// both fit and predict.
func NewTransformNode(id string, inputs, outputs []string, fn Func) *FuncNode {
	return NewFuncNode(id, inputs, outputs, fn, fn)
}

func (n *FuncNode) ID() string            { return n.id }
func (n *FuncNode) InputNames() []string  { return append([]string(nil), n.inputs...) }
func (n *FuncNode) OutputNames() []string { return append([]string(nil), n.outputs...) }

func (n *FuncNode) Fit(ctx context.Context, in Values) (Values, error) {
	if n.fit == nil {
		return nil, fmt.Errorf("%w %q", ErrUnknownMethod, MethodFit)
	}
	return n.fit(ctx, in)
}

func (n *FuncNode) Predict(ctx context.Context, in Values) (Values, error) {
	if n.predict == nil {
		return nil, fmt.Errorf("%w %q", ErrUnknownMethod, MethodPredict)
	}
	return n.predict(ctx, in)
}

// invoke dispatches a method by name.
func invoke(ctx context.Context, n Node, m Method, in Values) (Values, error) {
	switch m {
	case MethodFit:
		return n.Fit(ctx, in)
	case MethodPredict:
		return n.Predict(ctx, in)
	default:
		return nil, fmt.Errorf("%w %q", ErrUnknownMethod, m)
	}
}

func contains(names []string, name string) bool {
	for _, n := range names {
		if n == name {
			return true
		}
	}
	return false
}
