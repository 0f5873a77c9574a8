package dataflow

import (
	"context"
	"fmt"
	"sort"
)

type outputKey struct {
	node   string
	method Method
	output string
}

// Run is the execution context of one pass over a graph. It owns every
// value produced during the pass so that a single Graph can be reused by
// independent runs without leaking outputs between them.
type Run struct {
	g      *Graph
	values map[outputKey]any
	// visits counts node executions, per node, for diagnostics.
	visits map[string]int
}

// NewRun creates an empty execution context for g.
func (g *Graph) NewRun() *Run {
	return &Run{
		g:      g,
		values: make(map[outputKey]any),
		visits: make(map[string]int),
	}
}

// RunFull runs every node once in a fresh execution context.
func (g *Graph) RunFull(ctx context.Context, m Method) (map[string]Values, error) {
	return g.NewRun().Full(ctx, m)
}

// RunUpTo runs id and its ancestors in a fresh execution context.
func (g *Graph) RunUpTo(ctx context.Context, id string, m Method) (Values, error) {
	return g.NewRun().UpTo(ctx, id, m)
}

// Full executes every node exactly once in topological order and returns
// the outputs of every sink keyed by sink id.
func (r *Run) Full(ctx context.Context, m Method) (map[string]Values, error) {
	order, err := r.g.TopologicalOrder()
	if err != nil {
		return nil, err
	}
	for _, id := range order {
		if err := r.runNode(ctx, id, m); err != nil {
			return nil, err
		}
	}
	sinks, err := r.g.Sinks()
	if err != nil {
		return nil, err
	}
	out := make(map[string]Values, len(sinks))
	for _, id := range sinks {
		out[id], _ = r.Outputs(id, m)
	}
	return out, nil
}

// UpTo executes only id and its ancestors, in topological order, and
// returns id's outputs.
func (r *Run) UpTo(ctx context.Context, id string, m Method) (Values, error) {
	if _, ok := r.g.nodes[id]; !ok {
		return nil, fmt.Errorf("running up to %q: %w", id, ErrUnknownNode)
	}
	order, err := r.g.TopologicalOrder()
	if err != nil {
		return nil, err
	}
	needed := map[string]struct{}{id: {}}
	for _, a := range r.g.Ancestors(id) {
		needed[a] = struct{}{}
	}
	for _, n := range order {
		if _, ok := needed[n]; !ok {
			continue
		}
		if err := r.runNode(ctx, n, m); err != nil {
			return nil, err
		}
	}
	out, _ := r.Outputs(id, m)
	return out, nil
}

// Outputs returns the values a node produced for method m in this run.
func (r *Run) Outputs(id string, m Method) (Values, bool) {
	n, ok := r.g.nodes[id]
	if !ok {
		return nil, false
	}
	out := make(Values, len(n.OutputNames()))
	found := false
	for _, name := range n.OutputNames() {
		if v, ok := r.values[outputKey{id, m, name}]; ok {
			out[name] = v
			found = true
		}
	}
	return out, found
}

// Visits returns how many times each node has executed in this run.
func (r *Run) Visits() map[string]int {
	out := make(map[string]int, len(r.visits))
	for k, v := range r.visits {
		out[k] = v
	}
	return out
}

func (r *Run) runNode(ctx context.Context, id string, m Method) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	n := r.g.nodes[id]
	in := make(Values)
	parents := keys(r.g.pred[id])
	sort.Strings(parents)
	for _, p := range parents {
		for input, output := range r.g.succ[p][id] {
			v, ok := r.values[outputKey{p, m, output}]
			if !ok {
				return fmt.Errorf("node %q: input %q from %q.%s: %w", id, input, p, output, ErrMissingOutput)
			}
			in[input] = v
		}
	}

	r.g.log.Debug("running node", "node", id, "method", m)
	out, err := invoke(ctx, n, m, in)
	r.visits[id]++
	if err != nil {
		return fmt.Errorf("node %q: %s: %w", id, m, err)
	}
	for _, name := range n.OutputNames() {
		v, ok := out[name]
		if !ok {
			return fmt.Errorf("node %q: %s output %q: %w", id, m, name, ErrMissingOutput)
		}
		r.values[outputKey{id, m, name}] = v
	}
	return nil
}
