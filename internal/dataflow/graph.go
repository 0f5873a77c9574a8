package dataflow

import (
	"fmt"
	"log/slog"
	"sort"
)

// AddMode controls how AddNode treats an id that is already present.
type AddMode string

const (
	// Strict rejects duplicate ids.
	Strict AddMode = "strict"
	// Loose replaces the existing node, dropping it and all its descendants
	// first so that graph construction can be re-run idempotently.
	Loose AddMode = "loose"
)

// Endpoint names one side of an edge. An empty Port means the node's only
// input (or output) is used.
type Endpoint struct {
	Node string
	Port string
}

// At returns an endpoint with an explicit port.
func At(node, port string) Endpoint { return Endpoint{Node: node, Port: port} }

// Ref returns an endpoint whose port is inferred.
func Ref(node string) Endpoint { return Endpoint{Node: node} }

// Edge is one (output → input) mapping between two nodes.
type Edge struct {
	Parent string
	Output string
	Child  string
	Input  string
}

// Graph is a directed acyclic graph of Nodes. It is not safe for concurrent
// mutation; once a runner starts executing, the graph must not change.
type Graph struct {
	name  string
	nodes map[string]Node
	// seq records insertion order; it breaks ties in topological sorting.
	seq  map[string]int
	next int
	// succ[parent][child] maps child input name → parent output name.
	succ map[string]map[string]map[string]string
	pred map[string]map[string]struct{}
	log  *slog.Logger
}

// NewGraph creates an empty graph.
func NewGraph(name string, log *slog.Logger) *Graph {
	if log == nil {
		log = slog.Default()
	}
	return &Graph{
		name:  name,
		nodes: make(map[string]Node),
		seq:   make(map[string]int),
		succ:  make(map[string]map[string]map[string]string),
		pred:  make(map[string]map[string]struct{}),
		log:   log.With("graph", name),
	}
}

// Name returns the graph's name.
func (g *Graph) Name() string { return g.name }

// Len returns the number of nodes.
func (g *Graph) Len() int { return len(g.nodes) }

// Node returns the node with the given id.
func (g *Graph) Node(id string) (Node, bool) {
	n, ok := g.nodes[id]
	return n, ok
}

// AddNode inserts a node. See AddMode for duplicate handling.
func (g *Graph) AddNode(n Node, mode AddMode) error {
	id := n.ID()
	if id == "" {
		return fmt.Errorf("adding node: empty id")
	}
	if err := checkPortNames(n); err != nil {
		return err
	}
	if _, ok := g.nodes[id]; ok {
		switch mode {
		case Strict:
			return fmt.Errorf("adding node %q: %w", id, ErrDuplicateNode)
		case Loose:
			removed := append(g.Descendants(id), id)
			g.log.Debug("replacing node", "node", id, "removed", removed)
			for _, r := range removed {
				g.removeNode(r)
			}
		default:
			return fmt.Errorf("adding node %q: invalid mode %q", id, mode)
		}
	}
	g.nodes[id] = n
	g.seq[id] = g.next
	g.next++
	return nil
}

func checkPortNames(n Node) error {
	for _, names := range [][]string{n.InputNames(), n.OutputNames()} {
		seen := make(map[string]struct{}, len(names))
		for _, name := range names {
			if name == "" {
				return fmt.Errorf("node %q: empty port name", n.ID())
			}
			if _, dup := seen[name]; dup {
				return fmt.Errorf("node %q: duplicate port %q", n.ID(), name)
			}
			seen[name] = struct{}{}
		}
	}
	return nil
}

func (g *Graph) removeNode(id string) {
	for child := range g.succ[id] {
		delete(g.pred[child], id)
	}
	for parent := range g.pred[id] {
		delete(g.succ[parent], id)
	}
	delete(g.succ, id)
	delete(g.pred, id)
	delete(g.nodes, id)
	delete(g.seq, id)
}

// Connect adds an edge from parent's output to child's input. On a cycle the
// edge is rolled back and the graph is left exactly as before the call.
func (g *Graph) Connect(parent, child Endpoint) error {
	p, ok := g.nodes[parent.Node]
	if !ok {
		return fmt.Errorf("connecting %q: %w", parent.Node, ErrUnknownNode)
	}
	c, ok := g.nodes[child.Node]
	if !ok {
		return fmt.Errorf("connecting %q: %w", child.Node, ErrUnknownNode)
	}
	out, err := resolvePort(p.ID(), "output", p.OutputNames(), parent.Port)
	if err != nil {
		return err
	}
	in, err := resolvePort(c.ID(), "input", c.InputNames(), child.Port)
	if err != nil {
		return err
	}
	for pid := range g.pred[child.Node] {
		if _, taken := g.succ[pid][child.Node][in]; taken {
			return fmt.Errorf("connecting %q.%s to %q.%s: %w (producer %q)",
				parent.Node, out, child.Node, in, ErrInputConnected, pid)
		}
	}

	if g.succ[parent.Node] == nil {
		g.succ[parent.Node] = make(map[string]map[string]string)
	}
	ports := g.succ[parent.Node][child.Node]
	if ports == nil {
		ports = make(map[string]string)
		g.succ[parent.Node][child.Node] = ports
	}
	ports[in] = out
	if g.pred[child.Node] == nil {
		g.pred[child.Node] = make(map[string]struct{})
	}
	g.pred[child.Node][parent.Node] = struct{}{}

	if _, err := g.TopologicalOrder(); err != nil {
		delete(ports, in)
		if len(ports) == 0 {
			delete(g.succ[parent.Node], child.Node)
			delete(g.pred[child.Node], parent.Node)
		}
		return fmt.Errorf("connecting %q to %q: %w", parent.Node, child.Node, ErrCycle)
	}
	return nil
}

func resolvePort(node, kind string, names []string, port string) (string, error) {
	if port == "" {
		if len(names) != 1 {
			return "", fmt.Errorf("node %q has %d %ss: %w", node, len(names), kind, ErrAmbiguousPort)
		}
		return names[0], nil
	}
	if !contains(names, port) {
		return "", fmt.Errorf("node %q has no %s %q: %w", node, kind, port, ErrUnknownPort)
	}
	return port, nil
}

// TopologicalOrder returns all node ids using Kahn's algorithm. Ties are
// broken by insertion order so the result is deterministic.
func (g *Graph) TopologicalOrder() ([]string, error) {
	indeg := make(map[string]int, len(g.nodes))
	for id := range g.nodes {
		indeg[id] = len(g.pred[id])
	}
	ready := make([]string, 0, len(g.nodes))
	for _, id := range g.ids() {
		if indeg[id] == 0 {
			ready = append(ready, id)
		}
	}
	order := make([]string, 0, len(g.nodes))
	for len(ready) > 0 {
		id := ready[0]
		ready = ready[1:]
		order = append(order, id)
		for _, child := range g.sortBySeq(keys(g.succ[id])) {
			indeg[child]--
			if indeg[child] == 0 {
				ready = append(ready, child)
			}
		}
	}
	if len(order) != len(g.nodes) {
		return nil, ErrCycle
	}
	return order, nil
}

// Sources returns nodes without predecessors, in topological order.
func (g *Graph) Sources() ([]string, error) {
	return g.filterTopo(func(id string) bool { return len(g.pred[id]) == 0 })
}

// Sinks returns nodes without successors, in topological order.
func (g *Graph) Sinks() ([]string, error) {
	return g.filterTopo(func(id string) bool { return len(g.succ[id]) == 0 })
}

// UniqueSink returns the only sink of the graph.
func (g *Graph) UniqueSink() (string, error) {
	sinks, err := g.Sinks()
	if err != nil {
		return "", err
	}
	if len(sinks) != 1 {
		return "", fmt.Errorf("graph %q has %d sinks, want exactly one", g.name, len(sinks))
	}
	return sinks[0], nil
}

func (g *Graph) filterTopo(keep func(string) bool) ([]string, error) {
	order, err := g.TopologicalOrder()
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(order))
	for _, id := range order {
		if keep(id) {
			out = append(out, id)
		}
	}
	return out, nil
}

// Ancestors returns every node from which id is reachable.
func (g *Graph) Ancestors(id string) []string {
	return g.reach(id, func(n string) []string { return keys(g.pred[n]) })
}

// Descendants returns every node reachable from id.
func (g *Graph) Descendants(id string) []string {
	return g.reach(id, func(n string) []string { return keys(g.succ[n]) })
}

func (g *Graph) reach(id string, next func(string) []string) []string {
	seen := map[string]struct{}{id: {}}
	stack := []string{id}
	var out []string
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, m := range next(n) {
			if _, ok := seen[m]; ok {
				continue
			}
			seen[m] = struct{}{}
			out = append(out, m)
			stack = append(stack, m)
		}
	}
	return g.sortBySeq(out)
}

// Edges lists every port mapping, ordered by parent, child and input.
func (g *Graph) Edges() []Edge {
	var edges []Edge
	for _, p := range g.ids() {
		for _, c := range g.sortBySeq(keys(g.succ[p])) {
			ins := make([]string, 0, len(g.succ[p][c]))
			for in := range g.succ[p][c] {
				ins = append(ins, in)
			}
			sort.Strings(ins)
			for _, in := range ins {
				edges = append(edges, Edge{Parent: p, Output: g.succ[p][c][in], Child: c, Input: in})
			}
		}
	}
	return edges
}

// ids returns node ids in insertion order.
func (g *Graph) ids() []string {
	return g.sortBySeq(keys(g.nodes))
}

func (g *Graph) sortBySeq(ids []string) []string {
	sort.Slice(ids, func(i, j int) bool { return g.seq[ids[i]] < g.seq[ids[j]] })
	return ids
}

func keys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
