// Package graph is the immutable-snapshot representation of a network:
// operation nodes connected through named tensors. A Graph is never mutated
// once built; Edit returns an Editor whose Commit produces the next snapshot.
package graph

import (
	"container/heap"
	"iter"
	"maps"
	"slices"
)

// Definition is the plain, mutable description a Graph is built from.
type Definition struct {
	Name    string
	Inputs  []string
	Outputs []string
	Nodes   []Node
	Tensors []Tensor
}

// Graph is one immutable snapshot of the network.
type Graph struct {
	name    string
	version int
	fresh   bool

	inputs  []string
	outputs []string
	nodes   []Node // canonical topological order
	index   map[string]int

	tensors   map[string]Tensor
	producer  map[string]int
	consumers map[string][]int
}

// New validates def and builds the first snapshot of a graph.
func New(def Definition) (*Graph, error) {
	return build(def, 0)
}

func build(def Definition, version int) (*Graph, error) {
	g := &Graph{
		name:      def.Name,
		version:   version,
		inputs:    slices.Clone(def.Inputs),
		outputs:   slices.Clone(def.Outputs),
		tensors:   make(map[string]Tensor, len(def.Tensors)),
		producer:  make(map[string]int),
		consumers: make(map[string][]int),
	}

	for _, t := range def.Tensors {
		if t.Name == "" {
			return nil, &MalformedGraphError{Reason: "tensor without a name"}
		}
		if _, dup := g.tensors[t.Name]; dup {
			return nil, &MalformedGraphError{Kind: "tensor", Name: t.Name, Reason: "duplicate tensor name"}
		}
		if t.Value != nil && t.Shape.Known() && t.Shape.NumElements() != len(t.Value) {
			return nil, &MalformedGraphError{Kind: "tensor", Name: t.Name, Reason: "constant value does not match its shape"}
		}
		g.tensors[t.Name] = t.Clone()
	}

	isInput := make(map[string]bool, len(g.inputs))
	for _, in := range g.inputs {
		if in == "" || isInput[in] {
			return nil, &MalformedGraphError{Kind: "tensor", Name: in, Reason: "duplicate or empty graph input"}
		}
		isInput[in] = true
		t, ok := g.tensors[in]
		if !ok {
			g.tensors[in] = Tensor{Name: in}
		} else if t.IsConstant() {
			return nil, &MalformedGraphError{Kind: "tensor", Name: in, Reason: "graph input declared as constant"}
		}
	}

	nodes := make([]Node, len(def.Nodes))
	names := make(map[string]int, len(def.Nodes))
	for i, n := range def.Nodes {
		if n.Name == "" {
			return nil, &MalformedGraphError{Reason: "node without a name"}
		}
		if _, dup := names[n.Name]; dup {
			return nil, &MalformedGraphError{Kind: "node", Name: n.Name, Reason: "duplicate node name"}
		}
		for k, v := range n.Attrs {
			if !validAttr(v) {
				return nil, &MalformedGraphError{Kind: "node", Name: n.Name, Reason: "unsupported value for attribute " + k}
			}
		}
		names[n.Name] = i
		nodes[i] = n.Clone()
		for _, out := range n.Outputs {
			if out == "" {
				return nil, &MalformedGraphError{Kind: "node", Name: n.Name, Reason: "node output without a name"}
			}
			if _, dup := g.producer[out]; dup || isInput[out] {
				return nil, &MalformedGraphError{Kind: "tensor", Name: out, Reason: "tensor produced more than once"}
			}
			if t, ok := g.tensors[out]; ok && t.IsConstant() {
				return nil, &MalformedGraphError{Kind: "tensor", Name: out, Reason: "constant tensor produced by a node"}
			}
			g.producer[out] = i
			if _, ok := g.tensors[out]; !ok {
				g.tensors[out] = Tensor{Name: out}
			}
		}
	}

	for i, n := range nodes {
		for _, in := range n.Inputs {
			t, declared := g.tensors[in]
			_, produced := g.producer[in]
			if !produced && !isInput[in] && !(declared && t.IsConstant()) {
				return nil, &MalformedGraphError{Kind: "tensor", Name: in, Reason: "dangling tensor reference in node " + n.Name}
			}
			if !slices.Contains(g.consumers[in], i) {
				g.consumers[in] = append(g.consumers[in], i)
			}
		}
	}

	seenOut := make(map[string]bool, len(g.outputs))
	for _, out := range g.outputs {
		_, produced := g.producer[out]
		if seenOut[out] || (!produced && !isInput[out]) {
			return nil, &MalformedGraphError{Kind: "tensor", Name: out, Reason: "graph output is duplicated or never produced"}
		}
		seenOut[out] = true
	}

	for name := range g.tensors {
		_, produced := g.producer[name]
		if !produced && !isInput[name] && len(g.consumers[name]) == 0 {
			delete(g.tensors, name)
		}
	}

	order, ok := topoOrder(nodes, g.producer)
	if !ok {
		return nil, &MalformedGraphError{Kind: "node", Name: nodes[firstUnordered(order, len(nodes))].Name, Reason: "cycle detected at node"}
	}
	g.nodes = make([]Node, len(order))
	g.index = make(map[string]int, len(order))
	remap := make([]int, len(order))
	for pos, idx := range order {
		g.nodes[pos] = nodes[idx]
		g.index[nodes[idx].Name] = pos
		remap[idx] = pos
	}
	for t, idx := range g.producer {
		g.producer[t] = remap[idx]
	}
	for t, idxs := range g.consumers {
		mapped := make([]int, len(idxs))
		for j, idx := range idxs {
			mapped[j] = remap[idx]
		}
		slices.Sort(mapped)
		g.consumers[t] = mapped
	}
	return g, nil
}

type indexHeap []int

func (h indexHeap) Len() int           { return len(h) }
func (h indexHeap) Less(i, j int) bool { return h[i] < h[j] }
func (h indexHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *indexHeap) Push(x any)        { *h = append(*h, x.(int)) }
func (h *indexHeap) Pop() any {
	old := *h
	x := old[len(old)-1]
	*h = old[:len(old)-1]
	return x
}

// topoOrder is Kahn's algorithm with the ready set ordered by declaration
// index, so the order is a pure function of the definition.
func topoOrder(nodes []Node, producer map[string]int) ([]int, bool) {
	indeg := make([]int, len(nodes))
	succ := make([][]int, len(nodes))
	for i, n := range nodes {
		deps := make(map[int]bool)
		for _, in := range n.Inputs {
			if p, ok := producer[in]; ok && !deps[p] {
				deps[p] = true
				indeg[i]++
				succ[p] = append(succ[p], i)
			}
		}
	}
	ready := &indexHeap{}
	for i, d := range indeg {
		if d == 0 {
			heap.Push(ready, i)
		}
	}
	order := make([]int, 0, len(nodes))
	for ready.Len() > 0 {
		i := heap.Pop(ready).(int)
		order = append(order, i)
		for _, s := range succ[i] {
			indeg[s]--
			if indeg[s] == 0 {
				heap.Push(ready, s)
			}
		}
	}
	return order, len(order) == len(nodes)
}

func firstUnordered(order []int, n int) int {
	done := make([]bool, n)
	for _, i := range order {
		done[i] = true
	}
	for i := range done {
		if !done[i] {
			return i
		}
	}
	return 0
}

// Name returns the graph name.
func (g *Graph) Name() string { return g.name }

// Version counts the structural commits that led to this snapshot.
func (g *Graph) Version() int { return g.version }

// MetadataFresh reports whether tensor metadata was re-derived after the last
// structural change.
func (g *Graph) MetadataFresh() bool { return g.fresh }

// Inputs returns the graph input tensor names.
func (g *Graph) Inputs() []string { return slices.Clone(g.inputs) }

// Outputs returns the graph output tensor names.
func (g *Graph) Outputs() []string { return slices.Clone(g.outputs) }

// NumNodes returns the number of nodes.
func (g *Graph) NumNodes() int { return len(g.nodes) }

// Node looks up a node by name.
func (g *Graph) Node(name string) (Node, error) {
	i, ok := g.index[name]
	if !ok {
		return Node{}, &NotFoundError{Kind: "node", Name: name}
	}
	return g.nodes[i].Clone(), nil
}

// Tensor looks up a tensor by name.
func (g *Graph) Tensor(name string) (Tensor, error) {
	t, ok := g.tensors[name]
	if !ok {
		return Tensor{}, &NotFoundError{Kind: "tensor", Name: name}
	}
	return t.Clone(), nil
}

// Topo yields the nodes in dependency order. Each call starts a fresh sequence.
func (g *Graph) Topo() iter.Seq[Node] {
	return func(yield func(Node) bool) {
		for _, n := range g.nodes {
			if !yield(n.Clone()) {
				return
			}
		}
	}
}

// Tensors yields every tensor sorted by name.
func (g *Graph) Tensors() iter.Seq[Tensor] {
	return func(yield func(Tensor) bool) {
		for _, name := range slices.Sorted(maps.Keys(g.tensors)) {
			if !yield(g.tensors[name].Clone()) {
				return
			}
		}
	}
}

// Producer returns the node writing tensor, if any.
func (g *Graph) Producer(tensor string) (Node, bool) {
	i, ok := g.producer[tensor]
	if !ok {
		return Node{}, false
	}
	return g.nodes[i].Clone(), true
}

// Consumers returns the nodes reading tensor, in topological order.
func (g *Graph) Consumers(tensor string) []Node {
	idxs := g.consumers[tensor]
	out := make([]Node, len(idxs))
	for i, idx := range idxs {
		out[i] = g.nodes[idx].Clone()
	}
	return out
}

// SingleConsumer returns the only consumer of tensor when it is also not a
// graph output.
func (g *Graph) SingleConsumer(tensor string) (Node, bool) {
	idxs := g.consumers[tensor]
	if len(idxs) != 1 || g.IsOutput(tensor) {
		return Node{}, false
	}
	return g.nodes[idxs[0]].Clone(), true
}

// IsInput reports whether name is a graph input.
func (g *Graph) IsInput(name string) bool { return slices.Contains(g.inputs, name) }

// IsOutput reports whether name is a graph output.
func (g *Graph) IsOutput(name string) bool { return slices.Contains(g.outputs, name) }

// IsConstant reports whether name is a constant tensor.
func (g *Graph) IsConstant(name string) bool {
	t, ok := g.tensors[name]
	return ok && t.IsConstant()
}

// Definition returns a deep copy of the graph as a Definition, nodes in
// topological order and tensors sorted by name.
func (g *Graph) Definition() Definition {
	def := Definition{
		Name:    g.name,
		Inputs:  slices.Clone(g.inputs),
		Outputs: slices.Clone(g.outputs),
		Nodes:   make([]Node, len(g.nodes)),
	}
	for i, n := range g.nodes {
		def.Nodes[i] = n.Clone()
	}
	for t := range g.Tensors() {
		def.Tensors = append(def.Tensors, t)
	}
	return def
}

// WithMetadata returns a snapshot whose tensors carry the given datatype,
// shape and layout annotations, marked fresh. Structure and Version are
// unchanged and constant values are kept.
func (g *Graph) WithMetadata(meta map[string]Tensor) (*Graph, error) {
	tensors := maps.Clone(g.tensors)
	for name, m := range meta {
		t, ok := tensors[name]
		if !ok {
			return nil, &NotFoundError{Kind: "tensor", Name: name}
		}
		t.DataType = m.DataType
		t.Shape = m.Shape.Clone()
		t.Layout = m.Layout
		tensors[name] = t
	}
	next := *g
	next.tensors = tensors
	next.fresh = true
	return &next, nil
}

// Equal reports whether two snapshots describe the same structure and
// metadata. Version, freshness and node order are ignored.
func Equal(a, b *Graph) bool {
	if a == b {
		return true
	}
	if a == nil || b == nil {
		return false
	}
	if a.name != b.name || !slices.Equal(a.inputs, b.inputs) || !slices.Equal(a.outputs, b.outputs) {
		return false
	}
	if len(a.nodes) != len(b.nodes) || len(a.tensors) != len(b.tensors) {
		return false
	}
	for _, n := range a.nodes {
		j, ok := b.index[n.Name]
		if !ok || !n.equal(b.nodes[j]) {
			return false
		}
	}
	for name, t := range a.tensors {
		o, ok := b.tensors[name]
		if !ok || !t.equal(o) {
			return false
		}
	}
	return true
}
