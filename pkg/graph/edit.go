package graph

import (
	"fmt"
	"slices"
)

// Editor accumulates modifications against a base snapshot. The base is
// never touched; Commit validates the result and returns a new snapshot.
type Editor struct {
	base    *Graph
	def     Definition
	tensors map[string]int
	used    map[string]bool
	err     error
}

// Edit starts a modification of g.
func (g *Graph) Edit() *Editor {
	def := g.Definition()
	e := &Editor{
		base:    g,
		def:     def,
		tensors: make(map[string]int, len(def.Tensors)),
		used:    make(map[string]bool),
	}
	for i, t := range def.Tensors {
		e.tensors[t.Name] = i
		e.used[t.Name] = true
	}
	for _, n := range def.Nodes {
		e.used[n.Name] = true
	}
	return e
}

// Base returns the snapshot the editor started from.
func (e *Editor) Base() *Graph { return e.base }

func (e *Editor) fail(err error) {
	if e.err == nil {
		e.err = err
	}
}

func (e *Editor) nodeIndex(name string) int {
	return slices.IndexFunc(e.def.Nodes, func(n Node) bool { return n.Name == name })
}

// Node returns the current state of a node in the edit.
func (e *Editor) Node(name string) (Node, bool) {
	i := e.nodeIndex(name)
	if i < 0 {
		return Node{}, false
	}
	return e.def.Nodes[i].Clone(), true
}

// Tensor returns the current state of a tensor in the edit.
func (e *Editor) Tensor(name string) (Tensor, bool) {
	i, ok := e.tensors[name]
	if !ok {
		return Tensor{}, false
	}
	return e.def.Tensors[i].Clone(), true
}

// AddNode appends a node.
func (e *Editor) AddNode(n Node) {
	if e.nodeIndex(n.Name) >= 0 {
		e.fail(&MalformedGraphError{Kind: "node", Name: n.Name, Reason: "duplicate node name"})
		return
	}
	e.used[n.Name] = true
	e.def.Nodes = append(e.def.Nodes, n.Clone())
}

// RemoveNode deletes a node. Its output tensors become orphans and are
// dropped on Commit unless something else still references them.
func (e *Editor) RemoveNode(name string) {
	i := e.nodeIndex(name)
	if i < 0 {
		e.fail(&NotFoundError{Kind: "node", Name: name})
		return
	}
	e.def.Nodes = slices.Delete(e.def.Nodes, i, i+1)
}

// ReplaceNode swaps the node named n.Name for n, keeping its position.
func (e *Editor) ReplaceNode(n Node) {
	i := e.nodeIndex(n.Name)
	if i < 0 {
		e.fail(&NotFoundError{Kind: "node", Name: n.Name})
		return
	}
	e.def.Nodes[i] = n.Clone()
}

// RenameNode changes a node name.
func (e *Editor) RenameNode(from, to string) {
	if from == to {
		return
	}
	i := e.nodeIndex(from)
	if i < 0 {
		e.fail(&NotFoundError{Kind: "node", Name: from})
		return
	}
	if e.nodeIndex(to) >= 0 {
		e.fail(&MalformedGraphError{Kind: "node", Name: to, Reason: "duplicate node name"})
		return
	}
	e.used[to] = true
	e.def.Nodes[i].Name = to
}

// SetTensor adds a tensor or replaces the one with the same name.
func (e *Editor) SetTensor(t Tensor) {
	e.used[t.Name] = true
	if i, ok := e.tensors[t.Name]; ok {
		e.def.Tensors[i] = t.Clone()
		return
	}
	e.tensors[t.Name] = len(e.def.Tensors)
	e.def.Tensors = append(e.def.Tensors, t.Clone())
}

// RemoveTensor drops a tensor declaration. References to it must be rewired
// before Commit.
func (e *Editor) RemoveTensor(name string) {
	i, ok := e.tensors[name]
	if !ok {
		e.fail(&NotFoundError{Kind: "tensor", Name: name})
		return
	}
	e.def.Tensors = slices.Delete(e.def.Tensors, i, i+1)
	delete(e.tensors, name)
	for j := i; j < len(e.def.Tensors); j++ {
		e.tensors[e.def.Tensors[j].Name] = j
	}
}

// RenameTensor renames a tensor everywhere it is referenced, including the
// graph inputs and outputs.
func (e *Editor) RenameTensor(from, to string) {
	if from == to {
		return
	}
	if _, taken := e.tensors[to]; taken {
		e.fail(&MalformedGraphError{Kind: "tensor", Name: to, Reason: "duplicate tensor name"})
		return
	}
	if i, ok := e.tensors[from]; ok {
		e.def.Tensors[i].Name = to
		delete(e.tensors, from)
		e.tensors[to] = i
	}
	e.used[to] = true
	rename := func(xs []string) {
		for j, x := range xs {
			if x == from {
				xs[j] = to
			}
		}
	}
	for i := range e.def.Nodes {
		rename(e.def.Nodes[i].Inputs)
		rename(e.def.Nodes[i].Outputs)
	}
	rename(e.def.Inputs)
	rename(e.def.Outputs)
}

// ReplaceUses rewires every consumer of from, and the graph outputs, to read
// to instead. Producers are left alone.
func (e *Editor) ReplaceUses(from, to string) {
	for i := range e.def.Nodes {
		for j, in := range e.def.Nodes[i].Inputs {
			if in == from {
				e.def.Nodes[i].Inputs[j] = to
			}
		}
	}
	for j, out := range e.def.Outputs {
		if out == from {
			e.def.Outputs[j] = to
		}
	}
}

// SetInputs replaces the graph input list.
func (e *Editor) SetInputs(names ...string) { e.def.Inputs = slices.Clone(names) }

// SetOutputs replaces the graph output list.
func (e *Editor) SetOutputs(names ...string) { e.def.Outputs = slices.Clone(names) }

// UniqueTensorName returns base, or base with a numeric suffix, such that the
// name is unused in this edit. The name is reserved.
func (e *Editor) UniqueTensorName(base string) string {
	return e.unique(base)
}

// UniqueNodeName returns an unused node name derived from base.
func (e *Editor) UniqueNodeName(base string) string {
	return e.unique(base)
}

func (e *Editor) unique(base string) string {
	name := base
	for i := 1; e.used[name]; i++ {
		name = fmt.Sprintf("%s_%d", base, i)
	}
	e.used[name] = true
	return name
}

// Commit validates the edited definition and returns the next snapshot.
func (e *Editor) Commit() (*Graph, error) {
	if e.err != nil {
		return nil, e.err
	}
	return build(e.def, e.base.version+1)
}
