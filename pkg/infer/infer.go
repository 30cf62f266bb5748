// Package infer re-derives shape, datatype and layout annotations for every
// tensor produced by a node, propagating from the graph inputs and constants.
package infer

import (
	"fmt"

	"github.com/zerfoo/zdataflow/pkg/graph"
)

// Run returns a snapshot whose tensor metadata is consistent with the
// operations producing it. On an already consistent, fresh graph it returns
// g itself.
func Run(g *graph.Graph) (*graph.Graph, error) {
	meta, changed, err := derive(g)
	if err != nil {
		return nil, err
	}
	if !changed && g.MetadataFresh() {
		return g, nil
	}
	return g.WithMetadata(meta)
}

// Check verifies that every produced tensor already carries the metadata its
// producer's rule derives. It reports the first stale tensor as an
// InferenceError.
func Check(g *graph.Graph) error {
	for n := range g.Topo() {
		ins, err := inputs(g, nil, n)
		if err != nil {
			return err
		}
		outs, err := inferNode(g, n, ins)
		if err != nil {
			return err
		}
		for i, name := range n.Outputs {
			cur, err := g.Tensor(name)
			if err != nil {
				return err
			}
			if !cur.SameMetadata(outs[i]) {
				return &graph.InferenceError{Node: n.Name, Op: n.OpType(), Reason: fmt.Sprintf(
					"stale metadata on %s: have %s %s %s, want %s %s %s",
					name, cur.DataType, cur.Shape, cur.Layout, outs[i].DataType, outs[i].Shape, outs[i].Layout)}
			}
		}
	}
	return nil
}

func derive(g *graph.Graph) (map[string]graph.Tensor, bool, error) {
	meta := make(map[string]graph.Tensor)
	changed := false
	for n := range g.Topo() {
		ins, err := inputs(g, meta, n)
		if err != nil {
			return nil, false, err
		}
		outs, err := inferNode(g, n, ins)
		if err != nil {
			return nil, false, err
		}
		for i, name := range n.Outputs {
			cur, err := g.Tensor(name)
			if err != nil {
				return nil, false, err
			}
			outs[i].Name = name
			if !cur.SameMetadata(outs[i]) {
				changed = true
			}
			meta[name] = outs[i]
		}
	}
	return meta, changed, nil
}

func inputs(g *graph.Graph, meta map[string]graph.Tensor, n graph.Node) ([]graph.Tensor, error) {
	ins := make([]graph.Tensor, len(n.Inputs))
	for i, name := range n.Inputs {
		if t, ok := meta[name]; ok {
			ins[i] = t
			continue
		}
		t, err := g.Tensor(name)
		if err != nil {
			return nil, err
		}
		if n.Op != graph.OpCustom && !t.Shape.Known() {
			return nil, &graph.InferenceError{Node: n.Name, Op: n.OpType(), Reason: "input " + name + " has unknown shape"}
		}
		ins[i] = t
	}
	return ins, nil
}

func inferNode(g *graph.Graph, n graph.Node, ins []graph.Tensor) ([]graph.Tensor, error) {
	if n.Op == graph.OpCustom {
		return keepDeclared(g, n)
	}
	r, ok := rules[n.Op]
	if !ok {
		return nil, &graph.InferenceError{Node: n.Name, Op: n.OpType(), Reason: "no inference rule"}
	}
	if want := r.inputs; want > 0 && len(ins) < want {
		return nil, &graph.InferenceError{Node: n.Name, Op: n.OpType(), Reason: fmt.Sprintf("expected %d inputs, got %d", want, len(ins))}
	}
	if len(n.Outputs) != 1 {
		return nil, &graph.InferenceError{Node: n.Name, Op: n.OpType(), Reason: fmt.Sprintf("expected 1 output, got %d", len(n.Outputs))}
	}
	outs, err := r.fn(n, ins)
	if err != nil {
		return nil, &graph.InferenceError{Node: n.Name, Op: n.OpType(), Reason: err.Error()}
	}
	return outs, nil
}

// keepDeclared passes through the annotations of operators the engine has no
// rule for; they must already be fully annotated.
func keepDeclared(g *graph.Graph, n graph.Node) ([]graph.Tensor, error) {
	outs := make([]graph.Tensor, len(n.Outputs))
	for i, name := range n.Outputs {
		t, err := g.Tensor(name)
		if err != nil {
			return nil, err
		}
		if !t.Shape.Known() || !t.DataType.IsSet() {
			return nil, &graph.InferenceError{Node: n.Name, Op: n.OpType(), Reason: "custom operator output " + name + " is not annotated"}
		}
		t.Value = nil
		outs[i] = t
	}
	return outs, nil
}
