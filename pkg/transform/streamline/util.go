package streamline

import (
	"github.com/zerfoo/zdataflow/pkg/graph"
	"github.com/zerfoo/zdataflow/pkg/infer"
	"github.com/zerfoo/zdataflow/pkg/transform"
)

// rewrite builds a node rewrite that re-infers metadata after every match,
// so later matches in the same sweep see annotated tensors.
func rewrite(name string, fn transform.RewriteFunc, opts ...transform.RewriteOption) *transform.NodeRewrite {
	return transform.NewRewrite(name, fn, append(opts, transform.WithRefresh(infer.Run))...)
}

func constant(g *graph.Graph, name string) (graph.Tensor, bool) {
	t, err := g.Tensor(name)
	if err != nil || !t.IsConstant() {
		return graph.Tensor{}, false
	}
	return t, true
}

// splitConst returns the data input index and the constant operand of a
// binary node with exactly one constant input.
func splitConst(g *graph.Graph, n graph.Node) (int, graph.Tensor, bool) {
	if len(n.Inputs) != 2 {
		return 0, graph.Tensor{}, false
	}
	a, aConst := constant(g, n.Inputs[0])
	b, bConst := constant(g, n.Inputs[1])
	switch {
	case aConst && !bConst:
		return 1, a, true
	case bConst && !aConst:
		return 0, b, true
	}
	return 0, graph.Tensor{}, false
}

// next returns the only consumer of n's output when it has kind op.
func next(g *graph.Graph, n graph.Node, op graph.OpKind) (graph.Node, bool) {
	if len(n.Outputs) != 1 {
		return graph.Node{}, false
	}
	c, ok := g.SingleConsumer(n.Outputs[0])
	if !ok || c.Op != op {
		return graph.Node{}, false
	}
	return c, true
}

func inputIndex(n graph.Node, tensor string) int {
	for i, in := range n.Inputs {
		if in == tensor {
			return i
		}
	}
	return -1
}

func shapeOf(g *graph.Graph, name string) graph.Shape {
	t, err := g.Tensor(name)
	if err != nil {
		return nil
	}
	return t.Shape
}

func isScalar(t graph.Tensor) bool { return len(t.Value) == 1 }

// channelVector expands a scalar or a parameter broadcast along axis of a
// rank-r tensor into one value per channel.
func channelVector(p graph.Tensor, rank, axis, channels int) ([]float64, bool) {
	if len(p.Shape) > rank {
		return nil, false
	}
	if isScalar(p) {
		vec := make([]float64, channels)
		for i := range vec {
			vec[i] = p.Value[0]
		}
		return vec, true
	}
	if len(p.Value) != channels {
		return nil, false
	}
	lead := rank - len(p.Shape)
	for i, d := range p.Shape {
		if lead+i != axis && d != 1 {
			return nil, false
		}
	}
	return p.Value, true
}

// swap moves first past second. first must feed second through its only
// output; afterwards second reads first's data input and first produces
// second's original output.
func swap(ed *graph.Editor, first graph.Node, firstData int, second graph.Node) {
	link := first.Outputs[0]
	secondData := inputIndex(second, link)
	second.Inputs[secondData] = first.Inputs[firstData]
	out := second.Outputs[0]
	second.Outputs[0] = link
	first.Inputs[firstData] = link
	first.Outputs[0] = out
	ed.ReplaceNode(second)
	ed.ReplaceNode(first)
}

// combine folds two constants into one by elementwise broadcasting.
func combine(a, b graph.Tensor, fn func(x, y float64) float64) (graph.Tensor, error) {
	shape, err := graph.Broadcast(a.Shape, b.Shape)
	if err != nil {
		return graph.Tensor{}, err
	}
	out := graph.Tensor{DataType: graph.Float32, Shape: shape, Value: make([]float64, shape.NumElements())}
	idx := make([]int, len(shape))
	for off := range out.Value {
		rem := off
		for i := len(shape) - 1; i >= 0; i-- {
			idx[i] = rem % shape[i]
			rem /= shape[i]
		}
		out.Value[off] = fn(a.Value[offset(a.Shape, idx)], b.Value[offset(b.Shape, idx)])
	}
	return out, nil
}

// offset locates the element of a broadcast operand addressed by an index
// of the broadcast result.
func offset(shape graph.Shape, idx []int) int {
	lead := len(idx) - len(shape)
	off := 0
	for i, st := range shape.Strides() {
		if shape[i] != 1 {
			off += idx[lead+i] * st
		}
	}
	return off
}

func addConst(ed *graph.Editor, base string, t graph.Tensor) string {
	t.Name = ed.UniqueTensorName(base)
	ed.SetTensor(t)
	return t.Name
}
