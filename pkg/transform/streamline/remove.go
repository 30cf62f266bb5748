package streamline

import (
	"slices"

	"github.com/zerfoo/zdataflow/pkg/graph"
	"github.com/zerfoo/zdataflow/pkg/infer"
	"github.com/zerfoo/zdataflow/pkg/transform"
)

// identityInput returns the data input of n when n computes the identity
// function on it.
func identityInput(g *graph.Graph, n graph.Node) (string, bool) {
	out := shapeOf(g, n.Output(0))
	switch n.Op {
	case graph.OpIdentity:
		return n.Input(0), true
	case graph.OpMul, graph.OpAdd:
		data, c, ok := splitConst(g, n)
		if !ok || !out.Equal(shapeOf(g, n.Inputs[data])) {
			return "", false
		}
		neutral := 0.0
		if n.Op == graph.OpMul {
			neutral = 1
		}
		if slices.ContainsFunc(c.Value, func(v float64) bool { return v != neutral }) {
			return "", false
		}
		return n.Inputs[data], true
	case graph.OpReshape, graph.OpFlatten:
		in := shapeOf(g, n.Input(0))
		return n.Input(0), in.Known() && in.Equal(out)
	case graph.OpTranspose:
		in := shapeOf(g, n.Input(0))
		perm := infer.Perm(n, len(in))
		return n.Input(0), in != nil && slices.Equal(perm, identityPerm(len(perm)))
	}
	return "", false
}

func identityPerm(rank int) []int {
	perm := make([]int, rank)
	for i := range perm {
		perm[i] = i
	}
	return perm
}

// RemoveIdentityOps removes operations that compute the identity: Identity,
// Mul by ones, Add of zeros, shape-preserving Reshape/Flatten and Transpose
// with the identity permutation.
func RemoveIdentityOps() transform.Transformation {
	return rewrite("RemoveIdentityOps", func(g *graph.Graph, n graph.Node) (transform.Match, error) {
		in, ok := identityInput(g, n)
		if !ok {
			return nil, nil
		}
		out := n.Output(0)
		if g.IsOutput(out) && (g.IsInput(in) || g.IsConstant(in) || g.IsOutput(in)) {
			return nil, nil
		}
		return func(ed *graph.Editor) error {
			ed.RemoveNode(n.Name)
			if g.IsOutput(out) {
				// keep the graph output name: the producer of in writes it directly
				ed.RemoveTensor(out)
				ed.RenameTensor(in, out)
				return nil
			}
			ed.ReplaceUses(out, in)
			return nil
		}, nil
	})
}
