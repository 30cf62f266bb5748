package streamline

import (
	"github.com/zerfoo/zdataflow/pkg/graph"
	"github.com/zerfoo/zdataflow/pkg/transform"
)

func collapseRepeated(name string, op graph.OpKind, fn func(a, b float64) float64) transform.Transformation {
	return rewrite(name, func(g *graph.Graph, first graph.Node) (transform.Match, error) {
		if first.Op != op {
			return nil, nil
		}
		data, a, ok := splitConst(g, first)
		if !ok {
			return nil, nil
		}
		second, ok := next(g, first, op)
		if !ok {
			return nil, nil
		}
		_, b, ok := splitConst(g, second)
		if !ok {
			return nil, nil
		}
		merged, err := combine(a, b, fn)
		if err != nil {
			return nil, nil
		}
		return func(ed *graph.Editor) error {
			second.Inputs = []string{first.Inputs[data], addConst(ed, b.Name, merged)}
			ed.ReplaceNode(second)
			ed.RemoveNode(first.Name)
			return nil
		}, nil
	})
}

// CollapseRepeatedMul merges two chained Mul nodes with constant operands.
func CollapseRepeatedMul() transform.Transformation {
	return collapseRepeated("CollapseRepeatedMul", graph.OpMul, func(a, b float64) float64 { return a * b })
}

// CollapseRepeatedAdd merges two chained Add nodes with constant operands.
func CollapseRepeatedAdd() transform.Transformation {
	return collapseRepeated("CollapseRepeatedAdd", graph.OpAdd, func(a, b float64) float64 { return a + b })
}
