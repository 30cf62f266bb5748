package streamline

import (
	"github.com/zerfoo/zdataflow/pkg/graph"
	"github.com/zerfoo/zdataflow/pkg/transform"
)

// MoveMulPastDWConv commutes a scalar or per-channel constant Mul past the
// depthwise convolution it feeds. The multiplier is repeated once per depth
// multiplier so it scales the matching output channels.
func MoveMulPastDWConv() transform.Transformation {
	return rewrite("MoveMulPastDWConv", func(g *graph.Graph, mul graph.Node) (transform.Match, error) {
		if mul.Op != graph.OpMul {
			return nil, nil
		}
		data, s, ok := splitConst(g, mul)
		if !ok {
			return nil, nil
		}
		conv, ok := next(g, mul, graph.OpConv)
		if !ok || conv.Input(0) != mul.Outputs[0] {
			return nil, nil
		}
		x, w := shapeOf(g, mul.Inputs[data]), shapeOf(g, conv.Input(1))
		if len(x) != 4 || len(w) != 4 {
			return nil, nil
		}
		channels := x[1]
		if int(conv.Attrs.Int("group", 1)) != channels || w[1] != 1 {
			return nil, nil
		}
		scale, ok := channelVector(s, 4, 1, channels)
		if !ok {
			return nil, nil
		}
		outChannels := w[0]
		perOut := graph.Tensor{DataType: graph.Float32, Shape: graph.Shape{1, outChannels, 1, 1}, Value: make([]float64, outChannels)}
		mult := outChannels / channels
		for o := range outChannels {
			perOut.Value[o] = scale[o/mult]
		}
		return func(ed *graph.Editor) error {
			mul.Inputs = []string{mul.Inputs[data], addConst(ed, s.Name, perOut)}
			swap(ed, mul, 0, conv)
			return nil
		}, nil
	})
}

// MoveTransposePastScalarMul commutes a Transpose past a following Mul by a
// scalar constant.
func MoveTransposePastScalarMul() transform.Transformation {
	return rewrite("MoveTransposePastScalarMul", func(g *graph.Graph, tr graph.Node) (transform.Match, error) {
		if tr.Op != graph.OpTranspose {
			return nil, nil
		}
		mul, ok := next(g, tr, graph.OpMul)
		if !ok {
			return nil, nil
		}
		data, s, ok := splitConst(g, mul)
		if !ok || !isScalar(s) || mul.Inputs[data] != tr.Outputs[0] || len(s.Shape) > len(shapeOf(g, tr.Outputs[0])) {
			return nil, nil
		}
		return func(ed *graph.Editor) error {
			swap(ed, tr, 0, mul)
			return nil
		}, nil
	})
}

// flattenInput reports whether a flatten's input is (N, 1, ..., 1, C), the
// shape for which the flattened and unflattened channel axes coincide.
func flattenInput(g *graph.Graph, fl graph.Node) (graph.Shape, bool) {
	x := shapeOf(g, fl.Input(0))
	if len(x) < 2 || fl.Attrs.Int("axis", 1) != 1 {
		return nil, false
	}
	for _, d := range x[1 : len(x)-1] {
		if d != 1 {
			return nil, false
		}
	}
	return x, true
}

// MoveFlattenPastAffine moves a Flatten one hop past a following MatMul with
// constant weights, or a Mul/Add with a scalar or per-channel constant.
func MoveFlattenPastAffine() transform.Transformation {
	return rewrite("MoveFlattenPastAffine", func(g *graph.Graph, fl graph.Node) (transform.Match, error) {
		if fl.Op != graph.OpFlatten {
			return nil, nil
		}
		x, ok := flattenInput(g, fl)
		if !ok || len(x) == 2 {
			return nil, nil
		}
		c, ok := g.SingleConsumer(fl.Outputs[0])
		if !ok {
			return nil, nil
		}
		switch c.Op {
		case graph.OpMatMul:
			if c.Input(0) != fl.Outputs[0] || !g.IsConstant(c.Input(1)) {
				return nil, nil
			}
		case graph.OpMul, graph.OpAdd:
			data, p, ok := splitConst(g, c)
			if !ok || c.Inputs[data] != fl.Outputs[0] {
				return nil, nil
			}
			if _, ok := channelVector(p, 2, 1, x[len(x)-1]); !ok {
				return nil, nil
			}
		default:
			return nil, nil
		}
		return func(ed *graph.Editor) error {
			swap(ed, fl, 0, c)
			return nil
		}, nil
	}, transform.SingleStep())
}

// MoveFlattenPastTopK moves a Flatten past a TopK over the last axis.
func MoveFlattenPastTopK() transform.Transformation {
	return rewrite("MoveFlattenPastTopK", func(g *graph.Graph, fl graph.Node) (transform.Match, error) {
		if fl.Op != graph.OpFlatten {
			return nil, nil
		}
		x, ok := flattenInput(g, fl)
		if !ok || len(x) == 2 {
			return nil, nil
		}
		topk, ok := next(g, fl, graph.OpTopK)
		if !ok {
			return nil, nil
		}
		if axis := topk.Attrs.Int("axis", -1); axis != -1 && axis != 1 {
			return nil, nil
		}
		return func(ed *graph.Editor) error {
			if topk.Attrs == nil {
				topk.Attrs = graph.Attrs{}
			}
			topk.Attrs["axis"] = int64(-1)
			swap(ed, fl, 0, topk)
			return nil
		}, nil
	})
}

// MoveScalarMulPastMatMul commutes a scalar constant Mul past the MatMul it
// feeds as the left operand.
func MoveScalarMulPastMatMul() transform.Transformation {
	return rewrite("MoveScalarMulPastMatMul", func(g *graph.Graph, mul graph.Node) (transform.Match, error) {
		if mul.Op != graph.OpMul {
			return nil, nil
		}
		data, s, ok := splitConst(g, mul)
		if !ok || !isScalar(s) || len(s.Shape) > 2 {
			return nil, nil
		}
		mm, ok := next(g, mul, graph.OpMatMul)
		if !ok || mm.Input(0) != mul.Outputs[0] || !g.IsConstant(mm.Input(1)) {
			return nil, nil
		}
		return func(ed *graph.Editor) error {
			swap(ed, mul, data, mm)
			return nil
		}, nil
	})
}
