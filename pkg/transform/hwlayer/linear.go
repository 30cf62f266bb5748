package hwlayer

import (
	"github.com/zerfoo/zdataflow/pkg/graph"
	"github.com/zerfoo/zdataflow/pkg/infer"
	"github.com/zerfoo/zdataflow/pkg/transform"
)

// InferChannelwiseLinear converts integer Add and Mul nodes with a scalar
// or per-channel constant along the last axis into ChannelwiseOp_Batch.
func InferChannelwiseLinear() transform.Transformation {
	return rule("InferChannelwiseLinear", inferChannelwise)
}

func inferChannelwise(g *graph.Graph, n graph.Node) (transform.Match, error) {
	if (n.Op != graph.OpAdd && n.Op != graph.OpMul) || len(n.Inputs) != 2 {
		return nil, nil
	}
	data, p := 0, graph.Tensor{}
	if t, ok := constant(g, n.Inputs[1]); ok {
		p = t
	} else if t, ok := constant(g, n.Inputs[0]); ok {
		data, p = 1, t
	} else {
		return nil, nil
	}
	x, ok := integerInput(g, n, data)
	if !ok || g.IsConstant(x.Name) || !p.DataType.IsInteger() {
		return nil, nil
	}
	if len(x.Shape) == 0 {
		return nil, unsupported("InferChannelwiseLinear", n, "scalar input")
	}
	c := x.Shape[len(x.Shape)-1]
	vec, ok := lastAxisVector(p, len(x.Shape), c)
	if !ok {
		return nil, unsupported("InferChannelwiseLinear", n, "parameter %s does not follow the last axis of %s", p.Shape, x.Shape)
	}
	fn := "mul"
	if n.Op == graph.OpAdd {
		fn = "add"
	}

	return func(ed *graph.Editor) error {
		param := graph.Tensor{
			Name:     ed.UniqueTensorName(p.Name + "_channelwise"),
			DataType: p.DataType,
			Shape:    graph.Shape{c},
			Value:    vec,
		}
		ed.SetTensor(param)
		ed.ReplaceNode(graph.Node{
			Name:    n.Name,
			Op:      graph.OpChannelwise,
			Inputs:  []string{x.Name, param.Name},
			Outputs: n.Outputs,
			Attrs: graph.Attrs{
				"Func":            fn,
				"NumChannels":     int64(c),
				"PE":              int64(1),
				"NumInputVectors": graph.IntList(x.Shape[:len(x.Shape)-1]...),
				"inputDataType":   x.DataType.String(),
				"paramDataType":   p.DataType.String(),
				"outputDataType":  infer.Arithmetic(x.DataType, p.DataType).String(),
			},
		})
		return nil
	}, nil
}

// lastAxisVector expands a scalar, or a parameter varying only along the
// last axis of a rank-r input, into c values.
func lastAxisVector(p graph.Tensor, rank, c int) ([]float64, bool) {
	if len(p.Shape) > rank {
		return nil, false
	}
	if len(p.Value) == 1 {
		vec := make([]float64, c)
		for i := range vec {
			vec[i] = p.Value[0]
		}
		return vec, true
	}
	if len(p.Value) != c || p.Shape[len(p.Shape)-1] != c {
		return nil, false
	}
	return p.Value, true
}

// InferLabelSelect converts an integer TopK over the last axis into a
// LabelSelect_Batch layer emitting the narrowest index type.
func InferLabelSelect() transform.Transformation {
	return rule("InferLabelSelect", inferLabelSelect)
}

func inferLabelSelect(g *graph.Graph, n graph.Node) (transform.Match, error) {
	if n.Op != graph.OpTopK {
		return nil, nil
	}
	x, ok := integerInput(g, n, 0)
	if !ok {
		return nil, nil
	}
	rank := len(x.Shape)
	if rank == 0 || infer.Axis(n, "axis", -1, rank) != rank-1 {
		return nil, unsupported("InferLabelSelect", n, "selection along axis %d of %s", n.Attrs.Int("axis", -1), x.Shape)
	}
	labels := x.Shape[rank-1]
	odt := graph.SmallestIntFor(0, float64(labels-1))

	return func(ed *graph.Editor) error {
		ed.ReplaceNode(graph.Node{
			Name:    n.Name,
			Op:      graph.OpLabelSelect,
			Inputs:  n.Inputs,
			Outputs: n.Outputs,
			Attrs: graph.Attrs{
				"Labels":         int64(labels),
				"K":              n.Attrs.Int("k", 1),
				"PE":             int64(1),
				"inputDataType":  x.DataType.String(),
				"outputDataType": odt.String(),
			},
		})
		return nil
	}, nil
}
