package hwlayer

import (
	"github.com/zerfoo/zdataflow/pkg/buildcfg"
	"github.com/zerfoo/zdataflow/pkg/graph"
	"github.com/zerfoo/zdataflow/pkg/infer"
	"github.com/zerfoo/zdataflow/pkg/transform"
)

// InferVVAU converts a MatMul reading a depthwise input generator into a
// Vector_Vector_Activate_Batch layer, folding the following thresholds.
// The lowered weight matrix must connect every channel only to itself; its
// diagonal is repacked as one row of taps per channel.
func InferVVAU() transform.Transformation {
	return rule("InferVVAU", inferVVAU)
}

func inferVVAU(g *graph.Graph, n graph.Node) (transform.Match, error) {
	if n.Op != graph.OpMatMul {
		return nil, nil
	}
	gen, ok := g.Producer(n.Input(0))
	if !ok || gen.Op != graph.OpConvInpGen || gen.Attrs.Int("depthwise", 0) != 1 {
		return nil, nil
	}
	w, ok := constant(g, n.Input(1))
	if !ok {
		return nil, nil
	}
	x, ok := integerInput(g, n, 0)
	if !ok || !w.DataType.IsInteger() {
		return nil, nil
	}
	kernel := gen.Attrs.Ints("ConvKernelDim")
	if len(kernel) != 2 {
		return nil, unsupported("InferVVAU", gen, "missing ConvKernelDim")
	}
	k, c := kernel[0]*kernel[1], int(gen.Attrs.Int("IFMChannels", 0))
	if len(w.Shape) != 2 || w.Shape[0] != k*c || w.Shape[1] != c {
		return nil, unsupported("InferVVAU", n, "weights %s do not match %d taps of %d channels", w.Shape, k, c)
	}
	taps := make([]float64, c*k)
	for tap := range k {
		for ch := range c {
			for o := range c {
				v := w.Value[(tap*c+ch)*c+o]
				switch {
				case o == ch:
					taps[ch*k+tap] = v
				case v != 0:
					return nil, unsupported("InferVVAU", n, "weight %v connects channel %d to %d", v, ch, o)
				}
			}
		}
	}
	act, err := foldableThreshold(g, "InferVVAU", n)
	if err != nil {
		return nil, err
	}

	return func(ed *graph.Editor) error {
		wt := graph.Tensor{
			Name:     ed.UniqueTensorName(w.Name + "_vvau"),
			DataType: w.DataType,
			Shape:    graph.Shape{c, k},
			Value:    taps,
		}
		ed.SetTensor(wt)
		layer := graph.Node{
			Name:    n.Name,
			Op:      graph.OpVVAU,
			Inputs:  []string{n.Inputs[0], wt.Name},
			Outputs: n.Outputs,
			Attrs: graph.Attrs{
				"PE":             int64(1),
				"SIMD":           int64(1),
				"Kernel":         graph.IntList(kernel...),
				"Channels":       int64(c),
				"Dim":            graph.IntList(gen.Attrs.Ints("OFMDim")...),
				"inputDataType":  x.DataType.String(),
				"weightDataType": w.DataType.String(),
			},
		}
		act.fold(ed, &layer, infer.Arithmetic(x.DataType, w.DataType))
		ed.ReplaceNode(layer)
		return nil
	}, nil
}

// InferQuantizedFC converts integer MatMul nodes with constant weights into
// StreamingFCLayer_Batch layers storing their weights per memMode.
func InferQuantizedFC(memMode buildcfg.MemMode) transform.Transformation {
	return rule("InferQuantizedFC", func(g *graph.Graph, n graph.Node) (transform.Match, error) {
		return inferFC(g, n, memMode)
	})
}

func inferFC(g *graph.Graph, n graph.Node, memMode buildcfg.MemMode) (transform.Match, error) {
	if n.Op != graph.OpMatMul {
		return nil, nil
	}
	w, ok := constant(g, n.Input(1))
	if !ok {
		return nil, nil
	}
	x, ok := integerInput(g, n, 0)
	if !ok || !w.DataType.IsInteger() {
		return nil, nil
	}
	if len(w.Shape) != 2 {
		return nil, unsupported("InferQuantizedFC", n, "rank-%d weights", len(w.Shape))
	}
	act, err := foldableThreshold(g, "InferQuantizedFC", n)
	if err != nil {
		return nil, err
	}

	return func(ed *graph.Editor) error {
		layer := graph.Node{
			Name:    n.Name,
			Op:      graph.OpStreamingFC,
			Inputs:  n.Inputs,
			Outputs: n.Outputs,
			Attrs: graph.Attrs{
				"MW":             int64(w.Shape[0]),
				"MH":             int64(w.Shape[1]),
				"SIMD":           int64(1),
				"PE":             int64(1),
				"mem_mode":       string(memMode),
				"binaryXnorMode": int64(0),
				"inputDataType":  x.DataType.String(),
				"weightDataType": w.DataType.String(),
			},
		}
		act.fold(ed, &layer, infer.Arithmetic(x.DataType, w.DataType))
		ed.ReplaceNode(layer)
		return nil
	}, nil
}
