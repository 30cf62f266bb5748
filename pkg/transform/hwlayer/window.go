package hwlayer

import (
	"github.com/zerfoo/zdataflow/pkg/graph"
	"github.com/zerfoo/zdataflow/pkg/infer"
	"github.com/zerfoo/zdataflow/pkg/transform"
)

// InferPool turns integer MaxPool and AvgPool nodes into a sliding window
// generator feeding a Pool_Batch layer, wrapped in layout transposes when
// the pool works on NCHW data. Padding is only expressible for MaxPool over
// unsigned inputs, where the zero padding never wins the maximum.
func InferPool() transform.Transformation {
	return rule("InferPool", inferPool)
}

func inferPool(g *graph.Graph, n graph.Node) (transform.Match, error) {
	if n.Op != graph.OpMaxPool && n.Op != graph.OpAvgPool {
		return nil, nil
	}
	x, ok := integerInput(g, n, 0)
	if !ok {
		return nil, nil
	}
	if len(x.Shape) != 4 {
		return nil, unsupported("InferPool", n, "rank-%d input", len(x.Shape))
	}
	geo, err := infer.Geometry(n.Attrs, "kernel_shape", "strides", "pads", nil, nil)
	if err != nil {
		return nil, unsupported("InferPool", n, "%v", err)
	}
	if geo.Pads != [4]int{} && (n.Op == graph.OpAvgPool || x.DataType.Signed()) {
		return nil, unsupported("InferPool", n, "padded %s over %s", n.OpType(), x.DataType)
	}
	nhwc := n.Attrs.String("data_layout", "NCHW") == "NHWC"
	channels := x.Shape[1]
	if nhwc {
		channels = x.Shape[3]
	}
	odt := x.DataType
	if n.Op == graph.OpAvgPool {
		odt = graph.Float32
	}

	return func(ed *graph.Editor) error {
		in, out := n.Inputs[0], n.Outputs[0]
		ed.RemoveNode(n.Name)
		src, dst := in, out
		if !nhwc {
			src = ed.UniqueTensorName(in + "_nhwc")
			dst = ed.UniqueTensorName(out + "_nhwc")
			ed.AddNode(graph.Node{
				Name:    ed.UniqueNodeName(n.Name + "_to_nhwc"),
				Op:      graph.OpTranspose,
				Inputs:  []string{in},
				Outputs: []string{src},
				Attrs:   graph.Attrs{"perm": toNHWC},
			})
		}
		cols := ed.UniqueTensorName(out + "_im2col")
		ed.AddNode(graph.Node{
			Name:    ed.UniqueNodeName(n.Name + "_im2col"),
			Op:      graph.OpIm2Col,
			Inputs:  []string{src},
			Outputs: []string{cols},
			Attrs: graph.Attrs{
				"kernel_size": graph.IntList(geo.KH, geo.KW),
				"stride":      graph.IntList(geo.SH, geo.SW),
				"pad_amount":  graph.IntList(geo.Pads[:]...),
				"depthwise":   int64(1),
			},
		})
		ed.AddNode(graph.Node{
			Name:    n.Name,
			Op:      graph.OpPool,
			Inputs:  []string{cols},
			Outputs: []string{dst},
			Attrs: graph.Attrs{
				"Function":       n.OpType(),
				"PoolDim":        int64(geo.KH * geo.KW),
				"KernelSize":     graph.IntList(geo.KH, geo.KW),
				"Channels":       int64(channels),
				"PE":             int64(1),
				"BatchSize":      int64(x.Shape[0]),
				"inputDataType":  x.DataType.String(),
				"outputDataType": odt.String(),
			},
		})
		if !nhwc {
			ed.AddNode(graph.Node{
				Name:    ed.UniqueNodeName(n.Name + "_to_nchw"),
				Op:      graph.OpTranspose,
				Inputs:  []string{dst},
				Outputs: []string{out},
				Attrs:   graph.Attrs{"perm": toNCHW},
			})
		}
		return nil
	}, nil
}

// InferConvInpGen turns integer Im2Col nodes into a ConvolutionInputGenerator,
// preceded by an FMPadding_Batch layer when the window reads past the image.
func InferConvInpGen() transform.Transformation {
	return rule("InferConvInpGen", inferConvInpGen)
}

func inferConvInpGen(g *graph.Graph, n graph.Node) (transform.Match, error) {
	if n.Op != graph.OpIm2Col {
		return nil, nil
	}
	x, ok := integerInput(g, n, 0)
	if !ok {
		return nil, nil
	}
	if len(x.Shape) != 4 {
		return nil, unsupported("InferConvInpGen", n, "rank-%d input", len(x.Shape))
	}
	geo, err := infer.Geometry(n.Attrs, "kernel_size", "stride", "pad_amount", nil, []int{1, 1})
	if err != nil {
		return nil, unsupported("InferConvInpGen", n, "%v", err)
	}
	h, w, c := x.Shape[1], x.Shape[2], x.Shape[3]
	oh, ow, err := geo.OutDims(h, w)
	if err != nil {
		return nil, unsupported("InferConvInpGen", n, "%v", err)
	}
	p := geo.Pads
	ph, pw := h+p[0]+p[2], w+p[1]+p[3]
	dt := x.DataType.String()

	return func(ed *graph.Editor) error {
		src := n.Inputs[0]
		if p != [4]int{} {
			src = ed.UniqueTensorName(n.Inputs[0] + "_padded")
			ed.AddNode(graph.Node{
				Name:    ed.UniqueNodeName(n.Name + "_pad"),
				Op:      graph.OpFMPadding,
				Inputs:  []string{n.Inputs[0]},
				Outputs: []string{src},
				Attrs: graph.Attrs{
					"Padding":        graph.IntList(p[:]...),
					"ImgDim":         graph.IntList(h, w),
					"NumChannels":    int64(c),
					"SIMD":           int64(c),
					"inputDataType":  dt,
					"outputDataType": dt,
				},
			})
		}
		ed.ReplaceNode(graph.Node{
			Name:    n.Name,
			Op:      graph.OpConvInpGen,
			Inputs:  []string{src},
			Outputs: n.Outputs,
			Attrs: graph.Attrs{
				"ConvKernelDim":  graph.IntList(geo.KH, geo.KW),
				"IFMChannels":    int64(c),
				"IFMDim":         graph.IntList(ph, pw),
				"OFMDim":         graph.IntList(oh, ow),
				"Stride":         graph.IntList(geo.SH, geo.SW),
				"SIMD":           int64(c),
				"depthwise":      n.Attrs.Int("depthwise", 0),
				"inputDataType":  dt,
				"outputDataType": dt,
			},
		})
		return nil
	}, nil
}
