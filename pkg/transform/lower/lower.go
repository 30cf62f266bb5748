// Package lower rewrites convolutions into matrix products over sliding
// windows: Transpose(NCHW->NHWC), Im2Col, MatMul, Transpose(NHWC->NCHW).
package lower

import (
	"github.com/zerfoo/zdataflow/pkg/graph"
	"github.com/zerfoo/zdataflow/pkg/infer"
	"github.com/zerfoo/zdataflow/pkg/transform"
	"github.com/zerfoo/zdataflow/pkg/transform/streamline"
)

var (
	toNHWC = graph.IntList(0, 2, 3, 1)
	toNCHW = graph.IntList(0, 3, 1, 2)
)

// LowerConvsToMatMul lowers every dense (group 1) and depthwise (group equal
// to the channel count, one filter per channel) convolution with constant
// weights. Depthwise weights become a sparse matrix that only connects each
// channel to itself. Grouped convolutions of other shapes are left alone.
func LowerConvsToMatMul() transform.Transformation {
	return transform.NewRewrite("LowerConvsToMatMul", lowerConv, transform.WithRefresh(infer.Run))
}

func lowerConv(g *graph.Graph, n graph.Node) (transform.Match, error) {
	if n.Op != graph.OpConv {
		return nil, nil
	}
	w, err := g.Tensor(n.Input(1))
	if err != nil || !w.IsConstant() || len(w.Shape) != 4 {
		return nil, nil
	}
	x, err := g.Tensor(n.Input(0))
	if err != nil || len(x.Shape) != 4 {
		return nil, nil
	}
	oc, ic, kh, kw := w.Shape[0], w.Shape[1], w.Shape[2], w.Shape[3]
	channels := x.Shape[1]
	group := int(n.Attrs.Int("group", 1))
	depthwise := group > 1 && group == channels && ic == 1 && oc == channels
	if group != 1 && !depthwise {
		return nil, nil
	}
	geo, err := infer.Geometry(n.Attrs, "kernel_shape", "strides", "pads", []int{kh, kw}, []int{1, 1})
	if err != nil {
		return nil, &graph.InferenceError{Node: n.Name, Op: n.OpType(), Reason: err.Error()}
	}

	rows := kh * kw * channels
	mat := graph.Tensor{DataType: w.DataType, Shape: graph.Shape{rows, oc}, Value: make([]float64, rows*oc)}
	for o := range oc {
		for ky := range kh {
			for kx := range kw {
				for c := range channels {
					var v float64
					switch {
					case depthwise && c == o:
						v = w.Value[(o*kh+ky)*kw+kx]
					case !depthwise:
						v = w.Value[((o*ic+c)*kh+ky)*kw+kx]
					}
					mat.Value[((ky*kw+kx)*channels+c)*oc+o] = v
				}
			}
		}
	}
	pointwise := kh == 1 && kw == 1 && geo.SH == 1 && geo.SW == 1 && geo.Pads == [4]int{}

	return func(ed *graph.Editor) error {
		in, out := n.Inputs[0], n.Outputs[0]
		mat.Name = ed.UniqueTensorName(w.Name + "_matmul")
		ed.SetTensor(mat)

		nhwc := ed.UniqueTensorName(in + "_nhwc")
		ed.RemoveNode(n.Name)
		ed.AddNode(graph.Node{
			Name:    ed.UniqueNodeName(n.Name + "_to_nhwc"),
			Op:      graph.OpTranspose,
			Inputs:  []string{in},
			Outputs: []string{nhwc},
			Attrs:   graph.Attrs{"perm": toNHWC},
		})
		cols := nhwc
		if !pointwise {
			cols = ed.UniqueTensorName(out + "_im2col")
			dw := int64(0)
			if depthwise {
				dw = 1
			}
			ed.AddNode(graph.Node{
				Name:    ed.UniqueNodeName(n.Name + "_im2col"),
				Op:      graph.OpIm2Col,
				Inputs:  []string{nhwc},
				Outputs: []string{cols},
				Attrs: graph.Attrs{
					"kernel_size": graph.IntList(kh, kw),
					"stride":      graph.IntList(geo.SH, geo.SW),
					"pad_amount":  graph.IntList(geo.Pads[:]...),
					"depthwise":   dw,
				},
			})
		}
		prod := ed.UniqueTensorName(out + "_nhwc")
		ed.AddNode(graph.Node{
			Name:    ed.UniqueNodeName(n.Name + "_matmul"),
			Op:      graph.OpMatMul,
			Inputs:  []string{cols, mat.Name},
			Outputs: []string{prod},
		})
		ed.AddNode(graph.Node{
			Name:    ed.UniqueNodeName(n.Name + "_to_nchw"),
			Op:      graph.OpTranspose,
			Inputs:  []string{prod},
			Outputs: []string{out},
			Attrs:   graph.Attrs{"perm": toNCHW},
		})
		return nil
	}, nil
}

// Battery is the convolution lowering step: lower, fold the transposes that
// now surround thresholds, refresh, and re-round thresholds whose input range
// the lowering may have changed.
func Battery(approximate bool) *transform.Composite {
	return transform.Sequence("LowerConvs",
		transform.Compose(LowerConvsToMatMul()),
		transform.Compose(streamline.AbsorbTransposeIntoMultiThreshold(), transform.Renormalize()...),
		transform.Compose(streamline.RoundAndClipThresholds(approximate), transform.Renormalize()...),
	)
}
