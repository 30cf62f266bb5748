package streamline

import (
	"github.com/zerfoo/zdataflow/pkg/graph"
	"github.com/zerfoo/zdataflow/pkg/infer"
	"github.com/zerfoo/zdataflow/pkg/transform"
)

// ChangeDataLayoutAvgPool runs channel-first average pooling in channel-last
// layout: Transpose(NCHW->NHWC), AvgPool(NHWC), Transpose(NHWC->NCHW).
func ChangeDataLayoutAvgPool() transform.Transformation {
	return rewrite("ChangeDataLayoutAvgPool", func(g *graph.Graph, n graph.Node) (transform.Match, error) {
		if n.Op != graph.OpAvgPool || n.Attrs.String("data_layout", "NCHW") != "NCHW" {
			return nil, nil
		}
		if len(shapeOf(g, n.Input(0))) != 4 {
			return nil, nil
		}
		return func(ed *graph.Editor) error {
			in, out := n.Inputs[0], n.Outputs[0]
			nhwcIn := ed.UniqueTensorName(in + "_nhwc")
			nhwcOut := ed.UniqueTensorName(out + "_nhwc")
			ed.AddNode(graph.Node{
				Name:    ed.UniqueNodeName(n.Name + "_to_nhwc"),
				Op:      graph.OpTranspose,
				Inputs:  []string{in},
				Outputs: []string{nhwcIn},
				Attrs:   graph.Attrs{"perm": graph.IntList(toNHWC...)},
			})
			attrs := n.Attrs.Clone()
			if attrs == nil {
				attrs = graph.Attrs{}
			}
			attrs["data_layout"] = "NHWC"
			n.Inputs[0], n.Outputs[0], n.Attrs = nhwcIn, nhwcOut, attrs
			ed.ReplaceNode(n)
			ed.AddNode(graph.Node{
				Name:    ed.UniqueNodeName(n.Name + "_to_nchw"),
				Op:      graph.OpTranspose,
				Inputs:  []string{nhwcOut},
				Outputs: []string{out},
				Attrs:   graph.Attrs{"perm": graph.IntList(toNCHW...)},
			})
			return nil
		}, nil
	})
}

// InferDataLayouts re-derives layout annotations, together with shapes and
// datatypes, as a battery member.
func InferDataLayouts() transform.Transformation {
	return transform.Func("InferDataLayouts", true, infer.Run)
}
