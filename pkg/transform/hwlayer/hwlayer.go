// Package hwlayer replaces generic operations with the dataflow hardware
// layers that implement them. Rules only touch integer datapaths: a
// candidate with a float input is left for the host. An integer candidate
// the rule cannot express is an *graph.UnsupportedPatternError.
package hwlayer

import (
	"fmt"
	"math"

	"github.com/zerfoo/zdataflow/pkg/buildcfg"
	"github.com/zerfoo/zdataflow/pkg/graph"
	"github.com/zerfoo/zdataflow/pkg/infer"
	"github.com/zerfoo/zdataflow/pkg/transform"
)

var (
	toNHWC = graph.IntList(0, 2, 3, 1)
	toNCHW = graph.IntList(0, 3, 1, 2)
)

// Battery runs every rule in dependency order: pools emit windows for the
// input generator rule, which in turn anchors the depthwise rule before the
// generic matrix rule sees the same MatMul.
func Battery(memMode buildcfg.MemMode) *transform.Composite {
	rules := []transform.Transformation{
		transform.InferMetadata(),
		InferPool(),
		InferConvInpGen(),
		InferVVAU(),
		InferQuantizedFC(memMode),
		InferChannelwiseLinear(),
		InferLabelSelect(),
	}
	return transform.Sequence("ConvertToHWLayers", append(rules, transform.Renormalize()...)...)
}

func rule(name string, fn transform.RewriteFunc) *transform.NodeRewrite {
	return transform.NewRewrite(name, fn, transform.WithRefresh(infer.Run))
}

func unsupported(rule string, n graph.Node, format string, args ...any) error {
	return &graph.UnsupportedPatternError{Rule: rule, Node: n.Name, Reason: fmt.Sprintf(format, args...)}
}

// integerInput returns the metadata of n's i-th input when it is integer typed.
func integerInput(g *graph.Graph, n graph.Node, i int) (graph.Tensor, bool) {
	t, err := g.Tensor(n.Input(i))
	if err != nil || !t.DataType.IsInteger() || !t.Shape.Known() {
		return graph.Tensor{}, false
	}
	return t, true
}

func constant(g *graph.Graph, name string) (graph.Tensor, bool) {
	t, err := g.Tensor(name)
	if err != nil || !t.IsConstant() {
		return graph.Tensor{}, false
	}
	return t, true
}

// activation is a MultiThreshold folded into the layer that feeds it.
type activation struct {
	node       graph.Node
	thresholds string
	bias       float64
	dt         graph.DataType
}

// foldableThreshold finds the MultiThreshold reading n's only output along
// its last axis. Thresholds a hardware layer cannot apply are an error;
// thresholds along another axis are left in place.
func foldableThreshold(g *graph.Graph, ruleName string, n graph.Node) (*activation, error) {
	out := n.Output(0)
	mt, ok := g.SingleConsumer(out)
	if !ok || mt.Op != graph.OpMultiThreshold || mt.Input(0) != out {
		return nil, nil
	}
	if _, ok := constant(g, mt.Input(1)); !ok {
		return nil, nil
	}
	acc, err := g.Tensor(out)
	if err != nil || len(acc.Shape) == 0 {
		return nil, nil
	}
	if infer.ThresholdChannelAxis(mt, len(acc.Shape)) != len(acc.Shape)-1 {
		return nil, nil
	}
	if s := mt.Attrs.Float("out_scale", 1); s != 1 {
		return nil, unsupported(ruleName, mt, "activation scale %v, want 1", s)
	}
	bias := mt.Attrs.Float("out_bias", 0)
	if bias != math.Trunc(bias) {
		return nil, unsupported(ruleName, mt, "non-integer activation bias %v", bias)
	}
	dt, err := graph.ParseDataType(mt.Attrs.String("out_dtype", ""))
	if err != nil || !dt.IsSet() {
		return nil, unsupported(ruleName, mt, "unknown activation datatype %q", mt.Attrs.String("out_dtype", ""))
	}
	return &activation{node: mt, thresholds: mt.Input(1), bias: bias, dt: dt}, nil
}

// fold attaches act to layer, or marks the layer as a bare accumulator.
func (act *activation) fold(ed *graph.Editor, layer *graph.Node, accType graph.DataType) {
	if act == nil {
		layer.Attrs["noActivation"] = int64(1)
		layer.Attrs["ActVal"] = float64(0)
		layer.Attrs["outputDataType"] = accType.String()
		return
	}
	ed.RemoveNode(act.node.Name)
	layer.Inputs = append(layer.Inputs, act.thresholds)
	layer.Outputs = []string{act.node.Output(0)}
	layer.Attrs["noActivation"] = int64(0)
	layer.Attrs["ActVal"] = act.bias
	layer.Attrs["outputDataType"] = act.dt.String()
}
