package streamline

import (
	"slices"

	"github.com/zerfoo/zdataflow/pkg/graph"
	"github.com/zerfoo/zdataflow/pkg/infer"
	"github.com/zerfoo/zdataflow/pkg/transform"
)

// absorbIntoThreshold matches op(x, p) feeding a MultiThreshold and folds p
// into the threshold rows with fold(t, p[c]). accept vets every per-channel
// value before the rewrite is committed.
func absorbIntoThreshold(name string, op graph.OpKind, accept func(float64) bool, fold func(t, p float64) float64) transform.Transformation {
	return rewrite(name, func(g *graph.Graph, n graph.Node) (transform.Match, error) {
		if n.Op != op {
			return nil, nil
		}
		data, p, ok := splitConst(g, n)
		if !ok {
			return nil, nil
		}
		mt, ok := next(g, n, graph.OpMultiThreshold)
		if !ok || mt.Input(0) != n.Outputs[0] {
			return nil, nil
		}
		thr, ok := constant(g, mt.Input(1))
		x := shapeOf(g, n.Outputs[0])
		if !ok || len(x) == 0 || len(thr.Shape) != 2 || !x.Equal(shapeOf(g, n.Inputs[data])) {
			return nil, nil
		}
		axis := infer.ThresholdChannelAxis(mt, len(x))
		channels := x[axis]
		vec, ok := channelVector(p, len(x), axis, channels)
		if !ok || slices.ContainsFunc(vec, func(v float64) bool { return !accept(v) }) {
			return nil, nil
		}
		steps := thr.Shape[1]
		folded := graph.Tensor{DataType: graph.Float32, Shape: graph.Shape{channels, steps}, Value: make([]float64, channels*steps)}
		for c := range channels {
			row := 0
			if thr.Shape[0] > 1 {
				row = c
			}
			for k := range steps {
				folded.Value[c*steps+k] = fold(thr.Value[row*steps+k], vec[c])
			}
		}
		return func(ed *graph.Editor) error {
			mt.Inputs[0] = n.Inputs[data]
			mt.Inputs[1] = addConst(ed, thr.Name, folded)
			ed.ReplaceNode(mt)
			ed.RemoveNode(n.Name)
			return nil
		}, nil
	})
}

// AbsorbAddIntoMultiThreshold folds a constant Add into the thresholds of
// the MultiThreshold it feeds: x + b >= t iff x >= t - b.
func AbsorbAddIntoMultiThreshold() transform.Transformation {
	return absorbIntoThreshold("AbsorbAddIntoMultiThreshold", graph.OpAdd,
		func(float64) bool { return true },
		func(t, b float64) float64 { return t - b })
}

// AbsorbMulIntoMultiThreshold folds a strictly positive constant Mul into
// the thresholds of the MultiThreshold it feeds: x * a >= t iff x >= t / a.
func AbsorbMulIntoMultiThreshold() transform.Transformation {
	return absorbIntoThreshold("AbsorbMulIntoMultiThreshold", graph.OpMul,
		func(a float64) bool { return a > 0 },
		func(t, a float64) float64 { return t / a })
}

// preservesOrder reports whether a transpose leaves the row-major element
// order unchanged, i.e. every axis longer than one keeps its relative place.
func preservesOrder(perm []int, x graph.Shape) bool {
	last := -1
	for _, p := range perm {
		if x[p] == 1 {
			continue
		}
		if p < last {
			return false
		}
		last = p
	}
	return true
}

// AbsorbTransposeIntoFlatten drops a Transpose feeding a Flatten (or a
// Reshape) when the transpose keeps the batch axis and does not reorder data,
// as for NHWC to NCHW on 1x1 spatial maps.
func AbsorbTransposeIntoFlatten() transform.Transformation {
	return rewrite("AbsorbTransposeIntoFlatten", func(g *graph.Graph, tr graph.Node) (transform.Match, error) {
		if tr.Op != graph.OpTranspose {
			return nil, nil
		}
		x := shapeOf(g, tr.Input(0))
		perm := infer.Perm(tr, len(x))
		if len(x) == 0 || perm[0] != 0 || !preservesOrder(perm, x) {
			return nil, nil
		}
		c, ok := g.SingleConsumer(tr.Outputs[0])
		if !ok {
			return nil, nil
		}
		switch c.Op {
		case graph.OpFlatten:
			if c.Attrs.Int("axis", 1) != 1 {
				return nil, nil
			}
		case graph.OpReshape:
			// a 0 entry copies an input dimension, which the transpose moved
			if target := c.Attrs.Ints("shape"); len(target) == 0 || slices.Contains(target[1:], 0) {
				return nil, nil
			}
		default:
			return nil, nil
		}
		return func(ed *graph.Editor) error {
			c.Inputs[0] = tr.Inputs[0]
			ed.ReplaceNode(c)
			ed.RemoveNode(tr.Name)
			return nil
		}, nil
	})
}

var (
	toNCHW = []int{0, 3, 1, 2}
	toNHWC = []int{0, 2, 3, 1}
)

// AbsorbTransposeIntoMultiThreshold switches a MultiThreshold fed by an
// NHWC->NCHW Transpose to NHWC mode. A matching NCHW->NHWC Transpose after it
// cancels out; otherwise the Transpose moves past the threshold.
func AbsorbTransposeIntoMultiThreshold() transform.Transformation {
	return rewrite("AbsorbTransposeIntoMultiThreshold", func(g *graph.Graph, tr graph.Node) (transform.Match, error) {
		if tr.Op != graph.OpTranspose || !slices.Equal(infer.Perm(tr, 4), toNCHW) {
			return nil, nil
		}
		mt, ok := next(g, tr, graph.OpMultiThreshold)
		if !ok || mt.Input(0) != tr.Outputs[0] || mt.Attrs.String("data_layout", "NCHW") != "NCHW" {
			return nil, nil
		}
		if len(shapeOf(g, tr.Outputs[0])) != 4 {
			return nil, nil
		}
		back, cancels := next(g, mt, graph.OpTranspose)
		cancels = cancels && slices.Equal(infer.Perm(back, 4), toNHWC)
		return func(ed *graph.Editor) error {
			if mt.Attrs == nil {
				mt.Attrs = graph.Attrs{}
			}
			mt.Attrs["data_layout"] = "NHWC"
			if cancels {
				mt.Inputs[0] = tr.Inputs[0]
				mt.Outputs[0] = back.Outputs[0]
				ed.RemoveNode(tr.Name)
				ed.RemoveNode(back.Name)
				ed.ReplaceNode(mt)
				return nil
			}
			swap(ed, tr, 0, mt)
			return nil
		}, nil
	})
}
