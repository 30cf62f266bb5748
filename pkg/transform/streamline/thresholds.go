package streamline

import (
	"math"

	"github.com/zerfoo/zdataflow/pkg/graph"
	"github.com/zerfoo/zdataflow/pkg/transform"
)

// RoundAndClipThresholds rounds the thresholds of every MultiThreshold with
// an integer input up to the next integer and clips them to
// [min, max+1] of the input datatype. A threshold that is NaN, or that
// float32 cannot hold exactly after rounding, is a PrecisionError unless
// approximate is set, in which case it is rounded to the nearest float32.
func RoundAndClipThresholds(approximate bool) transform.Transformation {
	return rewrite("RoundAndClipThresholds", func(g *graph.Graph, n graph.Node) (transform.Match, error) {
		if n.Op != graph.OpMultiThreshold {
			return nil, nil
		}
		x, err := g.Tensor(n.Input(0))
		if err != nil || !x.DataType.IsInteger() {
			return nil, nil
		}
		thr, ok := constant(g, n.Input(1))
		if !ok {
			return nil, nil
		}
		lo, hi := x.DataType.Min(), x.DataType.Max()+1
		rounded := thr.Clone()
		changed := false
		for i, v := range thr.Value {
			if math.IsNaN(v) {
				return nil, &graph.PrecisionError{Node: n.Name, Tensor: thr.Name, Value: v, DataType: x.DataType, Reason: "threshold is NaN"}
			}
			r := math.Min(math.Max(math.Ceil(v), lo), hi)
			if float64(float32(r)) != r {
				if !approximate {
					return nil, &graph.PrecisionError{Node: n.Name, Tensor: thr.Name, Value: r, DataType: x.DataType, Reason: "not exactly representable as FLOAT32"}
				}
				r = float64(float32(r))
			}
			if r != v {
				rounded.Value[i] = r
				changed = true
			}
		}
		if !changed {
			return nil, nil
		}
		return func(ed *graph.Editor) error {
			n.Inputs[1] = addConst(ed, thr.Name, rounded)
			ed.ReplaceNode(n)
			return nil
		}, nil
	})
}
