package streamline

import (
	"github.com/zerfoo/zdataflow/pkg/graph"
	"github.com/zerfoo/zdataflow/pkg/transform"
)

// DoubleToSingleFloat normalizes every FLOAT16 and FLOAT64 annotation to
// FLOAT32 and rounds double-precision constants to single precision.
func DoubleToSingleFloat() transform.Transformation {
	return transform.Func("DoubleToSingleFloat", true, func(g *graph.Graph) (*graph.Graph, error) {
		var ed *graph.Editor
		for t := range g.Tensors() {
			if t.DataType.Kind != graph.KindFloat || t.DataType == graph.Float32 {
				continue
			}
			if ed == nil {
				ed = g.Edit()
			}
			t.DataType = graph.Float32
			for i, v := range t.Value {
				t.Value[i] = float64(float32(v))
			}
			ed.SetTensor(t)
		}
		if ed == nil {
			return g, nil
		}
		return ed.Commit()
	})
}
