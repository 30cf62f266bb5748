package testutil

import (
	"math"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/zerfoo/zdataflow/pkg/graph"
	"github.com/zerfoo/zdataflow/pkg/infer"
)

// Input declares a graph input tensor.
func Input(name string, dt graph.DataType, layout graph.Layout, shape ...int) graph.Tensor {
	return graph.Tensor{Name: name, DataType: dt, Shape: shape, Layout: layout}
}

// Const declares a constant tensor.
func Const(name string, shape graph.Shape, vals ...float64) graph.Tensor {
	if vals == nil {
		vals = []float64{}
	}
	return graph.Tensor{Name: name, DataType: graph.Float32, Shape: shape, Value: vals}
}

// Typed returns t annotated with dt.
func Typed(t graph.Tensor, dt graph.DataType) graph.Tensor {
	t.DataType = dt
	return t
}

// Fill returns n copies of v.
func Fill(n int, v float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = v
	}
	return out
}

// Ramp returns start, start+step, ... with n elements.
func Ramp(n int, start, step float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = start + float64(i)*step
	}
	return out
}

// MustBuild constructs g from def and runs metadata inference.
func MustBuild(t testing.TB, def graph.Definition) *graph.Graph {
	t.Helper()
	g, err := graph.New(def)
	require.NoError(t, err)
	g, err = infer.Run(g)
	require.NoError(t, err)
	return g
}

// RandomInts fills an array with integers in [lo, hi] from a fixed seed.
func RandomInts(seed uint64, lo, hi int, shape ...int) Array {
	r := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	a := NewArray(shape...)
	for i := range a.Data {
		a.Data[i] = float64(lo + r.IntN(hi-lo+1))
	}
	return a
}

// RequireEquivalent evaluates both graphs on the samples and compares every
// output within tol.
func RequireEquivalent(t testing.TB, want, got *graph.Graph, samples []Array, tol float64) {
	t.Helper()
	for i, x := range samples {
		a, err := EvalSingle(want, x)
		require.NoError(t, err)
		b, err := EvalSingle(got, x)
		require.NoError(t, err)
		require.Equal(t, []int(a.Shape), []int(b.Shape), "sample %d shape", i)
		for j := range a.Data {
			if math.Abs(a.Data[j]-b.Data[j]) > tol {
				require.Failf(t, "outputs differ", "sample %d element %d: %v vs %v", i, j, a.Data[j], b.Data[j])
			}
		}
	}
}

// Ops returns the operator type of every node in topological order.
func Ops(g *graph.Graph) []string {
	var ops []string
	for n := range g.Topo() {
		ops = append(ops, n.OpType())
	}
	return ops
}
