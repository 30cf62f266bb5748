package testutil

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zerfoo/zdataflow/pkg/graph"
)

func TestEvalSingle(t *testing.T) {
	g := MustBuild(t, graph.Definition{
		Name:    "dense",
		Inputs:  []string{"x"},
		Outputs: []string{"y"},
		Nodes: []graph.Node{
			{Name: "scale", Op: graph.OpMul, Inputs: []string{"x", "s"}, Outputs: []string{"scaled"}},
			{Name: "bias", Op: graph.OpAdd, Inputs: []string{"scaled", "b"}, Outputs: []string{"biased"}},
			{Name: "fc", Op: graph.OpMatMul, Inputs: []string{"biased", "w"}, Outputs: []string{"acc"}},
			{Name: "swap", Op: graph.OpTranspose, Inputs: []string{"acc"}, Outputs: []string{"swapped"},
				Attrs: graph.Attrs{"perm": graph.IntList(1, 0)}},
			{Name: "flat", Op: graph.OpReshape, Inputs: []string{"swapped"}, Outputs: []string{"y"},
				Attrs: graph.Attrs{"shape": graph.IntList(4)}},
		},
		Tensors: []graph.Tensor{
			Input("x", graph.Float32, graph.LayoutNC, 2, 3),
			Const("s", graph.Shape{3}, 1, 2, 3),
			Const("b", graph.Shape{1}, 0.5),
			Const("w", graph.Shape{3, 2}, 1, 0, 0, 1, 1, 1),
		},
	})

	y, err := EvalSingle(g, Array{Shape: graph.Shape{2, 3}, Data: []float64{1, 2, 3, 4, 5, 6}})
	require.NoError(t, err)
	assert.Equal(t, []int{4}, []int(y.Shape))
	assert.Equal(t, []float64{11, 23, 14, 29}, y.Data)
}

func TestEvalMissingInput(t *testing.T) {
	g := MustBuild(t, graph.Definition{
		Name:    "id",
		Inputs:  []string{"x"},
		Outputs: []string{"y"},
		Nodes:   []graph.Node{{Name: "id", Op: graph.OpIdentity, Inputs: []string{"x"}, Outputs: []string{"y"}}},
		Tensors: []graph.Tensor{Input("x", graph.Float32, graph.LayoutNC, 1, 2)},
	})
	_, err := Eval(g, nil)
	assert.ErrorContains(t, err, "missing value for graph input x")
}

func TestMatMulRanks(t *testing.T) {
	w := Array{Shape: graph.Shape{3, 1}, Data: []float64{1, 10, 100}}

	vec, err := matmul(Array{Shape: graph.Shape{3}, Data: []float64{1, 2, 3}}, w)
	require.NoError(t, err)
	assert.Equal(t, []int{1}, []int(vec.Shape))
	assert.Equal(t, []float64{321}, vec.Data)

	nhwc, err := matmul(Array{Shape: graph.Shape{1, 2, 1, 3}, Data: []float64{1, 2, 3, 4, 5, 6}}, w)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 1, 1}, []int(nhwc.Shape))
	assert.Equal(t, []float64{321, 654}, nhwc.Data)

	_, err = matmul(Array{Shape: graph.Shape{2}, Data: []float64{1, 2}}, w)
	assert.ErrorContains(t, err, "inner dimensions differ")
}

func TestChannelwise(t *testing.T) {
	x := Array{Shape: graph.Shape{1, 2, 2}, Data: []float64{1, 2, 3, 4}}
	p := Array{Shape: graph.Shape{1, 2}, Data: []float64{10, 20}}

	sum, err := channelwise(graph.Node{Attrs: graph.Attrs{"Func": "add"}}, []Array{x, p})
	require.NoError(t, err)
	assert.Equal(t, []float64{11, 22, 13, 24}, sum.Data)

	prod, err := channelwise(graph.Node{}, []Array{x, p})
	require.NoError(t, err)
	assert.Equal(t, []float64{10, 40, 30, 80}, prod.Data)

	_, err = channelwise(graph.Node{}, []Array{x, {Shape: graph.Shape{3}, Data: []float64{1, 2, 3}}})
	assert.ErrorContains(t, err, "not broadcast compatible")
}

func TestTransposeLayouts(t *testing.T) {
	x := Array{Shape: graph.Shape{1, 2, 1, 3}, Data: []float64{1, 2, 3, 4, 5, 6}}
	nhwc := nchwToNHWC(x)
	assert.Equal(t, []int{1, 1, 3, 2}, []int(nhwc.Shape))
	assert.Equal(t, []float64{1, 4, 2, 5, 3, 6}, nhwc.Data)
	assert.Equal(t, x, nhwcToNCHW(nhwc))
}
