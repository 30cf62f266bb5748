package hwlayer_test

import (
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zerfoo/zdataflow/internal/testutil"
	"github.com/zerfoo/zdataflow/pkg/buildcfg"
	"github.com/zerfoo/zdataflow/pkg/graph"
	"github.com/zerfoo/zdataflow/pkg/infer"
	"github.com/zerfoo/zdataflow/pkg/transform"
	"github.com/zerfoo/zdataflow/pkg/transform/hwlayer"
)

// depthwiseWeights lowers per-channel 3x3 taps into the sparse (9*c, c)
// matrix produced by convolution lowering.
func depthwiseWeights(c int) []float64 {
	w := make([]float64, 9*c*c)
	for tap := range 9 {
		for ch := range c {
			w[(tap*c+ch)*c+ch] = float64(tap%3 - 1 + ch)
		}
	}
	return w
}

// quantizedNet is a streamlined and lowered NHWC network: pool, depthwise
// conv, thresholds, dense layer, thresholds, channel scale and top-k.
func quantizedNet(t *testing.T) *graph.Graph {
	t.Helper()
	return testutil.MustBuild(t, graph.Definition{
		Name:    "quantized",
		Inputs:  []string{"x"},
		Outputs: []string{"y"},
		Nodes: []graph.Node{
			{Name: "pool", Op: graph.OpMaxPool, Inputs: []string{"x"}, Outputs: []string{"p"},
				Attrs: graph.Attrs{"kernel_shape": graph.IntList(2, 2), "data_layout": "NHWC"}},
			{Name: "cols", Op: graph.OpIm2Col, Inputs: []string{"p"}, Outputs: []string{"c"},
				Attrs: graph.Attrs{"kernel_size": graph.IntList(3, 3), "pad_amount": graph.IntList(1, 1, 1, 1), "depthwise": int64(1)}},
			{Name: "dw", Op: graph.OpMatMul, Inputs: []string{"c", "wdw"}, Outputs: []string{"acc1"}},
			{Name: "act1", Op: graph.OpMultiThreshold, Inputs: []string{"acc1", "t1"}, Outputs: []string{"a1"},
				Attrs: graph.Attrs{"out_dtype": "UINT2", "data_layout": "NHWC"}},
			{Name: "fc", Op: graph.OpMatMul, Inputs: []string{"a1", "wfc"}, Outputs: []string{"acc2"}},
			{Name: "act2", Op: graph.OpMultiThreshold, Inputs: []string{"acc2", "t2"}, Outputs: []string{"a2"},
				Attrs: graph.Attrs{"out_dtype": "UINT2", "data_layout": "NHWC"}},
			{Name: "scale", Op: graph.OpMul, Inputs: []string{"a2", "s"}, Outputs: []string{"sc"}},
			{Name: "top", Op: graph.OpTopK, Inputs: []string{"sc"}, Outputs: []string{"y"}, Attrs: graph.Attrs{"k": int64(2)}},
		},
		Tensors: []graph.Tensor{
			testutil.Input("x", graph.UInt(4), graph.LayoutNHWC, 1, 6, 6, 2),
			testutil.Typed(testutil.Const("wdw", graph.Shape{18, 2}, depthwiseWeights(2)...), graph.Int(4)),
			testutil.Const("t1", graph.Shape{2, 3}, -4, 0, 8, -2, 3, 10),
			testutil.Typed(testutil.Const("wfc", graph.Shape{2, 4}, 1, -2, 3, 0, -1, 2, 1, -4), graph.Int(3)),
			testutil.Const("t2", graph.Shape{4, 3}, testutil.Ramp(12, -3, 1)...),
			testutil.Typed(testutil.Const("s", graph.Shape{4}, 1, 2, 3, 4), graph.UInt(3)),
		},
	})
}

func samples() []testutil.Array {
	return []testutil.Array{
		testutil.RandomInts(1, 0, 15, 1, 6, 6, 2),
		testutil.RandomInts(2, 0, 15, 1, 6, 6, 2),
		testutil.RandomInts(3, 0, 3, 1, 6, 6, 2),
	}
}

func nodesOf(g *graph.Graph, op graph.OpKind) []graph.Node {
	var nodes []graph.Node
	for n := range g.Topo() {
		if n.Op == op {
			nodes = append(nodes, n)
		}
	}
	return nodes
}

func TestBatteryConvertsEveryLayer(t *testing.T) {
	for _, mode := range []buildcfg.MemMode{buildcfg.MemConst, buildcfg.MemDecoupled} {
		t.Run(string(mode), func(t *testing.T) {
			g := quantizedNet(t)
			got, err := transform.Apply(hwlayer.Battery(mode), g, 0)
			require.NoError(t, err)
			require.NoError(t, infer.Check(got))
			assert.True(t, got.MetadataFresh())

			for n := range got.Topo() {
				assert.True(t, n.Op.IsHardwareLayer(), "generic node %s left behind", n)
			}
			ops := testutil.Ops(got)
			slices.Sort(ops)
			assert.Equal(t, []string{
				"ChannelwiseOp_Batch",
				"ConvolutionInputGenerator",
				"ConvolutionInputGenerator",
				"FMPadding_Batch",
				"LabelSelect_Batch",
				"Pool_Batch",
				"StreamingFCLayer_Batch",
				"Vector_Vector_Activate_Batch",
			}, ops)

			fc := nodesOf(got, graph.OpStreamingFC)
			require.Len(t, fc, 1)
			assert.Equal(t, string(mode), fc[0].Attrs.String("mem_mode", ""))
			assert.Equal(t, int64(0), fc[0].Attrs.Int("noActivation", -1))
			assert.Equal(t, "UINT2", fc[0].Attrs.String("outputDataType", ""))
			assert.Len(t, fc[0].Inputs, 3)

			vvau := nodesOf(got, graph.OpVVAU)
			require.Len(t, vvau, 1)
			w, err := got.Tensor(vvau[0].Inputs[1])
			require.NoError(t, err)
			assert.True(t, w.Shape.Equal(graph.Shape{2, 9}), "got %s", w.Shape)
			assert.Equal(t, []float64{-1, 0, 1, -1, 0, 1, -1, 0, 1}, w.Value[:9])

			ls := nodesOf(got, graph.OpLabelSelect)
			require.Len(t, ls, 1)
			assert.Equal(t, "UINT2", ls[0].Attrs.String("outputDataType", ""))
			assert.Equal(t, int64(4), ls[0].Attrs.Int("Labels", 0))

			testutil.RequireEquivalent(t, g, got, samples(), 0)
		})
	}
}

func TestFloatCandidatesAreLeftAlone(t *testing.T) {
	g := testutil.MustBuild(t, graph.Definition{
		Name:    "float",
		Inputs:  []string{"x"},
		Outputs: []string{"y"},
		Nodes: []graph.Node{
			{Name: "fc", Op: graph.OpMatMul, Inputs: []string{"x", "w"}, Outputs: []string{"h"}},
			{Name: "bias", Op: graph.OpAdd, Inputs: []string{"h", "b"}, Outputs: []string{"z"}},
			{Name: "top", Op: graph.OpTopK, Inputs: []string{"z"}, Outputs: []string{"y"}, Attrs: graph.Attrs{"k": int64(1)}},
		},
		Tensors: []graph.Tensor{
			testutil.Input("x", graph.Float32, graph.LayoutNC, 1, 3),
			testutil.Const("w", graph.Shape{3, 2}, 0.5, 1, 1.5, 2, 2.5, 3),
			testutil.Const("b", graph.Shape{2}, 1, 2),
		},
	})
	got, err := transform.Apply(hwlayer.Battery(buildcfg.MemConst), g, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"MatMul", "Add", "TopK"}, testutil.Ops(got))
}

func TestInferPoolNCHW(t *testing.T) {
	for _, op := range []graph.OpKind{graph.OpMaxPool, graph.OpAvgPool} {
		t.Run(op.String(), func(t *testing.T) {
			g := testutil.MustBuild(t, graph.Definition{
				Name:    "pool",
				Inputs:  []string{"x"},
				Outputs: []string{"y"},
				Nodes: []graph.Node{
					{Name: "pool", Op: op, Inputs: []string{"x"}, Outputs: []string{"y"},
						Attrs: graph.Attrs{"kernel_shape": graph.IntList(2, 2), "strides": graph.IntList(1, 1)}},
				},
				Tensors: []graph.Tensor{testutil.Input("x", graph.Int(4), graph.LayoutNCHW, 1, 3, 4, 4)},
			})
			got, err := transform.Apply(hwlayer.InferPool(), g, 0)
			require.NoError(t, err)
			require.NoError(t, infer.Check(got))
			assert.Equal(t, []string{"Transpose", "Im2Col", "Pool_Batch", "Transpose"}, testutil.Ops(got))

			pool := nodesOf(got, graph.OpPool)
			require.Len(t, pool, 1)
			assert.Equal(t, op.String(), pool[0].Attrs.String("Function", ""))
			assert.Equal(t, int64(4), pool[0].Attrs.Int("PoolDim", 0))
			assert.Equal(t, int64(3), pool[0].Attrs.Int("Channels", 0))

			y, err := got.Tensor("y")
			require.NoError(t, err)
			assert.True(t, y.Shape.Equal(graph.Shape{1, 3, 3, 3}), "got %s", y.Shape)
			testutil.RequireEquivalent(t, g, got, []testutil.Array{
				testutil.RandomInts(4, -8, 7, 1, 3, 4, 4),
				testutil.RandomInts(5, -8, 7, 1, 3, 4, 4),
			}, 1e-9)
		})
	}
}

func TestInferQuantizedFCWithoutThresholds(t *testing.T) {
	g := testutil.MustBuild(t, graph.Definition{
		Name:    "fc",
		Inputs:  []string{"x"},
		Outputs: []string{"y"},
		Nodes: []graph.Node{
			{Name: "fc", Op: graph.OpMatMul, Inputs: []string{"x", "w"}, Outputs: []string{"y"}},
		},
		Tensors: []graph.Tensor{
			testutil.Input("x", graph.UInt(8), graph.LayoutNC, 2, 3),
			testutil.Typed(testutil.Const("w", graph.Shape{3, 2}, 1, 0, -1, 2, 3, -3), graph.Int(3)),
		},
	})
	got, err := transform.Apply(hwlayer.InferQuantizedFC(buildcfg.MemDecoupled), g, 0)
	require.NoError(t, err)

	fc, err := got.Node("fc")
	require.NoError(t, err)
	assert.Equal(t, graph.OpStreamingFC, fc.Op)
	assert.Equal(t, int64(1), fc.Attrs.Int("noActivation", 0))
	assert.Equal(t, "INT32", fc.Attrs.String("outputDataType", ""))
	assert.Equal(t, int64(3), fc.Attrs.Int("MW", 0))
	assert.Equal(t, int64(2), fc.Attrs.Int("MH", 0))
	testutil.RequireEquivalent(t, g, got, []testutil.Array{testutil.RandomInts(6, 0, 255, 2, 3)}, 0)
}

func TestUnsupportedIntegerPatterns(t *testing.T) {
	tests := []struct {
		name  string
		rule  string
		nodes []graph.Node
		extra []graph.Tensor
		x     graph.Tensor
	}{
		{
			name: "top-k along a leading axis",
			rule: "InferLabelSelect",
			nodes: []graph.Node{
				{Name: "top", Op: graph.OpTopK, Inputs: []string{"x"}, Outputs: []string{"y"},
					Attrs: graph.Attrs{"k": int64(1), "axis": int64(1)}},
			},
			x: testutil.Input("x", graph.UInt(4), graph.LayoutNCHW, 1, 4, 3, 3),
		},
		{
			name: "scaled thresholds",
			rule: "InferQuantizedFC",
			nodes: []graph.Node{
				{Name: "fc", Op: graph.OpMatMul, Inputs: []string{"x", "w"}, Outputs: []string{"acc"}},
				{Name: "act", Op: graph.OpMultiThreshold, Inputs: []string{"acc", "t"}, Outputs: []string{"y"},
					Attrs: graph.Attrs{"out_dtype": "UINT1", "out_scale": 2.0}},
			},
			extra: []graph.Tensor{
				testutil.Typed(testutil.Const("w", graph.Shape{2, 2}, 1, 2, 3, 4), graph.Int(4)),
				testutil.Const("t", graph.Shape{1, 1}, 0),
			},
			x: testutil.Input("x", graph.UInt(4), graph.LayoutNC, 1, 2),
		},
		{
			name: "padded signed max pool",
			rule: "InferPool",
			nodes: []graph.Node{
				{Name: "pool", Op: graph.OpMaxPool, Inputs: []string{"x"}, Outputs: []string{"y"},
					Attrs: graph.Attrs{"kernel_shape": graph.IntList(2, 2), "pads": graph.IntList(1, 1, 1, 1)}},
			},
			x: testutil.Input("x", graph.Int(4), graph.LayoutNCHW, 1, 2, 4, 4),
		},
		{
			name: "channel parameter on the wrong axis",
			rule: "InferChannelwiseLinear",
			nodes: []graph.Node{
				{Name: "scale", Op: graph.OpMul, Inputs: []string{"x", "s"}, Outputs: []string{"y"}},
			},
			extra: []graph.Tensor{
				testutil.Typed(testutil.Const("s", graph.Shape{1, 2, 1, 1}, 2, 3), graph.UInt(2)),
			},
			x: testutil.Input("x", graph.UInt(4), graph.LayoutNCHW, 1, 2, 3, 3),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := testutil.MustBuild(t, graph.Definition{
				Name:    "unsupported",
				Inputs:  []string{"x"},
				Outputs: []string{"y"},
				Nodes:   tt.nodes,
				Tensors: append([]graph.Tensor{tt.x}, tt.extra...),
			})
			_, err := transform.Apply(hwlayer.Battery(buildcfg.MemConst), g, 0)
			require.Error(t, err)

			var up *graph.UnsupportedPatternError
			require.ErrorAs(t, err, &up)
			assert.Equal(t, tt.rule, up.Rule)
			var te *transform.Error
			require.ErrorAs(t, err, &te)
			assert.Equal(t, tt.rule, te.Transformation)
		})
	}
}

func TestInferVVAURejectsDenseWeights(t *testing.T) {
	w := depthwiseWeights(2)
	w[1] = 5 // tap 0, channel 0 feeding output 1
	g := testutil.MustBuild(t, graph.Definition{
		Name:    "dense",
		Inputs:  []string{"x"},
		Outputs: []string{"y"},
		Nodes: []graph.Node{
			{Name: "gen", Op: graph.OpConvInpGen, Inputs: []string{"x"}, Outputs: []string{"c"},
				Attrs: graph.Attrs{"ConvKernelDim": graph.IntList(3, 3), "IFMChannels": int64(2), "depthwise": int64(1)}},
			{Name: "dw", Op: graph.OpMatMul, Inputs: []string{"c", "w"}, Outputs: []string{"y"}},
		},
		Tensors: []graph.Tensor{
			testutil.Input("x", graph.UInt(4), graph.LayoutNHWC, 1, 4, 4, 2),
			testutil.Typed(testutil.Const("w", graph.Shape{18, 2}, w...), graph.Int(4)),
		},
	})
	_, err := transform.Apply(hwlayer.InferVVAU(), g, 0)
	var up *graph.UnsupportedPatternError
	require.ErrorAs(t, err, &up)
	assert.Equal(t, "dw", up.Node)
}
