package pipeline_test

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zerfoo/zdataflow/internal/ctxlog"
	"github.com/zerfoo/zdataflow/internal/testutil"
	"github.com/zerfoo/zdataflow/pkg/buildcfg"
	"github.com/zerfoo/zdataflow/pkg/graph"
	"github.com/zerfoo/zdataflow/pkg/infer"
	"github.com/zerfoo/zdataflow/pkg/pipeline"
)

// convNet is a quantized 3x3 convolution with a float scale in front of
// its activation thresholds.
func convNet() graph.Definition {
	return graph.Definition{
		Name:    "convnet",
		Inputs:  []string{"x"},
		Outputs: []string{"y"},
		Nodes: []graph.Node{
			{Name: "conv", Op: graph.OpConv, Inputs: []string{"x", "w"}, Outputs: []string{"acc"},
				Attrs: graph.Attrs{"pads": graph.IntList(1, 1, 1, 1)}},
			{Name: "scale", Op: graph.OpMul, Inputs: []string{"acc", "s"}, Outputs: []string{"scaled"}},
			{Name: "act", Op: graph.OpMultiThreshold, Inputs: []string{"scaled", "t"}, Outputs: []string{"y"},
				Attrs: graph.Attrs{"out_dtype": "UINT2"}},
		},
		Tensors: []graph.Tensor{
			testutil.Input("x", graph.UInt(2), graph.LayoutNCHW, 1, 2, 4, 4),
			testutil.Typed(testutil.Const("w", graph.Shape{2, 2, 3, 3}, testutil.Ramp(36, -18, 1)...), graph.Int(6)),
			testutil.Const("s", graph.Shape{1}, 0.5),
			testutil.Const("t", graph.Shape{2, 3}, -3.5, 0.5, 4.25, -1, 2, 6.5),
		},
	}
}

func samples() []testutil.Array {
	return []testutil.Array{
		testutil.RandomInts(1, 0, 3, 1, 2, 4, 4),
		testutil.RandomInts(2, 0, 3, 1, 2, 4, 4),
		testutil.RandomInts(3, 0, 3, 1, 2, 4, 4),
	}
}

func fullBuild(t *testing.T, opts ...pipeline.Option) (*pipeline.Orchestrator, *buildcfg.Config) {
	t.Helper()
	cfg, err := buildcfg.New(buildcfg.WithMemMode(buildcfg.MemConst))
	require.NoError(t, err)
	o, err := pipeline.FromConfig(cfg, opts...)
	require.NoError(t, err)
	return o, cfg
}

func TestFullBuild(t *testing.T) {
	g := testutil.MustBuild(t, convNet())
	o, cfg := fullBuild(t, pipeline.WithSnapshots())
	assert.Equal(t, buildcfg.DefaultSteps(), o.Steps())

	res, err := o.Run(context.Background(), g, cfg)
	require.NoError(t, err)

	assert.Equal(t, []string{
		"Transpose",
		"FMPadding_Batch",
		"ConvolutionInputGenerator",
		"StreamingFCLayer_Batch",
		"Transpose",
	}, testutil.Ops(res.Graph))

	fc, err := res.Graph.Node("StreamingFCLayer_Batch_0")
	require.NoError(t, err)
	assert.Equal(t, "const", fc.Attrs.String("mem_mode", ""))
	thr, err := res.Graph.Tensor(fc.Inputs[2])
	require.NoError(t, err)
	assert.Equal(t, []float64{-7, 1, 9, -2, 4, 13}, thr.Value)

	testutil.RequireEquivalent(t, g, res.Graph, samples(), 0)

	require.Len(t, res.Snapshots, 4)
	assert.Same(t, res.Graph, res.Snapshots[3].Graph)
	for i, snap := range res.Snapshots {
		assert.Equal(t, cfg.Steps()[i], snap.Step)
		require.NoError(t, infer.Check(snap.Graph), "after %s", snap.Step)
		for n := range snap.Graph.Topo() {
			assert.True(t, strings.HasPrefix(n.Name, n.OpType()+"_"), "after %s: node %s", snap.Step, n.Name)
		}
		testutil.RequireEquivalent(t, g, snap.Graph, samples(), 0)
	}
	assert.Equal(t, []string{"global_in"}, res.Graph.Inputs())
	assert.Equal(t, []string{"global_out"}, res.Graph.Outputs())
}

func TestRunIsDeterministic(t *testing.T) {
	g := testutil.MustBuild(t, convNet())
	o, cfg := fullBuild(t)

	first, err := o.Run(context.Background(), g, cfg)
	require.NoError(t, err)
	second, err := o.Run(context.Background(), g, cfg)
	require.NoError(t, err)

	assert.True(t, graph.Equal(first.Graph, second.Graph))
	if diff := cmp.Diff(first.Graph.Definition(), second.Graph.Definition()); diff != "" {
		t.Errorf("runs differ (-first +second):\n%s", diff)
	}
}

func TestConcurrentRunsShareInput(t *testing.T) {
	g := testutil.MustBuild(t, convNet())
	before := g.Definition()
	o, cfg := fullBuild(t)

	results := make([]*pipeline.Result, 2)
	var wg sync.WaitGroup
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := o.Run(context.Background(), g, cfg)
			assert.NoError(t, err)
			results[i] = res
		}()
	}
	wg.Wait()

	require.NotNil(t, results[0])
	require.NotNil(t, results[1])
	assert.True(t, graph.Equal(results[0].Graph, results[1].Graph))
	if diff := cmp.Diff(before, g.Definition()); diff != "" {
		t.Errorf("input graph mutated (-before +after):\n%s", diff)
	}
}

func recorder(calls *[]string, name string) pipeline.Step {
	return pipeline.Step{Name: name, Run: func(_ context.Context, g *graph.Graph, _ *buildcfg.Config) (*graph.Graph, error) {
		*calls = append(*calls, name)
		return g, nil
	}}
}

func TestMalformedDefinitionFailsBeforeAnyStep(t *testing.T) {
	var calls []string
	o, err := pipeline.New([]pipeline.Step{recorder(&calls, "first")})
	require.NoError(t, err)

	def := convNet()
	def.Tensors = append(def.Tensors, testutil.Const("s", graph.Shape{1}, 2))

	res, err := o.RunDefinition(context.Background(), def, nil)
	assert.Nil(t, res)
	var mg *graph.MalformedGraphError
	require.ErrorAs(t, err, &mg)
	assert.Equal(t, "s", mg.Name)
	assert.Empty(t, calls)
}

func TestFirstFailingStepAbortsTheRun(t *testing.T) {
	boom := errors.New("boom")
	var calls []string
	o, err := pipeline.New([]pipeline.Step{
		recorder(&calls, "first"),
		{Name: "failing", Run: func(context.Context, *graph.Graph, *buildcfg.Config) (*graph.Graph, error) {
			return nil, boom
		}},
		recorder(&calls, "never"),
	})
	require.NoError(t, err)

	g := testutil.MustBuild(t, convNet())
	res, err := o.Run(context.Background(), g, nil)
	assert.Nil(t, res)
	require.ErrorIs(t, err, boom)

	var se *pipeline.StepError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "failing", se.Step)
	assert.Equal(t, 1, se.Index)
	assert.Equal(t, g.Version(), se.Version)
	assert.Equal(t, []string{"first"}, calls)
}

func TestStepErrorNamesTransformationAndNode(t *testing.T) {
	g := testutil.MustBuild(t, graph.Definition{
		Name:    "topk",
		Inputs:  []string{"x"},
		Outputs: []string{"y"},
		Nodes: []graph.Node{
			{Name: "top", Op: graph.OpTopK, Inputs: []string{"x"}, Outputs: []string{"y"},
				Attrs: graph.Attrs{"k": int64(2), "axis": int64(1)}},
		},
		Tensors: []graph.Tensor{testutil.Input("x", graph.UInt(4), graph.LayoutNCHW, 1, 4, 2, 2)},
	})
	o, cfg := fullBuild(t)
	_, err := o.Run(context.Background(), g, cfg)
	require.Error(t, err)

	var se *pipeline.StepError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "convert_to_hw_layers", se.Step)
	assert.Equal(t, 3, se.Index)
	assert.Equal(t, "InferLabelSelect", se.Transformation)
	assert.Equal(t, "TopK_0", se.Node)
	assert.Greater(t, se.Version, g.Version())

	var up *graph.UnsupportedPatternError
	assert.ErrorAs(t, err, &up)
	assert.Contains(t, err.Error(), "InferLabelSelect")
}

func TestDegenerateWindowsFailWithInferenceError(t *testing.T) {
	tests := []struct {
		name string
		node graph.Node
		x    graph.Tensor
		w    []graph.Tensor
	}{
		{
			name: "conv with zero stride",
			node: graph.Node{Name: "conv", Op: graph.OpConv, Inputs: []string{"x", "w"}, Outputs: []string{"y"},
				Attrs: graph.Attrs{"strides": graph.IntList(0, 0)}},
			x: testutil.Input("x", graph.UInt(2), graph.LayoutNCHW, 1, 2, 4, 4),
			w: []graph.Tensor{testutil.Const("w", graph.Shape{2, 2, 3, 3}, testutil.Ramp(36, -18, 1)...)},
		},
		{
			name: "max pool with zero kernel",
			node: graph.Node{Name: "pool", Op: graph.OpMaxPool, Inputs: []string{"x"}, Outputs: []string{"y"},
				Attrs: graph.Attrs{"kernel_shape": graph.IntList(0, 0)}},
			x: testutil.Input("x", graph.UInt(2), graph.LayoutNCHW, 1, 2, 4, 4),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o, cfg := fullBuild(t)
			res, err := o.RunDefinition(context.Background(), graph.Definition{
				Name:    "window",
				Inputs:  []string{"x"},
				Outputs: []string{"y"},
				Nodes:   []graph.Node{tt.node},
				Tensors: append([]graph.Tensor{tt.x}, tt.w...),
			}, cfg)
			assert.Nil(t, res)

			var se *pipeline.StepError
			require.ErrorAs(t, err, &se)
			assert.Equal(t, "tidy_up", se.Step)
			assert.Equal(t, "InferDataTypes", se.Transformation)
			assert.Equal(t, tt.node.Name, se.Node)

			var ie *graph.InferenceError
			require.ErrorAs(t, err, &ie)
			assert.Contains(t, ie.Reason, "must be positive")
		})
	}
}

func TestStepErrorNamesTensor(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		node   string
		tensor string
	}{
		{
			name:   "missing tensor",
			err:    &graph.NotFoundError{Kind: "tensor", Name: "acc"},
			tensor: "acc",
		},
		{
			name: "missing node",
			err:  &graph.NotFoundError{Kind: "node", Name: "conv"},
			node: "conv",
		},
		{
			name:   "duplicate tensor",
			err:    &graph.MalformedGraphError{Kind: "tensor", Name: "w_1", Reason: "duplicate tensor name"},
			tensor: "w_1",
		},
		{
			name:   "lossy threshold",
			err:    &graph.PrecisionError{Node: "act", Tensor: "t", Value: 0.5, DataType: graph.Int(4), Reason: "not an integer"},
			node:   "act",
			tensor: "t",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o, err := pipeline.New([]pipeline.Step{{Name: "failing", Run: func(context.Context, *graph.Graph, *buildcfg.Config) (*graph.Graph, error) {
				return nil, tt.err
			}}})
			require.NoError(t, err)

			_, err = o.Run(context.Background(), testutil.MustBuild(t, convNet()), nil)
			var se *pipeline.StepError
			require.ErrorAs(t, err, &se)
			assert.Equal(t, tt.node, se.Node)
			assert.Equal(t, tt.tensor, se.Tensor)
			if tt.tensor != "" {
				assert.Contains(t, se.Error(), "on tensor "+tt.tensor)
			}
		})
	}
}

func TestCancellation(t *testing.T) {
	g := testutil.MustBuild(t, convNet())

	t.Run("before the first step", func(t *testing.T) {
		var calls []string
		o, err := pipeline.New([]pipeline.Step{recorder(&calls, "first")})
		require.NoError(t, err)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		_, err = o.Run(ctx, g, nil)
		require.ErrorIs(t, err, context.Canceled)
		assert.Empty(t, calls)
	})

	t.Run("between steps", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		var calls []string
		o, err := pipeline.New([]pipeline.Step{
			{Name: "cancel", Run: func(_ context.Context, g *graph.Graph, _ *buildcfg.Config) (*graph.Graph, error) {
				cancel()
				return g, nil
			}},
			recorder(&calls, "second"),
		})
		require.NoError(t, err)

		_, err = o.Run(ctx, g, nil)
		var se *pipeline.StepError
		require.ErrorAs(t, err, &se)
		assert.Equal(t, 1, se.Index)
		assert.ErrorIs(t, err, context.Canceled)
		assert.Empty(t, calls)
	})
}

func TestRunLogsSteps(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	ctx := ctxlog.WithLogger(context.Background(), logger)

	o, cfg := fullBuild(t)
	_, err := o.Run(ctx, testutil.MustBuild(t, convNet()), cfg)
	require.NoError(t, err)

	out := buf.String()
	assert.Contains(t, out, `"msg":"Step finished."`)
	assert.Contains(t, out, `"step":"lower_convs"`)
	assert.Contains(t, out, `"graph":"convnet"`)
}

func TestStepRegistry(t *testing.T) {
	assert.Subset(t, pipeline.StepNames(), buildcfg.DefaultSteps())
	assert.Error(t, pipeline.Register("tidy_up", pipeline.TidyUp))

	step, ok := pipeline.Lookup("streamline")
	assert.True(t, ok)
	assert.Equal(t, "streamline", step.Name)

	cfg, err := buildcfg.New(buildcfg.WithSteps("tidy_up", "fold_everything"))
	require.NoError(t, err)
	_, err = pipeline.FromConfig(cfg)
	assert.Error(t, err)

	_, err = pipeline.New([]pipeline.Step{{Name: "a", Run: pipeline.TidyUp}, {Name: "a", Run: pipeline.TidyUp}})
	assert.Error(t, err)
	_, err = pipeline.New([]pipeline.Step{{Name: "nil"}})
	assert.Error(t, err)
}
