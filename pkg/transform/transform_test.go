package transform_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zerfoo/zdataflow/internal/testutil"
	"github.com/zerfoo/zdataflow/pkg/graph"
	"github.com/zerfoo/zdataflow/pkg/transform"
)

func affine(t *testing.T) *graph.Graph {
	t.Helper()
	return testutil.MustBuild(t, graph.Definition{
		Name:    "affine",
		Inputs:  []string{"a"},
		Outputs: []string{"z"},
		Nodes: []graph.Node{
			{Name: "m", Op: graph.OpMul, Inputs: []string{"a", "w"}, Outputs: []string{"t1"}},
			{Name: "n", Op: graph.OpAdd, Inputs: []string{"t1", "b"}, Outputs: []string{"z"}},
		},
		Tensors: []graph.Tensor{
			testutil.Input("a", graph.Float32, graph.LayoutNC, 1, 4),
			testutil.Const("w", graph.Shape{4}, 1, 2, 3, 4),
			testutil.Const("b", graph.Shape{4}, 0.5, 0.5, 0.5, 0.5),
		},
	})
}

func tensorNames(g *graph.Graph) []string {
	var names []string
	for t := range g.Tensors() {
		names = append(names, t.Name)
	}
	return names
}

func nodeNames(g *graph.Graph) []string {
	var names []string
	for n := range g.Topo() {
		names = append(names, n.Name)
	}
	return names
}

func TestGiveUniqueNodeNames(t *testing.T) {
	g := affine(t)
	got, err := transform.Apply(transform.GiveUniqueNodeNames(), g, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"Mul_0", "Add_0"}, nodeNames(got))
	assert.Equal(t, g.Version()+1, got.Version())
	assert.Equal(t, []string{"m", "n"}, nodeNames(g))

	again, err := transform.Apply(transform.GiveUniqueNodeNames(), got, 0)
	require.NoError(t, err)
	assert.Same(t, got, again)
}

func TestGiveReadableTensorNames(t *testing.T) {
	g := affine(t)
	got, err := transform.Apply(transform.GiveReadableTensorNames(), g, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"global_in", "global_out", "m_out0", "m_param1", "n_param1"}, tensorNames(got))
	assert.Equal(t, []string{"global_in"}, got.Inputs())
	assert.Equal(t, []string{"global_out"}, got.Outputs())

	w, err := got.Tensor("m_param1")
	require.NoError(t, err)
	assert.Equal(t, []float64{1, 2, 3, 4}, w.Value)
	assert.True(t, w.Shape.Equal(graph.Shape{4}))

	m, err := got.Node("m")
	require.NoError(t, err)
	assert.Equal(t, []string{"global_in", "m_param1"}, m.Inputs)
}

func TestRenormalizeRestoresMetadata(t *testing.T) {
	g := affine(t)
	ed := g.Edit()
	n, ok := ed.Node("n")
	require.True(t, ok)
	n.Op = graph.OpMul
	ed.ReplaceNode(n)
	edited, err := ed.Commit()
	require.NoError(t, err)
	require.False(t, edited.MetadataFresh())

	got, err := transform.Apply(transform.Sequence("renormalize", transform.Renormalize()...), edited, 0)
	require.NoError(t, err)
	assert.True(t, got.MetadataFresh())
	assert.Equal(t, []string{"Mul_0", "Mul_1"}, nodeNames(got))
	out, err := got.Tensor("global_out")
	require.NoError(t, err)
	assert.Equal(t, graph.Float32, out.DataType)
	assert.True(t, out.Shape.Equal(graph.Shape{1, 4}))
}

// renamer renames its single node on every application, so it never reaches
// a fixed point.
func renamer(calls *int) transform.Transformation {
	return transform.Func("renamer", false, func(g *graph.Graph) (*graph.Graph, error) {
		*calls++
		ed := g.Edit()
		for n := range g.Topo() {
			ed.RenameNode(n.Name, fmt.Sprintf("%s_%d", n.Name, *calls))
		}
		return ed.Commit()
	})
}

type bounded struct {
	transform.Transformation
	passes int
}

func (b bounded) MaxPasses() int { return b.passes }

func TestApplyFixedPoint(t *testing.T) {
	g := affine(t)

	t.Run("idempotent runs once", func(t *testing.T) {
		calls := 0
		once := transform.Func("once", true, func(g *graph.Graph) (*graph.Graph, error) {
			calls++
			return g, nil
		})
		_, err := transform.Apply(once, g, 10)
		require.NoError(t, err)
		assert.Equal(t, 1, calls)
	})

	t.Run("stops when the graph stops changing", func(t *testing.T) {
		calls := 0
		settle := transform.Func("settle", false, func(g *graph.Graph) (*graph.Graph, error) {
			calls++
			if calls > 2 {
				return g, nil
			}
			return transform.GiveUniqueNodeNames().Apply(g)
		})
		got, err := transform.Apply(settle, g, 10)
		require.NoError(t, err)
		assert.Equal(t, 2, calls)
		assert.Equal(t, []string{"Mul_0", "Add_0"}, nodeNames(got))
	})

	t.Run("pass bound", func(t *testing.T) {
		calls := 0
		_, err := transform.Apply(renamer(&calls), g, 5)
		require.NoError(t, err)
		assert.Equal(t, 5, calls)
	})

	t.Run("default bound", func(t *testing.T) {
		calls := 0
		_, err := transform.Apply(renamer(&calls), g, 0)
		require.NoError(t, err)
		assert.Equal(t, transform.DefaultMaxPasses, calls)
	})

	t.Run("declared bound wins", func(t *testing.T) {
		calls := 0
		_, err := transform.Apply(bounded{renamer(&calls), 3}, g, 10)
		require.NoError(t, err)
		assert.Equal(t, 3, calls)
	})
}

func TestErrorsNameTheFailingTransformation(t *testing.T) {
	g := affine(t)
	lookup := transform.Func("lookup", true, func(g *graph.Graph) (*graph.Graph, error) {
		_, err := g.Node("missing")
		return nil, err
	})
	battery := transform.Battery("outer", transform.GiveUniqueNodeNames(), lookup)

	_, err := transform.Apply(battery, g, 0)
	require.Error(t, err)

	var te *transform.Error
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "lookup", te.Transformation)

	var nf *graph.NotFoundError
	require.True(t, errors.As(err, &nf))
	assert.Equal(t, "missing", nf.Name)
}

func TestCompositeParts(t *testing.T) {
	c := transform.Compose(transform.GiveUniqueNodeNames(), transform.Renormalize()...)
	assert.Equal(t, "GiveUniqueNodeNames", c.Name())
	assert.True(t, c.Idempotent())

	var names []string
	for _, p := range c.Parts() {
		names = append(names, p.Name())
	}
	assert.Equal(t, []string{"GiveUniqueNodeNames", "GiveUniqueNodeNames", "GiveReadableTensorNames", "InferDataTypes"}, names)
}

func TestNodeRewrite(t *testing.T) {
	g := affine(t)
	// turn every Add into a Mul, one node per sweep iteration
	toMul := func(g *graph.Graph, n graph.Node) (transform.Match, error) {
		if n.Op != graph.OpAdd {
			return nil, nil
		}
		return func(ed *graph.Editor) error {
			n.Op = graph.OpMul
			ed.ReplaceNode(n)
			return nil
		}, nil
	}

	sweep := transform.NewRewrite("AddToMul", toMul)
	assert.True(t, sweep.Idempotent())
	got, err := sweep.Apply(g)
	require.NoError(t, err)
	assert.Equal(t, []string{"Mul", "Mul"}, testutil.Ops(got))
	assert.False(t, got.MetadataFresh())

	refreshed := transform.NewRewrite("AddToMul", toMul, transform.WithRefresh(transform.InferMetadata().Apply))
	got, err = refreshed.Apply(g)
	require.NoError(t, err)
	assert.True(t, got.MetadataFresh())

	single := transform.NewRewrite("AddToMul", toMul, transform.SingleStep())
	assert.False(t, single.Idempotent())
	unchanged, err := single.Apply(got)
	require.NoError(t, err)
	assert.Same(t, got, unchanged)
}
