package converter

import (
	"slices"

	"github.com/zerfoo/zmf"

	"github.com/zerfoo/zdataflow/pkg/graph"
)

// ToZMF converts g into a ZMF model. Nodes are written in topological order
// and carry the datatype and layout of their outputs as attributes.
func ToZMF(g *graph.Graph) *zmf.Model {
	zg := &zmf.Graph{
		Nodes:      make([]*zmf.Node, 0, g.NumNodes()),
		Parameters: make(map[string]*zmf.Tensor),
	}
	for _, name := range g.Inputs() {
		zg.Inputs = append(zg.Inputs, valueInfo(g, name))
	}
	for _, name := range g.Outputs() {
		zg.Outputs = append(zg.Outputs, valueInfo(g, name))
	}
	for t := range g.Tensors() {
		if t.IsConstant() {
			zg.Parameters[t.Name] = encodeTensor(t)
		}
	}
	for n := range g.Topo() {
		zg.Nodes = append(zg.Nodes, exportNode(g, n))
	}
	return &zmf.Model{
		Graph: zg,
		Metadata: &zmf.Metadata{
			ProducerName:    producerName,
			ProducerVersion: producerVersion,
		},
	}
}

func valueInfo(g *graph.Graph, name string) *zmf.ValueInfo {
	vi := &zmf.ValueInfo{Name: name}
	if t, err := g.Tensor(name); err == nil {
		for _, d := range t.Shape {
			vi.Shape = append(vi.Shape, int64(max(d, 0)))
		}
	}
	return vi
}

func exportNode(g *graph.Graph, n graph.Node) *zmf.Node {
	zn := &zmf.Node{
		Name:       n.Name,
		OpType:     n.OpType(),
		Inputs:     slices.Clone(n.Inputs),
		Outputs:    slices.Clone(n.Outputs),
		Attributes: make(map[string]*zmf.Attribute, len(n.Attrs)+2),
	}
	for name, v := range n.Attrs {
		if za := exportAttribute(v); za != nil {
			zn.Attributes[name] = za
		}
	}

	dts := make([]string, len(n.Outputs))
	layouts := make([]string, len(n.Outputs))
	var shapes []int64
	annotated := false
	for i, out := range n.Outputs {
		t, err := g.Tensor(out)
		if err != nil || t.Shape == nil {
			shapes = append(shapes, -1)
		} else {
			shapes = append(shapes, int64(len(t.Shape)))
			for _, d := range t.Shape {
				shapes = append(shapes, int64(d))
			}
		}
		if err != nil {
			continue
		}
		dts[i], layouts[i] = t.DataType.String(), t.Layout.String()
		annotated = annotated || t.DataType.IsSet() || t.Layout != graph.LayoutUnknown || t.Shape != nil
	}
	if annotated {
		zn.Attributes[attrOutputDataTypes] = &zmf.Attribute{Value: &zmf.Attribute_Strings{Strings: &zmf.Strings{Val: dts}}}
		zn.Attributes[attrOutputLayouts] = &zmf.Attribute{Value: &zmf.Attribute_Strings{Strings: &zmf.Strings{Val: layouts}}}
		zn.Attributes[attrOutputShapes] = &zmf.Attribute{Value: &zmf.Attribute_Ints{Ints: &zmf.Ints{Val: shapes}}}
	}
	return zn
}

// exportAttribute narrows float attributes to float32, the only float width ZMF
// attributes carry.
func exportAttribute(v any) *zmf.Attribute {
	switch v := v.(type) {
	case int64:
		return &zmf.Attribute{Value: &zmf.Attribute_I{I: v}}
	case float64:
		return &zmf.Attribute{Value: &zmf.Attribute_F{F: float32(v)}}
	case string:
		return &zmf.Attribute{Value: &zmf.Attribute_S{S: v}}
	case []int64:
		return &zmf.Attribute{Value: &zmf.Attribute_Ints{Ints: &zmf.Ints{Val: slices.Clone(v)}}}
	case []float64:
		fs := make([]float32, len(v))
		for i, f := range v {
			fs[i] = float32(f)
		}
		return &zmf.Attribute{Value: &zmf.Attribute_Floats{Floats: &zmf.Floats{Val: fs}}}
	case []string:
		return &zmf.Attribute{Value: &zmf.Attribute_Strings{Strings: &zmf.Strings{Val: slices.Clone(v)}}}
	}
	return nil
}

