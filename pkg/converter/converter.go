// Package converter translates between the ZMF interchange format and the
// graph model.
package converter

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/zerfoo/zmf"
	"google.golang.org/protobuf/proto"

	"github.com/zerfoo/zdataflow/pkg/buildcfg"
	"github.com/zerfoo/zdataflow/pkg/graph"
)

const (
	producerName    = "zdataflow"
	producerVersion = "0.1.0"

	// Node attributes carrying the metadata of a node's outputs, in output order.
	attrOutputDataTypes = "output_datatypes"
	attrOutputLayouts   = "output_layouts"
	// Shapes are flattened as rank followed by dims; rank -1 is unknown.
	attrOutputShapes = "output_shapes"
)

// Load reads and deserializes a ZMF model from a file.
func Load(file string) (*zmf.Model, error) {
	data, err := os.ReadFile(file)
	if err != nil {
		return nil, fmt.Errorf("failed to read ZMF file: %w", err)
	}
	model := &zmf.Model{}
	if err := proto.Unmarshal(data, model); err != nil {
		return nil, fmt.Errorf("failed to unmarshal ZMF model %s: %w", file, err)
	}
	return model, nil
}

// LoadFile reads a ZMF model and converts it, naming the graph after the file.
func LoadFile(file string, annotations map[string]buildcfg.Annotation) (graph.Definition, error) {
	model, err := Load(file)
	if err != nil {
		return graph.Definition{}, err
	}
	def, err := FromZMF(model, annotations)
	if err != nil {
		return graph.Definition{}, fmt.Errorf("failed to convert %s: %w", file, err)
	}
	def.Name = strings.TrimSuffix(filepath.Base(file), filepath.Ext(file))
	return def, nil
}

// SaveFile serializes g deterministically: the same graph always produces
// the same bytes.
func SaveFile(file string, g *graph.Graph) error {
	data, err := Marshal(g)
	if err != nil {
		return err
	}
	if err := os.WriteFile(file, data, 0o644); err != nil {
		return fmt.Errorf("failed to write ZMF file: %w", err)
	}
	return nil
}

// Marshal returns the deterministic ZMF encoding of g.
func Marshal(g *graph.Graph) ([]byte, error) {
	data, err := proto.MarshalOptions{Deterministic: true}.Marshal(ToZMF(g))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal ZMF model: %w", err)
	}
	return data, nil
}

// FromZMF converts a ZMF model into a graph definition. Annotations set the
// datatype and layout of named tensors; graph inputs without one default to
// FLOAT32 with a layout guessed from their rank.
func FromZMF(model *zmf.Model, annotations map[string]buildcfg.Annotation) (graph.Definition, error) {
	zg := model.GetGraph()
	if zg == nil {
		return graph.Definition{}, errors.New("model graph is nil")
	}
	def := graph.Definition{}
	declared := make(map[string]int)
	declare := func(t graph.Tensor) {
		if i, ok := declared[t.Name]; ok {
			def.Tensors[i] = t
			return
		}
		declared[t.Name] = len(def.Tensors)
		def.Tensors = append(def.Tensors, t)
	}

	for _, in := range zg.GetInputs() {
		shape := convertShape(in.GetShape())
		def.Inputs = append(def.Inputs, in.GetName())
		declare(graph.Tensor{Name: in.GetName(), DataType: graph.Float32, Shape: shape, Layout: defaultLayout(len(shape))})
	}
	for _, out := range zg.GetOutputs() {
		def.Outputs = append(def.Outputs, out.GetName())
	}

	names := make([]string, 0, len(zg.GetParameters()))
	for name := range zg.GetParameters() {
		names = append(names, name)
	}
	slices.Sort(names)
	for _, name := range names {
		t, err := convertTensor(name, zg.GetParameters()[name])
		if err != nil {
			return graph.Definition{}, fmt.Errorf("failed to convert parameter '%s': %w", name, err)
		}
		declare(t)
	}

	for _, zn := range zg.GetNodes() {
		n, outs, err := convertNode(zn)
		if err != nil {
			return graph.Definition{}, fmt.Errorf("failed to convert node '%s': %w", zn.GetName(), err)
		}
		def.Nodes = append(def.Nodes, n)
		for _, t := range outs {
			declare(t)
		}
	}

	annotated := make([]string, 0, len(annotations))
	for name := range annotations {
		annotated = append(annotated, name)
	}
	slices.Sort(annotated)
	for _, name := range annotated {
		i, ok := declared[name]
		if !ok {
			if !produced(def.Nodes, name) {
				return graph.Definition{}, fmt.Errorf("annotation for unknown tensor '%s'", name)
			}
			declare(graph.Tensor{Name: name})
			i = declared[name]
		}
		a := annotations[name]
		if a.DataType.IsSet() {
			def.Tensors[i].DataType = a.DataType
		}
		if a.Layout != graph.LayoutUnknown {
			def.Tensors[i].Layout = a.Layout
		}
	}
	return def, nil
}

func produced(nodes []graph.Node, tensor string) bool {
	for _, n := range nodes {
		if slices.Contains(n.Outputs, tensor) {
			return true
		}
	}
	return false
}

func convertShape(dims []int64) graph.Shape {
	shape := make(graph.Shape, len(dims))
	for i, d := range dims {
		if d <= 0 {
			shape[i] = -1
			continue
		}
		shape[i] = int(d)
	}
	return shape
}

func defaultLayout(rank int) graph.Layout {
	switch rank {
	case 4:
		return graph.LayoutNCHW
	case 2:
		return graph.LayoutNC
	case 1:
		return graph.LayoutC
	}
	return graph.LayoutUnknown
}

// convertNode returns the node and the tensors its metadata attributes declare.
func convertNode(zn *zmf.Node) (graph.Node, []graph.Tensor, error) {
	n := graph.Node{
		Name:    zn.GetName(),
		Op:      graph.ParseOpKind(zn.GetOpType()),
		Inputs:  slices.Clone(zn.GetInputs()),
		Outputs: slices.Clone(zn.GetOutputs()),
		Attrs:   make(graph.Attrs, len(zn.GetAttributes())),
	}
	if n.Op == graph.OpCustom {
		n.CustomOp = zn.GetOpType()
	}

	outs := make([]graph.Tensor, len(n.Outputs))
	for i, name := range n.Outputs {
		outs[i].Name = name
	}
	for name, za := range zn.GetAttributes() {
		switch name {
		case attrOutputDataTypes:
			for i, s := range za.GetStrings().GetVal() {
				dt, err := graph.ParseDataType(s)
				if err != nil || i >= len(outs) {
					return n, nil, fmt.Errorf("bad %s entry %q", name, s)
				}
				outs[i].DataType = dt
			}
			continue
		case attrOutputLayouts:
			for i, s := range za.GetStrings().GetVal() {
				l, err := graph.ParseLayout(s)
				if err != nil || i >= len(outs) {
					return n, nil, fmt.Errorf("bad %s entry %q", name, s)
				}
				outs[i].Layout = l
			}
			continue
		case attrOutputShapes:
			if err := decodeShapes(za.GetInts().GetVal(), outs); err != nil {
				return n, nil, fmt.Errorf("bad %s: %w", name, err)
			}
			continue
		}
		v, err := convertAttribute(za)
		if err != nil {
			return n, nil, fmt.Errorf("failed to convert attribute '%s': %w", name, err)
		}
		n.Attrs[name] = v
	}

	declared := outs[:0]
	for _, t := range outs {
		if t.DataType.IsSet() || t.Layout != graph.LayoutUnknown || t.Shape != nil {
			declared = append(declared, t)
		}
	}
	return n, declared, nil
}

func decodeShapes(flat []int64, outs []graph.Tensor) error {
	for i := range outs {
		if len(flat) == 0 {
			return errors.New("fewer shapes than outputs")
		}
		rank := int(flat[0])
		flat = flat[1:]
		if rank < 0 {
			continue
		}
		if rank > len(flat) {
			return fmt.Errorf("rank %d exceeds the remaining %d dims", rank, len(flat))
		}
		outs[i].Shape = make(graph.Shape, rank)
		for j := range rank {
			outs[i].Shape[j] = int(flat[j])
		}
		flat = flat[rank:]
	}
	return nil
}

func convertAttribute(za *zmf.Attribute) (any, error) {
	switch v := za.GetValue().(type) {
	case *zmf.Attribute_F:
		return float64(v.F), nil
	case *zmf.Attribute_I:
		return v.I, nil
	case *zmf.Attribute_S:
		return v.S, nil
	case *zmf.Attribute_Ints:
		return slices.Clone(v.Ints.GetVal()), nil
	case *zmf.Attribute_Floats:
		fs := v.Floats.GetVal()
		out := make([]float64, len(fs))
		for i, f := range fs {
			out[i] = float64(f)
		}
		return out, nil
	case *zmf.Attribute_Strings:
		return slices.Clone(v.Strings.GetVal()), nil
	}
	return nil, fmt.Errorf("unsupported attribute value %T", za.GetValue())
}
