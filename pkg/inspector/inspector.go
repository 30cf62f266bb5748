// Package inspector prints human-readable summaries of ZMF models and graph
// snapshots.
package inspector

import (
	"fmt"
	"io"
	"maps"
	"slices"
	"strings"

	"github.com/zerfoo/zmf"

	"github.com/zerfoo/zdataflow/pkg/converter"
	"github.com/zerfoo/zdataflow/pkg/graph"
)

// printer keeps the first write error so callers can check once at the end.
type printer struct {
	w   io.Writer
	err error
}

func (p *printer) printf(format string, args ...any) {
	if p.err != nil {
		return
	}
	_, p.err = fmt.Fprintf(p.w, format, args...)
}

// InspectFile loads a ZMF model and prints its summary.
func InspectFile(w io.Writer, file string) error {
	model, err := converter.Load(file)
	if err != nil {
		return fmt.Errorf("failed to load ZMF model: %w", err)
	}
	p := &printer{w: w}
	p.printf("Inspecting ZMF model from: %s\n", file)
	if p.err != nil {
		return p.err
	}
	return InspectZMF(w, model)
}

// InspectZMF prints the producer, counts and nodes of a ZMF model.
func InspectZMF(w io.Writer, model *zmf.Model) error {
	p := &printer{w: w}
	meta := model.GetMetadata()
	p.printf("Producer: %s %s\n", meta.GetProducerName(), meta.GetProducerVersion())
	p.printf("Opset version: %d\n", meta.GetOpsetVersion())
	p.printf("Graph has %d nodes.\n", len(model.GetGraph().GetNodes()))
	p.printf("Graph has %d parameters.\n", len(model.GetGraph().GetParameters()))

	p.printf("\nNodes:\n")
	for _, node := range model.GetGraph().GetNodes() {
		p.printf("- Node: %s, OpType: %s\n", node.GetName(), node.GetOpType())
		p.printf("  Inputs: %v\n", node.GetInputs())
		p.printf("  Outputs: %v\n", node.GetOutputs())
		attrs := node.GetAttributes()
		if len(attrs) == 0 {
			continue
		}
		p.printf("  Attributes:\n")
		for _, name := range slices.Sorted(maps.Keys(attrs)) {
			p.printf("    - %s: %s\n", name, formatAttribute(attrs[name]))
		}
	}
	return p.err
}

func formatAttribute(za *zmf.Attribute) string {
	switch v := za.GetValue().(type) {
	case *zmf.Attribute_F:
		return fmt.Sprint(v.F)
	case *zmf.Attribute_I:
		return fmt.Sprint(v.I)
	case *zmf.Attribute_S:
		return fmt.Sprintf("%q", v.S)
	case *zmf.Attribute_Ints:
		return fmt.Sprint(v.Ints.GetVal())
	case *zmf.Attribute_Floats:
		return fmt.Sprint(v.Floats.GetVal())
	case *zmf.Attribute_Strings:
		return fmt.Sprintf("%q", v.Strings.GetVal())
	}
	return "<unsupported>"
}

// InspectGraph prints a snapshot: its interface, an operator histogram and
// every node in topological order with the metadata of its outputs.
func InspectGraph(w io.Writer, g *graph.Graph) error {
	p := &printer{w: w}
	p.printf("Graph: %s (version %d)\n", g.Name(), g.Version())
	for _, name := range g.Inputs() {
		p.printf("  Input: %s\n", describe(g, name))
	}
	for _, name := range g.Outputs() {
		p.printf("  Output: %s\n", describe(g, name))
	}

	counts := make(map[string]int)
	hw := 0
	for n := range g.Topo() {
		counts[n.OpType()]++
		if n.Op.IsHardwareLayer() {
			hw++
		}
	}
	p.printf("Graph has %d nodes, %d of them hardware layers.\n", g.NumNodes(), hw)
	for _, op := range slices.Sorted(maps.Keys(counts)) {
		p.printf("  %-30s %d\n", op, counts[op])
	}

	p.printf("\nNodes:\n")
	for n := range g.Topo() {
		p.printf("- Node: %s, OpType: %s\n", n.Name, n.OpType())
		p.printf("  Inputs: %s\n", strings.Join(n.Inputs, ", "))
		for _, out := range n.Outputs {
			p.printf("  Output: %s\n", describe(g, out))
		}
	}
	return p.err
}

func describe(g *graph.Graph, name string) string {
	t, err := g.Tensor(name)
	if err != nil {
		return name
	}
	dt := t.DataType.String()
	if dt == "" {
		dt = "?"
	}
	s := fmt.Sprintf("%s %s %s", name, dt, t.Shape)
	if t.Layout != graph.LayoutUnknown {
		s += " " + t.Layout.String()
	}
	return s
}
