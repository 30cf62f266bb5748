package transform

import (
	"fmt"

	"github.com/zerfoo/zdataflow/pkg/graph"
)

const scratchPrefix = "~rename~"

// GiveUniqueNodeNames names every node <OpType>_<n>, counting per operator
// type in topological order.
func GiveUniqueNodeNames() Transformation {
	return Func("GiveUniqueNodeNames", true, func(g *graph.Graph) (*graph.Graph, error) {
		counts := make(map[string]int)
		targets := make(map[string]string, g.NumNodes())
		order := make([]string, 0, g.NumNodes())
		changed := false
		for n := range g.Topo() {
			op := n.OpType()
			name := fmt.Sprintf("%s_%d", op, counts[op])
			counts[op]++
			targets[n.Name] = name
			order = append(order, n.Name)
			changed = changed || name != n.Name
		}
		if !changed {
			return g, nil
		}
		ed := g.Edit()
		for i, old := range order {
			ed.RenameNode(old, fmt.Sprintf("%s%d", scratchPrefix, i))
		}
		for i, old := range order {
			ed.RenameNode(fmt.Sprintf("%s%d", scratchPrefix, i), targets[old])
		}
		return ed.Commit()
	})
}

// GiveReadableTensorNames renames tensors after the nodes that touch them:
// <node>_out<i> for outputs, <node>_param<i> for constants (named after their
// first consumer), global_in / global_out for graph inputs and outputs.
func GiveReadableTensorNames() Transformation {
	return Func("GiveReadableTensorNames", true, func(g *graph.Graph) (*graph.Graph, error) {
		targets := make(map[string]string)
		var order []string
		assign := func(old, name string) {
			if _, seen := targets[old]; !seen {
				order = append(order, old)
			}
			targets[old] = name
		}
		for n := range g.Topo() {
			for i, out := range n.Outputs {
				assign(out, fmt.Sprintf("%s_out%d", n.Name, i))
			}
			for i, in := range n.Inputs {
				if _, seen := targets[in]; !seen && g.IsConstant(in) {
					assign(in, fmt.Sprintf("%s_param%d", n.Name, i))
				}
			}
		}
		for i, in := range g.Inputs() {
			assign(in, indexed("global_in", i))
		}
		for i, out := range g.Outputs() {
			assign(out, indexed("global_out", i))
		}

		changed := false
		for old, name := range targets {
			changed = changed || old != name
		}
		if !changed {
			return g, nil
		}
		ed := g.Edit()
		for i, old := range order {
			ed.RenameTensor(old, fmt.Sprintf("%s%d", scratchPrefix, i))
		}
		for i, old := range order {
			ed.RenameTensor(fmt.Sprintf("%s%d", scratchPrefix, i), targets[old])
		}
		return ed.Commit()
	})
}

func indexed(base string, i int) string {
	if i == 0 {
		return base
	}
	return fmt.Sprintf("%s_%d", base, i)
}
