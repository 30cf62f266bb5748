package transform

import (
	"fmt"

	"github.com/zerfoo/zdataflow/pkg/graph"
)

// maxRewrites guards a sweep against rules that keep matching their own output.
const maxRewrites = 4096

// Match records one rewrite on an editor of the snapshot it was found in.
type Match func(ed *graph.Editor) error

// RewriteFunc inspects node n of g and returns a Match when n anchors a
// pattern, or nil when it does not.
type RewriteFunc func(g *graph.Graph, n graph.Node) (Match, error)

// NodeRewrite scans the graph in topological order for the first node
// anchoring a match, commits the rewrite and starts over.
type NodeRewrite struct {
	name    string
	fn      RewriteFunc
	single  bool
	refresh func(*graph.Graph) (*graph.Graph, error)
}

// RewriteOption configures a NodeRewrite.
type RewriteOption func(*NodeRewrite)

// SingleStep makes each Apply perform at most one rewrite. The rule then
// declares itself non-idempotent and relies on the fixed-point driver.
func SingleStep() RewriteOption {
	return func(r *NodeRewrite) { r.single = true }
}

// WithRefresh runs fn on every intermediate snapshot, typically metadata
// inference for rules that read shapes of tensors created by earlier matches.
func WithRefresh(fn func(*graph.Graph) (*graph.Graph, error)) RewriteOption {
	return func(r *NodeRewrite) { r.refresh = fn }
}

// NewRewrite builds a rule from a per-node matcher.
func NewRewrite(name string, fn RewriteFunc, opts ...RewriteOption) *NodeRewrite {
	r := &NodeRewrite{name: name, fn: fn}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *NodeRewrite) Name() string     { return r.name }
func (r *NodeRewrite) Idempotent() bool { return !r.single }

func (r *NodeRewrite) Apply(g *graph.Graph) (*graph.Graph, error) {
	cur := g
	for range maxRewrites {
		next, ok, err := r.rewriteFirst(cur)
		if err != nil {
			return nil, err
		}
		if !ok || r.single {
			return next, nil
		}
		cur = next
	}
	return nil, fmt.Errorf("no fixed point after %d rewrites", maxRewrites)
}

func (r *NodeRewrite) rewriteFirst(g *graph.Graph) (*graph.Graph, bool, error) {
	for n := range g.Topo() {
		m, err := r.fn(g, n)
		if err != nil {
			return nil, false, err
		}
		if m == nil {
			continue
		}
		ed := g.Edit()
		if err := m(ed); err != nil {
			return nil, false, err
		}
		next, err := ed.Commit()
		if err != nil {
			return nil, false, fmt.Errorf("failed to commit rewrite at node %s: %w", n.Name, err)
		}
		if r.refresh != nil {
			if next, err = r.refresh(next); err != nil {
				return nil, false, err
			}
		}
		return next, true, nil
	}
	return g, false, nil
}
