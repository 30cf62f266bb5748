package transform

import (
	"github.com/zerfoo/zdataflow/pkg/graph"
	"github.com/zerfoo/zdataflow/pkg/infer"
)

// Composite applies its parts in order, each driven to its own fixed point.
// It is itself idempotent: one application runs the whole chain.
type Composite struct {
	name      string
	parts     []Transformation
	maxPasses int
}

// Compose returns t followed by every transformation in tail. The result
// keeps t's name so failures in the tail are still attributed to the
// transformation that caused the refresh.
func Compose(t Transformation, tail ...Transformation) *Composite {
	return &Composite{name: t.Name(), parts: append([]Transformation{t}, tail...)}
}

// Sequence returns a named battery applying ts in order.
func Sequence(name string, ts ...Transformation) *Composite {
	return &Composite{name: name, parts: ts}
}

// Bound sets the pass bound used for non-idempotent parts.
func (c *Composite) Bound(maxPasses int) *Composite {
	c.maxPasses = maxPasses
	for _, p := range c.parts {
		if inner, ok := p.(*Composite); ok {
			inner.Bound(maxPasses)
		}
	}
	return c
}

func (c *Composite) Name() string     { return c.name }
func (c *Composite) Idempotent() bool { return true }

// Parts returns the transformations in application order.
func (c *Composite) Parts() []Transformation { return append([]Transformation(nil), c.parts...) }

func (c *Composite) Apply(g *graph.Graph) (*graph.Graph, error) {
	cur := g
	for _, p := range c.parts {
		next, err := Apply(p, cur, c.maxPasses)
		if err != nil {
			return nil, err
		}
		cur = next
	}
	return cur, nil
}

// InferMetadata re-derives shapes, datatypes and layouts.
func InferMetadata() Transformation {
	return Func("InferDataTypes", true, infer.Run)
}

// Renormalize is the refresh tail applied after every rewrite in a
// battery: unique node names, readable tensor names, fresh metadata.
func Renormalize() []Transformation {
	return []Transformation{GiveUniqueNodeNames(), GiveReadableTensorNames(), InferMetadata()}
}

// Battery composes every rule with the Renormalize tail and sequences them.
func Battery(name string, rules ...Transformation) *Composite {
	parts := make([]Transformation, len(rules))
	for i, r := range rules {
		parts[i] = Compose(r, Renormalize()...)
	}
	return Sequence(name, parts...)
}
