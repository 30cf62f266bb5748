// Package transform defines the Transformation contract, the driver that
// applies a transformation to its fixed point, and the combinators used to
// build rewrite batteries.
package transform

import (
	"errors"
	"fmt"

	"github.com/zerfoo/zdataflow/pkg/graph"
)

// DefaultMaxPasses bounds the fixed-point loop of non-idempotent transformations.
const DefaultMaxPasses = 64

// Transformation is one semantics-preserving rewrite rule.
type Transformation interface {
	Name() string
	// Idempotent reports whether one application reaches the fixed point.
	Idempotent() bool
	Apply(g *graph.Graph) (*graph.Graph, error)
}

// Bounded is implemented by non-idempotent transformations that declare a
// fixed number of applications instead of the default bound.
type Bounded interface {
	MaxPasses() int
}

// Error tags a failure with the transformation that raised it.
type Error struct {
	Transformation string
	Err            error
}

func (e *Error) Error() string {
	return fmt.Sprintf("transformation %s failed: %v", e.Transformation, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func wrap(t Transformation, err error) error {
	var te *Error
	if errors.As(err, &te) {
		return err
	}
	return &Error{Transformation: t.Name(), Err: err}
}

// Apply runs t on g. Idempotent transformations run once; the others are
// repeated until two successive snapshots are equal or the pass bound is hit.
func Apply(t Transformation, g *graph.Graph, maxPasses int) (*graph.Graph, error) {
	if t.Idempotent() {
		next, err := t.Apply(g)
		if err != nil {
			return nil, wrap(t, err)
		}
		return next, nil
	}
	if b, ok := t.(Bounded); ok && b.MaxPasses() > 0 {
		maxPasses = b.MaxPasses()
	}
	if maxPasses <= 0 {
		maxPasses = DefaultMaxPasses
	}
	cur := g
	for range maxPasses {
		next, err := t.Apply(cur)
		if err != nil {
			return nil, wrap(t, err)
		}
		if graph.Equal(cur, next) {
			return next, nil
		}
		cur = next
	}
	return cur, nil
}

type funcTransform struct {
	name       string
	idempotent bool
	fn         func(*graph.Graph) (*graph.Graph, error)
}

// Func adapts a plain function into a Transformation.
func Func(name string, idempotent bool, fn func(*graph.Graph) (*graph.Graph, error)) Transformation {
	return &funcTransform{name: name, idempotent: idempotent, fn: fn}
}

func (f *funcTransform) Name() string                               { return f.name }
func (f *funcTransform) Idempotent() bool                           { return f.idempotent }
func (f *funcTransform) Apply(g *graph.Graph) (*graph.Graph, error) { return f.fn(g) }
