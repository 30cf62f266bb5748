package graph

import (
	"fmt"
	"maps"
	"reflect"
	"slices"
)

// Attrs maps attribute names to values. Values are int64, float64, string,
// []int64, []float64 or []string.
type Attrs map[string]any

// Clone returns a deep copy.
func (a Attrs) Clone() Attrs {
	if a == nil {
		return nil
	}
	out := make(Attrs, len(a))
	for k, v := range a {
		switch x := v.(type) {
		case []int64:
			out[k] = slices.Clone(x)
		case []float64:
			out[k] = slices.Clone(x)
		case []string:
			out[k] = slices.Clone(x)
		default:
			out[k] = v
		}
	}
	return out
}

// Int returns an integer attribute or def when absent.
func (a Attrs) Int(name string, def int64) int64 {
	switch v := a[name].(type) {
	case int64:
		return v
	case float64:
		return int64(v)
	}
	return def
}

// Float returns a float attribute or def when absent.
func (a Attrs) Float(name string, def float64) float64 {
	switch v := a[name].(type) {
	case float64:
		return v
	case int64:
		return float64(v)
	}
	return def
}

// String returns a string attribute or def when absent.
func (a Attrs) String(name, def string) string {
	if v, ok := a[name].(string); ok {
		return v
	}
	return def
}

// Ints returns an integer-list attribute as ints, or def when absent.
func (a Attrs) Ints(name string, def ...int) []int {
	v, ok := a[name].([]int64)
	if !ok {
		return def
	}
	out := make([]int, len(v))
	for i, x := range v {
		out[i] = int(x)
	}
	return out
}

// Has reports whether the attribute is present.
func (a Attrs) Has(name string) bool {
	_, ok := a[name]
	return ok
}

func validAttr(v any) bool {
	switch v.(type) {
	case int64, float64, string, []int64, []float64, []string:
		return true
	}
	return false
}

// IntList converts ints to the []int64 attribute representation.
func IntList(xs ...int) []int64 {
	out := make([]int64, len(xs))
	for i, x := range xs {
		out[i] = int64(x)
	}
	return out
}

// Node is one operation instance.
type Node struct {
	Name     string
	Op       OpKind
	CustomOp string
	Inputs   []string
	Outputs  []string
	Attrs    Attrs
}

// OpType returns the operator type name, using CustomOp for the fallback kind.
func (n Node) OpType() string {
	if n.Op == OpCustom && n.CustomOp != "" {
		return n.CustomOp
	}
	return n.Op.String()
}

// Clone returns a deep copy.
func (n Node) Clone() Node {
	n.Inputs = slices.Clone(n.Inputs)
	n.Outputs = slices.Clone(n.Outputs)
	n.Attrs = n.Attrs.Clone()
	return n
}

// Input returns the i-th input name or "" when absent.
func (n Node) Input(i int) string {
	if i < len(n.Inputs) {
		return n.Inputs[i]
	}
	return ""
}

// Output returns the i-th output name or "" when absent.
func (n Node) Output(i int) string {
	if i < len(n.Outputs) {
		return n.Outputs[i]
	}
	return ""
}

func (n Node) String() string {
	return fmt.Sprintf("%s(%s)", n.Name, n.OpType())
}

func (n Node) equal(o Node) bool {
	return n.Name == o.Name && n.Op == o.Op && n.CustomOp == o.CustomOp &&
		slices.Equal(n.Inputs, o.Inputs) && slices.Equal(n.Outputs, o.Outputs) &&
		maps.EqualFunc(n.Attrs, o.Attrs, func(a, b any) bool { return reflect.DeepEqual(a, b) })
}
