package graph

import (
	"fmt"
	"slices"
	"strings"
)

// Shape is an ordered list of dimension sizes. A nil Shape has unknown rank;
// a negative dimension is unknown.
type Shape []int

// Known reports whether the rank and every dimension are known.
func (s Shape) Known() bool {
	if s == nil {
		return false
	}
	for _, d := range s {
		if d < 0 {
			return false
		}
	}
	return true
}

// NumElements returns the element count, or -1 when the shape is not fully known.
func (s Shape) NumElements() int {
	if !s.Known() {
		return -1
	}
	n := 1
	for _, d := range s {
		n *= d
	}
	return n
}

// Equal compares two shapes, distinguishing unknown rank from a scalar.
func (s Shape) Equal(o Shape) bool {
	if (s == nil) != (o == nil) {
		return false
	}
	return slices.Equal(s, o)
}

// Clone returns an independent copy.
func (s Shape) Clone() Shape {
	if s == nil {
		return nil
	}
	return slices.Clone(s)
}

func (s Shape) String() string {
	if s == nil {
		return "?"
	}
	parts := make([]string, len(s))
	for i, d := range s {
		if d < 0 {
			parts[i] = "?"
		} else {
			parts[i] = fmt.Sprint(d)
		}
	}
	return "(" + strings.Join(parts, ", ") + ")"
}

// Layout tags the semantic order of tensor axes.
type Layout uint8

const (
	LayoutUnknown Layout = iota
	LayoutNCHW
	LayoutNHWC
	LayoutNC
	LayoutC
)

var layoutNames = [...]string{"", "NCHW", "NHWC", "NC", "C"}

func (l Layout) String() string {
	if int(l) < len(layoutNames) {
		return layoutNames[l]
	}
	return ""
}

// ParseLayout is the inverse of Layout.String.
func ParseLayout(s string) (Layout, error) {
	for i, name := range layoutNames {
		if strings.EqualFold(name, s) {
			return Layout(i), nil
		}
	}
	return LayoutUnknown, fmt.Errorf("invalid layout %q", s)
}

// ChannelAxis returns the channel axis of the layout for the given rank.
func (l Layout) ChannelAxis(rank int) int {
	switch l {
	case LayoutNHWC:
		return rank - 1
	case LayoutC:
		return 0
	}
	if rank < 2 {
		return rank - 1
	}
	return 1
}

// Tensor is a named value slot with optional static metadata and an optional
// embedded constant.
type Tensor struct {
	Name     string
	DataType DataType
	Shape    Shape
	Layout   Layout
	// Value holds the row-major constant data, nil for non-constant tensors.
	Value []float64
}

// IsConstant reports whether the tensor embeds a constant value.
func (t Tensor) IsConstant() bool { return t.Value != nil }

// Clone returns a deep copy.
func (t Tensor) Clone() Tensor {
	t.Shape = t.Shape.Clone()
	if t.Value != nil {
		t.Value = slices.Clone(t.Value)
	}
	return t
}

// Scalar returns the single value of a constant holding exactly one element.
func (t Tensor) Scalar() (float64, bool) {
	if len(t.Value) != 1 {
		return 0, false
	}
	return t.Value[0], true
}

// SameMetadata reports whether two tensors carry identical metadata annotations.
func (t Tensor) SameMetadata(o Tensor) bool {
	return t.DataType == o.DataType && t.Layout == o.Layout && t.Shape.Equal(o.Shape)
}

func (t Tensor) equal(o Tensor) bool {
	return t.Name == o.Name && t.SameMetadata(o) && (t.Value == nil) == (o.Value == nil) && slices.Equal(t.Value, o.Value)
}

// Broadcast returns the numpy-style broadcast of two known shapes.
func Broadcast(a, b Shape) (Shape, error) {
	n := max(len(a), len(b))
	out := make(Shape, n)
	for i := 0; i < n; i++ {
		da, db := 1, 1
		if j := len(a) - n + i; j >= 0 {
			da = a[j]
		}
		if j := len(b) - n + i; j >= 0 {
			db = b[j]
		}
		switch {
		case da == db, db == 1:
			out[i] = da
		case da == 1:
			out[i] = db
		default:
			return nil, fmt.Errorf("shapes %s and %s are not broadcastable", a, b)
		}
	}
	return out, nil
}

// Strides returns the row-major element strides of a known shape.
func (s Shape) Strides() []int {
	st := make([]int, len(s))
	acc := 1
	for i := len(s) - 1; i >= 0; i-- {
		st[i] = acc
		acc *= s[i]
	}
	return st
}
