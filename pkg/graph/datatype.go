package graph

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// DataTypeKind is the family of a DataType.
type DataTypeKind uint8

const (
	KindUnset DataTypeKind = iota
	KindFloat
	KindInt
	KindUInt
	KindBipolar
	KindBinary
)

// DataType is a precision/quantization descriptor: a kind plus a bit width.
// The zero value means "not annotated".
type DataType struct {
	Kind DataTypeKind
	Bits int
}

var (
	Unset   = DataType{}
	Float16 = DataType{Kind: KindFloat, Bits: 16}
	Float32 = DataType{Kind: KindFloat, Bits: 32}
	Float64 = DataType{Kind: KindFloat, Bits: 64}
	Bipolar = DataType{Kind: KindBipolar, Bits: 1}
	Binary  = DataType{Kind: KindBinary, Bits: 1}
	Int32   = DataType{Kind: KindInt, Bits: 32}
	Int64   = DataType{Kind: KindInt, Bits: 64}
	UInt32  = DataType{Kind: KindUInt, Bits: 32}
)

// Int returns the signed integer type of the given width.
func Int(bits int) DataType { return DataType{Kind: KindInt, Bits: bits} }

// UInt returns the unsigned integer type of the given width.
func UInt(bits int) DataType { return DataType{Kind: KindUInt, Bits: bits} }

// IsSet reports whether the descriptor carries an annotation.
func (d DataType) IsSet() bool { return d.Kind != KindUnset }

// IsInteger reports whether every allowed value is an integer.
func (d DataType) IsInteger() bool {
	switch d.Kind {
	case KindInt, KindUInt, KindBipolar, KindBinary:
		return true
	}
	return false
}

// Signed reports whether the type admits negative values.
func (d DataType) Signed() bool {
	switch d.Kind {
	case KindInt, KindBipolar, KindFloat:
		return true
	}
	return false
}

// Min returns the smallest representable value.
func (d DataType) Min() float64 {
	switch d.Kind {
	case KindInt:
		return -math.Pow(2, float64(d.Bits-1))
	case KindUInt, KindBinary:
		return 0
	case KindBipolar:
		return -1
	case KindFloat:
		return -d.floatMax()
	}
	return math.Inf(-1)
}

// Max returns the largest representable value.
func (d DataType) Max() float64 {
	switch d.Kind {
	case KindInt:
		return math.Pow(2, float64(d.Bits-1)) - 1
	case KindUInt:
		return math.Pow(2, float64(d.Bits)) - 1
	case KindBinary, KindBipolar:
		return 1
	case KindFloat:
		return d.floatMax()
	}
	return math.Inf(1)
}

func (d DataType) floatMax() float64 {
	switch d.Bits {
	case 16:
		return 65504
	case 32:
		return math.MaxFloat32
	}
	return math.MaxFloat64
}

// Allowed reports whether v is a member of the type.
func (d DataType) Allowed(v float64) bool {
	if math.IsNaN(v) {
		return d.Kind == KindFloat || d.Kind == KindUnset
	}
	switch d.Kind {
	case KindUnset:
		return true
	case KindFloat:
		return v >= d.Min() && v <= d.Max()
	case KindBipolar:
		return v == -1 || v == 1
	}
	return v == math.Trunc(v) && v >= d.Min() && v <= d.Max()
}

// String renders the canonical name, e.g. FLOAT32, INT4, UINT8, BIPOLAR.
func (d DataType) String() string {
	switch d.Kind {
	case KindFloat:
		return "FLOAT" + strconv.Itoa(d.Bits)
	case KindInt:
		return "INT" + strconv.Itoa(d.Bits)
	case KindUInt:
		return "UINT" + strconv.Itoa(d.Bits)
	case KindBipolar:
		return "BIPOLAR"
	case KindBinary:
		return "BINARY"
	}
	return ""
}

// ParseDataType is the inverse of DataType.String. An empty string parses to Unset.
func ParseDataType(s string) (DataType, error) {
	name := strings.ToUpper(strings.TrimSpace(s))
	switch name {
	case "":
		return Unset, nil
	case "BIPOLAR":
		return Bipolar, nil
	case "BINARY":
		return Binary, nil
	}
	for _, p := range []struct {
		prefix string
		kind   DataTypeKind
	}{{"FLOAT", KindFloat}, {"UINT", KindUInt}, {"INT", KindInt}} {
		rest, ok := strings.CutPrefix(name, p.prefix)
		if !ok {
			continue
		}
		bits, err := strconv.Atoi(rest)
		if err != nil || bits <= 0 || bits > 64 {
			return Unset, fmt.Errorf("invalid datatype %q", s)
		}
		if p.kind == KindFloat && bits != 16 && bits != 32 && bits != 64 {
			return Unset, fmt.Errorf("unsupported float width in datatype %q", s)
		}
		return DataType{Kind: p.kind, Bits: bits}, nil
	}
	return Unset, fmt.Errorf("invalid datatype %q", s)
}

// SmallestIntFor returns the narrowest integer type holding every value in [lo, hi].
// Unsigned types are preferred when lo is non-negative.
func SmallestIntFor(lo, hi float64) DataType {
	if lo >= 0 {
		for bits := 1; bits < 64; bits++ {
			if hi <= UInt(bits).Max() {
				return UInt(bits)
			}
		}
		return UInt(64)
	}
	for bits := 2; bits < 64; bits++ {
		t := Int(bits)
		if lo >= t.Min() && hi <= t.Max() {
			return t
		}
	}
	return Int64
}
