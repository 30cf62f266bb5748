package graph

import "fmt"

// MalformedGraphError reports a structural invariant violation: duplicate
// names, dangling references or cycles.
type MalformedGraphError struct {
	// Kind is "node" or "tensor" and says what Name refers to.
	Kind   string
	Name   string
	Reason string
}

func (e *MalformedGraphError) Error() string {
	if e.Name == "" {
		return "malformed graph: " + e.Reason
	}
	return fmt.Sprintf("malformed graph: %s: %s", e.Reason, e.Name)
}

// NotFoundError reports a lookup of a nonexistent node or tensor.
type NotFoundError struct {
	Kind string
	Name string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Kind, e.Name)
}

// InferenceError reports that metadata propagation could not reconcile the
// inputs of Node.
type InferenceError struct {
	Node   string
	Op     string
	Reason string
}

func (e *InferenceError) Error() string {
	return fmt.Sprintf("cannot infer metadata for node %s (%s): %s", e.Node, e.Op, e.Reason)
}

// UnsupportedPatternError reports a hardware-layer rule that found a
// candidate node it is required to convert but cannot express.
type UnsupportedPatternError struct {
	Rule   string
	Node   string
	Reason string
}

func (e *UnsupportedPatternError) Error() string {
	return fmt.Sprintf("%s: unsupported pattern at node %s: %s", e.Rule, e.Node, e.Reason)
}

// PrecisionError reports a threshold value that cannot be represented
// losslessly in the target datatype.
type PrecisionError struct {
	Node     string
	Tensor   string
	Value    float64
	DataType DataType
	Reason   string
}

func (e *PrecisionError) Error() string {
	return fmt.Sprintf("precision loss at node %s, tensor %s: value %v in %s: %s", e.Node, e.Tensor, e.Value, e.DataType, e.Reason)
}
