package pipeline

import (
	"errors"
	"fmt"
	"strings"

	"github.com/zerfoo/zdataflow/pkg/graph"
	"github.com/zerfoo/zdataflow/pkg/transform"
)

// StepError reports the step that aborted a run and, when known, the
// transformation, node and tensor that caused it.
type StepError struct {
	Step  string
	Index int
	// Version is the version of the graph the step consumed.
	Version        int
	Transformation string
	Node           string
	Tensor         string
	Err            error
}

func newStepError(step string, index, version int, err error) *StepError {
	se := &StepError{Step: step, Index: index, Version: version, Err: err}
	var te *transform.Error
	if errors.As(err, &te) {
		se.Transformation = te.Transformation
	}
	se.Node, se.Tensor = culprit(err)
	return se
}

// culprit returns the node and tensor names carried by the first graph
// error in err's chain.
func culprit(err error) (node, tensor string) {
	var (
		up *graph.UnsupportedPatternError
		ie *graph.InferenceError
		pe *graph.PrecisionError
		mg *graph.MalformedGraphError
		nf *graph.NotFoundError
	)
	switch {
	case errors.As(err, &up):
		return up.Node, ""
	case errors.As(err, &ie):
		return ie.Node, ""
	case errors.As(err, &pe):
		return pe.Node, pe.Tensor
	case errors.As(err, &mg):
		return byKind(mg.Kind, mg.Name)
	case errors.As(err, &nf):
		return byKind(nf.Kind, nf.Name)
	}
	return "", ""
}

func byKind(kind, name string) (node, tensor string) {
	if kind == "node" {
		return name, ""
	}
	return "", name
}

func (e *StepError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "step %d (%s) failed on graph version %d", e.Index, e.Step, e.Version)
	if e.Transformation != "" {
		fmt.Fprintf(&b, " in %s", e.Transformation)
	}
	if e.Node != "" {
		fmt.Fprintf(&b, " at node %s", e.Node)
	}
	if e.Tensor != "" {
		fmt.Fprintf(&b, " on tensor %s", e.Tensor)
	}
	fmt.Fprintf(&b, ": %v", e.Err)
	return b.String()
}

func (e *StepError) Unwrap() error { return e.Err }
