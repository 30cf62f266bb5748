// Package streamline holds the algebraic rewrites that move scales and
// layout changes toward the thresholds that absorb them, leaving an
// integer-only datapath between quantization steps.
package streamline

import "github.com/zerfoo/zdataflow/pkg/transform"

// Streamline is the base battery: commute scalar scales past matrix
// products, collapse constant chains and absorb them into thresholds.
func Streamline(approximate bool) *transform.Composite {
	return transform.Battery("Streamline",
		MoveScalarMulPastMatMul(),
		CollapseRepeatedAdd(),
		CollapseRepeatedMul(),
		AbsorbAddIntoMultiThreshold(),
		AbsorbMulIntoMultiThreshold(),
		RoundAndClipThresholds(approximate),
	)
}

// MobileNetBattery is the extended battery for depthwise-separable networks.
// Order matters: scales must be commuted next to a threshold before the
// absorption rules can fold them.
func MobileNetBattery(approximate bool) *transform.Composite {
	return transform.Battery("MobileNetStreamline",
		DoubleToSingleFloat(),
		MoveMulPastDWConv(),
		AbsorbMulIntoMultiThreshold(),
		ChangeDataLayoutAvgPool(),
		InferDataLayouts(),
		MoveTransposePastScalarMul(),
		AbsorbTransposeIntoFlatten(),
		MoveFlattenPastAffine(),
		MoveFlattenPastTopK(),
		MoveScalarMulPastMatMul(),
		CollapseRepeatedMul(),
		RemoveIdentityOps(),
		RoundAndClipThresholds(approximate),
	)
}
