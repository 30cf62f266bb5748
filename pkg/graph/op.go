package graph

// OpKind is the closed vocabulary of operations the engine understands.
// OpCustom is the extensible fallback: the node keeps its type name in
// Node.CustomOp and is carried through rewrites untouched.
type OpKind uint8

const (
	OpCustom OpKind = iota
	OpAdd
	OpMul
	OpMatMul
	OpConv
	OpMultiThreshold
	OpTranspose
	OpFlatten
	OpReshape
	OpIdentity
	OpTopK
	OpMaxPool
	OpAvgPool
	OpIm2Col

	// Hardware layers.
	OpFMPadding
	OpConvInpGen
	OpPool
	OpVVAU
	OpStreamingFC
	OpChannelwise
	OpLabelSelect
)

var opNames = [...]string{
	OpCustom:         "Custom",
	OpAdd:            "Add",
	OpMul:            "Mul",
	OpMatMul:         "MatMul",
	OpConv:           "Conv",
	OpMultiThreshold: "MultiThreshold",
	OpTranspose:      "Transpose",
	OpFlatten:        "Flatten",
	OpReshape:        "Reshape",
	OpIdentity:       "Identity",
	OpTopK:           "TopK",
	OpMaxPool:        "MaxPool",
	OpAvgPool:        "AvgPool",
	OpIm2Col:         "Im2Col",
	OpFMPadding:      "FMPadding_Batch",
	OpConvInpGen:     "ConvolutionInputGenerator",
	OpPool:           "Pool_Batch",
	OpVVAU:           "Vector_Vector_Activate_Batch",
	OpStreamingFC:    "StreamingFCLayer_Batch",
	OpChannelwise:    "ChannelwiseOp_Batch",
	OpLabelSelect:    "LabelSelect_Batch",
}

var opByName = func() map[string]OpKind {
	m := make(map[string]OpKind, len(opNames))
	for k, name := range opNames {
		if OpKind(k) != OpCustom {
			m[name] = OpKind(k)
		}
	}
	return m
}()

// String returns the canonical operator type name.
func (k OpKind) String() string {
	if int(k) < len(opNames) {
		return opNames[k]
	}
	return "Custom"
}

// IsHardwareLayer reports whether the kind is one of the hardware-mappable layers.
func (k OpKind) IsHardwareLayer() bool {
	return k >= OpFMPadding && k <= OpLabelSelect
}

// ParseOpKind maps an operator type name to its kind. Unknown names map to OpCustom.
func ParseOpKind(name string) OpKind {
	if k, ok := opByName[name]; ok {
		return k
	}
	return OpCustom
}
