package infer

import (
	"errors"
	"fmt"
	"slices"

	"github.com/zerfoo/zdataflow/pkg/graph"
)

type ruleFunc func(n graph.Node, ins []graph.Tensor) ([]graph.Tensor, error)

type rule struct {
	inputs int
	fn     ruleFunc
}

var rules = map[graph.OpKind]rule{
	graph.OpAdd:            {2, elementwise},
	graph.OpMul:            {2, elementwise},
	graph.OpMatMul:         {2, matmul},
	graph.OpConv:           {2, conv},
	graph.OpMultiThreshold: {2, multiThreshold},
	graph.OpTranspose:      {1, transpose},
	graph.OpFlatten:        {1, flatten},
	graph.OpReshape:        {1, reshape},
	graph.OpIdentity:       {1, identity},
	graph.OpTopK:           {1, topK},
	graph.OpMaxPool:        {1, pool},
	graph.OpAvgPool:        {1, pool},
	graph.OpIm2Col:         {1, im2col},
	graph.OpFMPadding:      {1, fmPadding},
	graph.OpConvInpGen:     {1, convInpGen},
	graph.OpPool:           {1, poolBatch},
	graph.OpVVAU:           {2, vvau},
	graph.OpStreamingFC:    {2, streamingFC},
	graph.OpChannelwise:    {2, channelwise},
	graph.OpLabelSelect:    {1, labelSelect},
}

func out(dt graph.DataType, shape graph.Shape, layout graph.Layout) []graph.Tensor {
	return []graph.Tensor{{DataType: dt, Shape: shape, Layout: layout}}
}

func orFloat(dt graph.DataType) graph.DataType {
	if !dt.IsSet() {
		return graph.Float32
	}
	return dt
}

// Arithmetic returns the result datatype of an add/multiply-accumulate over
// operands of the given types: 32-bit integers when every operand is an
// integer, otherwise the widest float involved (at least FLOAT32).
func Arithmetic(types ...graph.DataType) graph.DataType {
	allInt, allUnsigned := true, true
	width := 32
	for _, t := range types {
		t = orFloat(t)
		if !t.IsInteger() {
			allInt = false
			if t.Bits > width {
				width = t.Bits
			}
		}
		if t.Signed() {
			allUnsigned = false
		}
	}
	switch {
	case allInt && allUnsigned:
		return graph.UInt32
	case allInt:
		return graph.Int32
	}
	return graph.DataType{Kind: graph.KindFloat, Bits: width}
}

// attrType reads a datatype attribute, falling back to def when absent.
func attrType(n graph.Node, name string, def graph.DataType) (graph.DataType, error) {
	s := n.Attrs.String(name, "")
	if s == "" {
		return def, nil
	}
	return graph.ParseDataType(s)
}

func elementwise(n graph.Node, ins []graph.Tensor) ([]graph.Tensor, error) {
	shape, err := graph.Broadcast(ins[0].Shape, ins[1].Shape)
	if err != nil {
		return nil, err
	}
	layout := ins[0].Layout
	if ins[0].IsConstant() && !ins[1].IsConstant() {
		layout = ins[1].Layout
	}
	if len(shape) != layoutRank(layout) {
		layout = graph.LayoutUnknown
	}
	return out(Arithmetic(ins[0].DataType, ins[1].DataType), shape, layout), nil
}

func layoutRank(l graph.Layout) int {
	switch l {
	case graph.LayoutNCHW, graph.LayoutNHWC:
		return 4
	case graph.LayoutNC:
		return 2
	case graph.LayoutC:
		return 1
	}
	return -1
}

// MatMulShape returns the output shape of a (..., M, K) x (K, N) product.
func MatMulShape(a, b graph.Shape) (graph.Shape, error) {
	if len(a) < 1 || len(b) != 2 {
		return nil, fmt.Errorf("matmul expects a weight matrix of rank 2, got %s", b)
	}
	if a[len(a)-1] != b[0] {
		return nil, fmt.Errorf("inner dimensions differ: %s x %s", a, b)
	}
	s := a.Clone()
	s[len(s)-1] = b[1]
	return s, nil
}

func matmul(n graph.Node, ins []graph.Tensor) ([]graph.Tensor, error) {
	shape, err := MatMulShape(ins[0].Shape, ins[1].Shape)
	if err != nil {
		return nil, err
	}
	layout := ins[0].Layout
	if len(shape) == 2 {
		layout = graph.LayoutNC
	}
	return out(Arithmetic(ins[0].DataType, ins[1].DataType), shape, layout), nil
}

// ConvGeometry is the resolved window geometry of a 2-D convolution or pool.
type ConvGeometry struct {
	KH, KW int
	SH, SW int
	// Pads is top, left, bottom, right.
	Pads [4]int
}

// OutDims returns the spatial output size for an h x w input.
func (c ConvGeometry) OutDims(h, w int) (int, int, error) {
	if err := c.validate(); err != nil {
		return 0, 0, err
	}
	ph, pw := h+c.Pads[0]+c.Pads[2]-c.KH, w+c.Pads[1]+c.Pads[3]-c.KW
	if ph < 0 || pw < 0 {
		return 0, 0, fmt.Errorf("window %dx%d stride %dx%d does not fit a %dx%d input", c.KH, c.KW, c.SH, c.SW, h, w)
	}
	return ph/c.SH + 1, pw/c.SW + 1, nil
}

func (c ConvGeometry) validate() error {
	if c.KH <= 0 || c.KW <= 0 {
		return fmt.Errorf("kernel %dx%d must be positive", c.KH, c.KW)
	}
	if c.SH <= 0 || c.SW <= 0 {
		return fmt.Errorf("stride %dx%d must be positive", c.SH, c.SW)
	}
	for _, p := range c.Pads {
		if p < 0 {
			return fmt.Errorf("pads %v must not be negative", c.Pads)
		}
	}
	return nil
}

// Geometry reads kernel, stride and padding attributes under the given
// names. A nil defStride makes the stride default to the kernel size.
func Geometry(attrs graph.Attrs, kernel, stride, pads string, defKernel, defStride []int) (ConvGeometry, error) {
	k := attrs.Ints(kernel, defKernel...)
	if len(k) != 2 {
		return ConvGeometry{}, fmt.Errorf("attribute %s must have 2 entries", kernel)
	}
	if defStride == nil {
		defStride = k
	}
	s := attrs.Ints(stride, defStride...)
	if len(s) != 2 {
		return ConvGeometry{}, fmt.Errorf("attribute %s must have 2 entries", stride)
	}
	p := attrs.Ints(pads, 0, 0, 0, 0)
	if len(p) != 4 {
		return ConvGeometry{}, fmt.Errorf("attribute %s must have 4 entries", pads)
	}
	geo := ConvGeometry{KH: k[0], KW: k[1], SH: s[0], SW: s[1], Pads: [4]int{p[0], p[1], p[2], p[3]}}
	if err := geo.validate(); err != nil {
		return ConvGeometry{}, err
	}
	return geo, nil
}

func conv(n graph.Node, ins []graph.Tensor) ([]graph.Tensor, error) {
	x, w := ins[0].Shape, ins[1].Shape
	if len(x) != 4 || len(w) != 4 {
		return nil, fmt.Errorf("conv expects rank-4 input and weights, got %s and %s", x, w)
	}
	group := int(n.Attrs.Int("group", 1))
	if group <= 0 || x[1] != w[1]*group || w[0]%group != 0 {
		return nil, fmt.Errorf("channels %d do not match weights %s with group %d", x[1], w, group)
	}
	geo, err := Geometry(n.Attrs, "kernel_shape", "strides", "pads", []int{w[2], w[3]}, []int{1, 1})
	if err != nil {
		return nil, err
	}
	if geo.KH != w[2] || geo.KW != w[3] {
		return nil, fmt.Errorf("kernel_shape %dx%d does not match weights %s", geo.KH, geo.KW, w)
	}
	oh, ow, err := geo.OutDims(x[2], x[3])
	if err != nil {
		return nil, err
	}
	return out(Arithmetic(ins[0].DataType, ins[1].DataType), graph.Shape{x[0], w[0], oh, ow}, graph.LayoutNCHW), nil
}

// ThresholdChannelAxis returns the channel axis a MultiThreshold node compares along.
func ThresholdChannelAxis(n graph.Node, rank int) int {
	if rank < 3 {
		return rank - 1
	}
	if n.Attrs.String("data_layout", "NCHW") == "NHWC" {
		return rank - 1
	}
	return 1
}

func multiThreshold(n graph.Node, ins []graph.Tensor) ([]graph.Tensor, error) {
	x, t := ins[0].Shape, ins[1].Shape
	if len(t) != 2 || len(x) == 0 {
		return nil, fmt.Errorf("thresholds must have rank 2, got %s", t)
	}
	c := x[ThresholdChannelAxis(n, len(x))]
	if t[0] != 1 && t[0] != c {
		return nil, fmt.Errorf("threshold rows %d do not match %d channels", t[0], c)
	}
	if !n.Attrs.Has("out_dtype") {
		return nil, errors.New("missing attribute out_dtype")
	}
	dt, err := attrType(n, "out_dtype", graph.Unset)
	if err != nil {
		return nil, err
	}
	return out(dt, x.Clone(), ins[0].Layout), nil
}

// Perm returns the permutation of a Transpose node for an input of the given rank.
func Perm(n graph.Node, rank int) []int {
	perm := n.Attrs.Ints("perm")
	if perm == nil {
		perm = make([]int, rank)
		for i := range perm {
			perm[i] = rank - 1 - i
		}
	}
	return perm
}

// PermutedLayout maps a layout through a permutation.
func PermutedLayout(l graph.Layout, perm []int) graph.Layout {
	switch {
	case isIdentityPerm(perm):
		return l
	case l == graph.LayoutNCHW && slices.Equal(perm, []int{0, 2, 3, 1}):
		return graph.LayoutNHWC
	case l == graph.LayoutNHWC && slices.Equal(perm, []int{0, 3, 1, 2}):
		return graph.LayoutNCHW
	}
	return graph.LayoutUnknown
}

func isIdentityPerm(perm []int) bool {
	for i, p := range perm {
		if p != i {
			return false
		}
	}
	return true
}

func transpose(n graph.Node, ins []graph.Tensor) ([]graph.Tensor, error) {
	x := ins[0].Shape
	perm := Perm(n, len(x))
	if len(perm) != len(x) {
		return nil, fmt.Errorf("perm %v does not match rank %d", perm, len(x))
	}
	s := make(graph.Shape, len(x))
	seen := make([]bool, len(x))
	for i, p := range perm {
		if p < 0 || p >= len(x) || seen[p] {
			return nil, fmt.Errorf("invalid perm %v", perm)
		}
		seen[p] = true
		s[i] = x[p]
	}
	return out(ins[0].DataType, s, PermutedLayout(ins[0].Layout, perm)), nil
}

func flatten(n graph.Node, ins []graph.Tensor) ([]graph.Tensor, error) {
	x := ins[0].Shape
	axis := int(n.Attrs.Int("axis", 1))
	if axis < 0 {
		axis += len(x)
	}
	if axis < 0 || axis > len(x) {
		return nil, fmt.Errorf("axis %d out of range for rank %d", axis, len(x))
	}
	outer, inner := 1, 1
	for i, d := range x {
		if i < axis {
			outer *= d
		} else {
			inner *= d
		}
	}
	return out(ins[0].DataType, graph.Shape{outer, inner}, graph.LayoutNC), nil
}

// ReshapeTarget resolves a Reshape "shape" attribute against an input shape.
func ReshapeTarget(x graph.Shape, target []int) (graph.Shape, error) {
	s := make(graph.Shape, len(target))
	infer, known := -1, 1
	for i, d := range target {
		switch {
		case d == 0 && i < len(x):
			s[i] = x[i]
		case d == -1 && infer < 0:
			infer = i
			continue
		case d > 0:
			s[i] = d
		default:
			return nil, fmt.Errorf("invalid target shape %v", target)
		}
		known *= s[i]
	}
	total := x.NumElements()
	if infer >= 0 {
		if known == 0 || total%known != 0 {
			return nil, fmt.Errorf("cannot reshape %s to %v", x, target)
		}
		s[infer] = total / known
	} else if known != total {
		return nil, fmt.Errorf("cannot reshape %s to %v", x, target)
	}
	return s, nil
}

func reshape(n graph.Node, ins []graph.Tensor) ([]graph.Tensor, error) {
	target := n.Attrs.Ints("shape")
	if target == nil {
		return nil, errors.New("missing attribute shape")
	}
	s, err := ReshapeTarget(ins[0].Shape, target)
	if err != nil {
		return nil, err
	}
	layout := graph.LayoutUnknown
	switch {
	case s.Equal(ins[0].Shape):
		layout = ins[0].Layout
	case len(s) == 2:
		layout = graph.LayoutNC
	}
	return out(ins[0].DataType, s, layout), nil
}

func identity(_ graph.Node, ins []graph.Tensor) ([]graph.Tensor, error) {
	return out(ins[0].DataType, ins[0].Shape.Clone(), ins[0].Layout), nil
}

// Axis normalizes a possibly negative axis attribute.
func Axis(n graph.Node, name string, def, rank int) int {
	a := int(n.Attrs.Int(name, int64(def)))
	if a < 0 {
		a += rank
	}
	return a
}

func topK(n graph.Node, ins []graph.Tensor) ([]graph.Tensor, error) {
	x := ins[0].Shape
	axis := Axis(n, "axis", -1, len(x))
	k := int(n.Attrs.Int("k", 1))
	if axis < 0 || axis >= len(x) || k <= 0 || k > x[axis] {
		return nil, fmt.Errorf("k=%d along axis %d does not fit %s", k, axis, x)
	}
	s := x.Clone()
	s[axis] = k
	return out(graph.Int64, s, ins[0].Layout), nil
}

func pool(n graph.Node, ins []graph.Tensor) ([]graph.Tensor, error) {
	x := ins[0].Shape
	if len(x) != 4 {
		return nil, fmt.Errorf("pooling expects a rank-4 input, got %s", x)
	}
	geo, err := Geometry(n.Attrs, "kernel_shape", "strides", "pads", nil, nil)
	if err != nil {
		return nil, err
	}
	nhwc := n.Attrs.String("data_layout", "NCHW") == "NHWC"
	h, w, c := x[2], x[3], x[1]
	if nhwc {
		h, w, c = x[1], x[2], x[3]
	}
	oh, ow, err := geo.OutDims(h, w)
	if err != nil {
		return nil, err
	}
	dt := orFloat(ins[0].DataType)
	if n.Op == graph.OpAvgPool {
		dt = Arithmetic(graph.Float32, dt)
	}
	if nhwc {
		return out(dt, graph.Shape{x[0], oh, ow, c}, graph.LayoutNHWC), nil
	}
	return out(dt, graph.Shape{x[0], c, oh, ow}, graph.LayoutNCHW), nil
}

func im2col(n graph.Node, ins []graph.Tensor) ([]graph.Tensor, error) {
	x := ins[0].Shape
	if len(x) != 4 {
		return nil, fmt.Errorf("im2col expects a rank-4 NHWC input, got %s", x)
	}
	geo, err := Geometry(n.Attrs, "kernel_size", "stride", "pad_amount", nil, []int{1, 1})
	if err != nil {
		return nil, err
	}
	oh, ow, err := geo.OutDims(x[1], x[2])
	if err != nil {
		return nil, err
	}
	return out(ins[0].DataType, graph.Shape{x[0], oh, ow, geo.KH * geo.KW * x[3]}, graph.LayoutNHWC), nil
}

func fmPadding(n graph.Node, ins []graph.Tensor) ([]graph.Tensor, error) {
	x := ins[0].Shape
	p := n.Attrs.Ints("Padding", 0, 0, 0, 0)
	if len(x) != 4 || len(p) != 4 {
		return nil, fmt.Errorf("padding expects a rank-4 input and 4 pads, got %s and %v", x, p)
	}
	dt, err := attrType(n, "outputDataType", ins[0].DataType)
	if err != nil {
		return nil, err
	}
	return out(dt, graph.Shape{x[0], x[1] + p[0] + p[2], x[2] + p[1] + p[3], x[3]}, graph.LayoutNHWC), nil
}

func convInpGen(n graph.Node, ins []graph.Tensor) ([]graph.Tensor, error) {
	x := ins[0].Shape
	if len(x) != 4 {
		return nil, fmt.Errorf("input generator expects a rank-4 NHWC input, got %s", x)
	}
	geo, err := Geometry(n.Attrs, "ConvKernelDim", "Stride", "", nil, []int{1, 1})
	if err != nil {
		return nil, err
	}
	oh, ow, err := geo.OutDims(x[1], x[2])
	if err != nil {
		return nil, err
	}
	dt, err := attrType(n, "outputDataType", ins[0].DataType)
	if err != nil {
		return nil, err
	}
	return out(dt, graph.Shape{x[0], oh, ow, geo.KH * geo.KW * x[3]}, graph.LayoutNHWC), nil
}

func poolBatch(n graph.Node, ins []graph.Tensor) ([]graph.Tensor, error) {
	x := ins[0].Shape
	k, c := int(n.Attrs.Int("PoolDim", 0)), int(n.Attrs.Int("Channels", 0))
	if len(x) < 2 || k <= 0 || c <= 0 || x[len(x)-1] != k*c {
		return nil, fmt.Errorf("pool window %d x %d channels does not match %s", k, c, x)
	}
	def := ins[0].DataType
	if n.Attrs.String("Function", "MaxPool") == "AvgPool" {
		def = graph.Float32
	}
	dt, err := attrType(n, "outputDataType", def)
	if err != nil {
		return nil, err
	}
	s := x.Clone()
	s[len(s)-1] = c
	return out(dt, s, ins[0].Layout), nil
}

// withThresholds validates the optional threshold input of a fused layer.
func withThresholds(ins []graph.Tensor, channels int) error {
	if len(ins) < 3 {
		return nil
	}
	t := ins[2].Shape
	if len(t) != 2 || (t[0] != 1 && t[0] != channels) {
		return fmt.Errorf("thresholds %s do not match %d channels", t, channels)
	}
	return nil
}

func vvau(n graph.Node, ins []graph.Tensor) ([]graph.Tensor, error) {
	x, w := ins[0].Shape, ins[1].Shape
	if len(x) < 2 || len(w) != 2 || x[len(x)-1] != w[0]*w[1] {
		return nil, fmt.Errorf("input %s does not match depthwise weights %s", x, w)
	}
	if err := withThresholds(ins, w[0]); err != nil {
		return nil, err
	}
	dt, err := attrType(n, "outputDataType", Arithmetic(ins[0].DataType, ins[1].DataType))
	if err != nil {
		return nil, err
	}
	s := x.Clone()
	s[len(s)-1] = w[0]
	return out(dt, s, ins[0].Layout), nil
}

func streamingFC(n graph.Node, ins []graph.Tensor) ([]graph.Tensor, error) {
	s, err := MatMulShape(ins[0].Shape, ins[1].Shape)
	if err != nil {
		return nil, err
	}
	if err := withThresholds(ins, ins[1].Shape[1]); err != nil {
		return nil, err
	}
	dt, err := attrType(n, "outputDataType", Arithmetic(ins[0].DataType, ins[1].DataType))
	if err != nil {
		return nil, err
	}
	layout := ins[0].Layout
	if len(s) == 2 {
		layout = graph.LayoutNC
	}
	return out(dt, s, layout), nil
}

func channelwise(n graph.Node, ins []graph.Tensor) ([]graph.Tensor, error) {
	x, p := ins[0].Shape, ins[1].Shape
	if len(x) == 0 {
		return nil, errors.New("channelwise op expects a non-scalar input")
	}
	c := x[len(x)-1]
	if p.NumElements() != c {
		return nil, fmt.Errorf("parameters %s do not match %d channels", p, c)
	}
	dt, err := attrType(n, "outputDataType", Arithmetic(ins[0].DataType, ins[1].DataType))
	if err != nil {
		return nil, err
	}
	return out(dt, x.Clone(), ins[0].Layout), nil
}

func labelSelect(n graph.Node, ins []graph.Tensor) ([]graph.Tensor, error) {
	x := ins[0].Shape
	k := int(n.Attrs.Int("K", 1))
	if len(x) == 0 || k <= 0 || k > x[len(x)-1] {
		return nil, fmt.Errorf("K=%d does not fit %s", k, x)
	}
	dt, err := attrType(n, "outputDataType", graph.Int64)
	if err != nil {
		return nil, err
	}
	s := x.Clone()
	s[len(s)-1] = k
	return out(dt, s, ins[0].Layout), nil
}
