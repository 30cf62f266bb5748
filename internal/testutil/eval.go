// Package testutil holds test tooling: a reference evaluator for the
// operator vocabulary and helpers for building small graphs.
package testutil

import (
	"cmp"
	"context"
	"fmt"
	"math"
	"slices"

	"github.com/zerfoo/zerfoo/compute"
	"github.com/zerfoo/zerfoo/numeric"
	"github.com/zerfoo/zerfoo/tensor"

	"github.com/zerfoo/zdataflow/pkg/graph"
	"github.com/zerfoo/zdataflow/pkg/infer"
)

// engine runs the dense arithmetic of the reference evaluator.
var engine compute.Engine[float64] = compute.NewCPUEngine[float64](&numeric.Float64Ops{})

// Array is a dense row-major value.
type Array struct {
	Shape graph.Shape
	Data  []float64
}

// NewArray allocates a zero array of the given shape.
func NewArray(shape ...int) Array {
	s := graph.Shape(shape)
	return Array{Shape: s, Data: make([]float64, s.NumElements())}
}

func (a Array) at(idx []int) float64 {
	off := 0
	for i, st := range a.Shape.Strides() {
		off += idx[i] * st
	}
	return a.Data[off]
}

func (a Array) tensor() (*tensor.TensorNumeric[float64], error) {
	return tensor.New(slices.Clone([]int(a.Shape)), slices.Clone(a.Data))
}

func fromTensor(t *tensor.TensorNumeric[float64]) Array {
	return Array{Shape: graph.Shape(t.Shape()), Data: t.Data()}
}

// binary runs an engine operation over two arrays.
func binary(a, b Array, op func(context.Context, *tensor.TensorNumeric[float64], *tensor.TensorNumeric[float64], ...*tensor.TensorNumeric[float64]) (*tensor.TensorNumeric[float64], error)) (Array, error) {
	ta, err := a.tensor()
	if err != nil {
		return Array{}, err
	}
	tb, err := b.tensor()
	if err != nil {
		return Array{}, err
	}
	res, err := op(context.Background(), ta, tb)
	if err != nil {
		return Array{}, err
	}
	return fromTensor(res), nil
}

type evalFunc func(n graph.Node, ins []Array) (Array, error)

var evaluators map[graph.OpKind]evalFunc

func init() {
	evaluators = map[graph.OpKind]evalFunc{
		graph.OpAdd:            func(_ graph.Node, ins []Array) (Array, error) { return binary(ins[0], ins[1], engine.Add) },
		graph.OpMul:            func(_ graph.Node, ins []Array) (Array, error) { return binary(ins[0], ins[1], engine.Mul) },
		graph.OpMatMul:         func(_ graph.Node, ins []Array) (Array, error) { return matmul(ins[0], ins[1]) },
		graph.OpConv:           conv,
		graph.OpMultiThreshold: multiThreshold,
		graph.OpTranspose:      transpose,
		graph.OpFlatten:        flatten,
		graph.OpReshape:        reshape,
		graph.OpIdentity:       func(_ graph.Node, ins []Array) (Array, error) { return ins[0], nil },
		graph.OpTopK:           topK,
		graph.OpMaxPool:        pool,
		graph.OpAvgPool:        pool,
		graph.OpIm2Col:         im2col,
		graph.OpFMPadding:      fmPadding,
		graph.OpConvInpGen:     convInpGen,
		graph.OpPool:           poolBatch,
		graph.OpVVAU:           vvau,
		graph.OpStreamingFC:    streamingFC,
		graph.OpChannelwise:    channelwise,
		graph.OpLabelSelect:    labelSelect,
	}
}

// Eval computes every graph output for the given input values.
func Eval(g *graph.Graph, inputs map[string]Array) (map[string]Array, error) {
	vals := make(map[string]Array)
	for _, in := range g.Inputs() {
		a, ok := inputs[in]
		if !ok {
			return nil, fmt.Errorf("missing value for graph input %s", in)
		}
		vals[in] = a
	}
	for t := range g.Tensors() {
		if t.IsConstant() {
			vals[t.Name] = Array{Shape: t.Shape, Data: t.Value}
		}
	}
	for n := range g.Topo() {
		fn, ok := evaluators[n.Op]
		if !ok {
			return nil, fmt.Errorf("cannot evaluate %s", n)
		}
		ins := make([]Array, len(n.Inputs))
		for i, name := range n.Inputs {
			ins[i] = vals[name]
		}
		res, err := fn(n, ins)
		if err != nil {
			return nil, fmt.Errorf("failed to evaluate %s: %w", n, err)
		}
		vals[n.Output(0)] = res
	}
	outs := make(map[string]Array, len(g.Outputs()))
	for _, out := range g.Outputs() {
		outs[out] = vals[out]
	}
	return outs, nil
}

// EvalSingle evaluates a graph with one input and one output.
func EvalSingle(g *graph.Graph, x Array) (Array, error) {
	res, err := Eval(g, map[string]Array{g.Inputs()[0]: x})
	if err != nil {
		return Array{}, err
	}
	return res[g.Outputs()[0]], nil
}

func unravel(off int, shape graph.Shape, idx []int) {
	for i := len(shape) - 1; i >= 0; i-- {
		idx[i] = off % shape[i]
		off /= shape[i]
	}
}

func matmul(a, w Array) (Array, error) {
	shape, err := infer.MatMulShape(a.Shape, w.Shape)
	if err != nil {
		return Array{}, err
	}
	if len(a.Shape) == 1 {
		a = Array{Shape: graph.Shape{1, a.Shape[0]}, Data: a.Data}
	}
	res, err := binary(a, w, engine.MatMul)
	if err != nil {
		return Array{}, err
	}
	res.Shape = shape
	return res, nil
}

func conv(n graph.Node, ins []Array) (Array, error) {
	x, w := ins[0], ins[1]
	geo, err := infer.Geometry(n.Attrs, "kernel_shape", "strides", "pads", []int{w.Shape[2], w.Shape[3]}, []int{1, 1})
	if err != nil {
		return Array{}, err
	}
	batch, c, h, wd := x.Shape[0], x.Shape[1], x.Shape[2], x.Shape[3]
	oc := w.Shape[0]
	group := int(n.Attrs.Int("group", 1))
	icg, ocg := c/group, oc/group
	oh, ow, err := geo.OutDims(h, wd)
	if err != nil {
		return Array{}, err
	}
	res := NewArray(batch, oc, oh, ow)
	for b := range batch {
		for o := range oc {
			gi := o / ocg
			for y := range oh {
				for xx := range ow {
					var acc float64
					for ci := range icg {
						for ky := range geo.KH {
							for kx := range geo.KW {
								iy := y*geo.SH + ky - geo.Pads[0]
								ix := xx*geo.SW + kx - geo.Pads[1]
								if iy < 0 || iy >= h || ix < 0 || ix >= wd {
									continue
								}
								acc += x.at([]int{b, gi*icg + ci, iy, ix}) * w.at([]int{o, ci, ky, kx})
							}
						}
					}
					res.Data[((b*oc+o)*oh+y)*ow+xx] = acc
				}
			}
		}
	}
	return res, nil
}

// threshold applies out = scale*count(x >= T[c]) + bias along axis.
func threshold(x, t Array, axis int, scale, bias float64) Array {
	res := NewArray(x.Shape...)
	idx := make([]int, len(x.Shape))
	steps := t.Shape[1]
	for off, v := range x.Data {
		unravel(off, x.Shape, idx)
		row := 0
		if t.Shape[0] > 1 {
			row = idx[axis]
		}
		count := 0
		for k := range steps {
			if v >= t.Data[row*steps+k] {
				count++
			}
		}
		res.Data[off] = scale*float64(count) + bias
	}
	return res
}

func multiThreshold(n graph.Node, ins []Array) (Array, error) {
	axis := infer.ThresholdChannelAxis(n, len(ins[0].Shape))
	return threshold(ins[0], ins[1], axis, n.Attrs.Float("out_scale", 1), n.Attrs.Float("out_bias", 0)), nil
}

func transpose(n graph.Node, ins []Array) (Array, error) {
	x, err := ins[0].tensor()
	if err != nil {
		return Array{}, err
	}
	res, err := engine.Transpose(context.Background(), x, infer.Perm(n, len(ins[0].Shape)))
	if err != nil {
		return Array{}, err
	}
	return fromTensor(res), nil
}

func reshapeTo(a Array, shape graph.Shape) (Array, error) {
	x, err := a.tensor()
	if err != nil {
		return Array{}, err
	}
	res, err := engine.Reshape(context.Background(), x, slices.Clone([]int(shape)))
	if err != nil {
		return Array{}, err
	}
	return fromTensor(res), nil
}

func flatten(n graph.Node, ins []Array) (Array, error) {
	x := ins[0]
	axis := infer.Axis(n, "axis", 1, len(x.Shape))
	outer := 1
	for _, d := range x.Shape[:axis] {
		outer *= d
	}
	return reshapeTo(x, graph.Shape{outer, len(x.Data) / outer})
}

func reshape(n graph.Node, ins []Array) (Array, error) {
	s, err := infer.ReshapeTarget(ins[0].Shape, n.Attrs.Ints("shape"))
	if err != nil {
		return Array{}, err
	}
	return reshapeTo(ins[0], s)
}

// topIndices returns the indices of the k largest values, descending, ties
// broken by lower index.
func topIndices(vals []float64, k int) []int {
	order := make([]int, len(vals))
	for i := range order {
		order[i] = i
	}
	slices.SortStableFunc(order, func(a, b int) int { return cmp.Compare(vals[b], vals[a]) })
	return order[:k]
}

func topKAlong(x Array, axis, k int) Array {
	shape := x.Shape.Clone()
	shape[axis] = k
	res := NewArray(shape...)
	idx := make([]int, len(shape))
	for off := range res.Data {
		unravel(off, shape, idx)
		if idx[axis] != 0 {
			continue
		}
		line := make([]float64, x.Shape[axis])
		src := slices.Clone(idx)
		for i := range line {
			src[axis] = i
			line[i] = x.at(src)
		}
		for j, top := range topIndices(line, k) {
			idx[axis] = j
			dst := 0
			for d, st := range shape.Strides() {
				dst += idx[d] * st
			}
			res.Data[dst] = float64(top)
		}
		idx[axis] = 0
	}
	return res
}

func topK(n graph.Node, ins []Array) (Array, error) {
	axis := infer.Axis(n, "axis", -1, len(ins[0].Shape))
	return topKAlong(ins[0], axis, int(n.Attrs.Int("k", 1))), nil
}

func pool(n graph.Node, ins []Array) (Array, error) {
	x := ins[0]
	geo, err := infer.Geometry(n.Attrs, "kernel_shape", "strides", "pads", nil, nil)
	if err != nil {
		return Array{}, err
	}
	nhwc := n.Attrs.String("data_layout", "NCHW") == "NHWC"
	if !nhwc {
		x = nchwToNHWC(x)
	}
	windows, err := windows(x, geo)
	if err != nil {
		return Array{}, err
	}
	res := reduceWindows(windows, geo.KH*geo.KW, n.Op == graph.OpAvgPool)
	if !nhwc {
		res = nhwcToNCHW(res)
	}
	return res, nil
}

func nchwToNHWC(x Array) Array {
	res, _ := transpose(graph.Node{Attrs: graph.Attrs{"perm": graph.IntList(0, 2, 3, 1)}}, []Array{x})
	return res
}

func nhwcToNCHW(x Array) Array {
	res, _ := transpose(graph.Node{Attrs: graph.Attrs{"perm": graph.IntList(0, 3, 1, 2)}}, []Array{x})
	return res
}

// windows extracts sliding windows of an NHWC input into (N, OH, OW, KH*KW*C)
// with element order (ky, kx, c). Padded positions read zero.
func windows(x Array, geo infer.ConvGeometry) (Array, error) {
	batch, h, w, c := x.Shape[0], x.Shape[1], x.Shape[2], x.Shape[3]
	oh, ow, err := geo.OutDims(h, w)
	if err != nil {
		return Array{}, err
	}
	k := geo.KH * geo.KW * c
	res := NewArray(batch, oh, ow, k)
	for b := range batch {
		for y := range oh {
			for xx := range ow {
				base := ((b*oh+y)*ow + xx) * k
				for ky := range geo.KH {
					for kx := range geo.KW {
						iy := y*geo.SH + ky - geo.Pads[0]
						ix := xx*geo.SW + kx - geo.Pads[1]
						if iy < 0 || iy >= h || ix < 0 || ix >= w {
							continue
						}
						for ch := range c {
							res.Data[base+(ky*geo.KW+kx)*c+ch] = x.at([]int{b, iy, ix, ch})
						}
					}
				}
			}
		}
	}
	return res, nil
}

// reduceWindows collapses the (k, c) last axis of a window tensor to c.
func reduceWindows(x Array, k int, average bool) Array {
	last := len(x.Shape) - 1
	c := x.Shape[last] / k
	shape := x.Shape.Clone()
	shape[last] = c
	res := NewArray(shape...)
	for r := range len(x.Data) / x.Shape[last] {
		for ch := range c {
			acc := math.Inf(-1)
			if average {
				acc = 0
			}
			for i := range k {
				v := x.Data[r*x.Shape[last]+i*c+ch]
				if average {
					acc += v
				} else {
					acc = math.Max(acc, v)
				}
			}
			if average {
				acc /= float64(k)
			}
			res.Data[r*c+ch] = acc
		}
	}
	return res
}

func im2col(n graph.Node, ins []Array) (Array, error) {
	geo, err := infer.Geometry(n.Attrs, "kernel_size", "stride", "pad_amount", nil, []int{1, 1})
	if err != nil {
		return Array{}, err
	}
	return windows(ins[0], geo)
}

func fmPadding(n graph.Node, ins []Array) (Array, error) {
	x := ins[0]
	p := n.Attrs.Ints("Padding", 0, 0, 0, 0)
	batch, h, w, c := x.Shape[0], x.Shape[1], x.Shape[2], x.Shape[3]
	res := NewArray(batch, h+p[0]+p[2], w+p[1]+p[3], c)
	for b := range batch {
		for y := range h {
			for xx := range w {
				for ch := range c {
					res.Data[((b*res.Shape[1]+y+p[0])*res.Shape[2]+xx+p[1])*c+ch] = x.at([]int{b, y, xx, ch})
				}
			}
		}
	}
	return res, nil
}

func convInpGen(n graph.Node, ins []Array) (Array, error) {
	geo, err := infer.Geometry(n.Attrs, "ConvKernelDim", "Stride", "", nil, []int{1, 1})
	if err != nil {
		return Array{}, err
	}
	return windows(ins[0], geo)
}

func poolBatch(n graph.Node, ins []Array) (Array, error) {
	k := int(n.Attrs.Int("PoolDim", 1))
	return reduceWindows(ins[0], k, n.Attrs.String("Function", "MaxPool") == "AvgPool"), nil
}

func activate(n graph.Node, acc Array, ins []Array) Array {
	if len(ins) < 3 || n.Attrs.Int("noActivation", 0) == 1 {
		return acc
	}
	return threshold(acc, ins[2], len(acc.Shape)-1, 1, n.Attrs.Float("ActVal", 0))
}

func vvau(n graph.Node, ins []Array) (Array, error) {
	x, w := ins[0], ins[1]
	c, k := w.Shape[0], w.Shape[1]
	shape := x.Shape.Clone()
	shape[len(shape)-1] = c
	res := NewArray(shape...)
	for r := range len(x.Data) / (k * c) {
		for ch := range c {
			var acc float64
			for i := range k {
				acc += x.Data[r*k*c+i*c+ch] * w.Data[ch*k+i]
			}
			res.Data[r*c+ch] = acc
		}
	}
	return activate(n, res, ins), nil
}

func streamingFC(n graph.Node, ins []Array) (Array, error) {
	acc, err := matmul(ins[0], ins[1])
	if err != nil {
		return Array{}, err
	}
	return activate(n, acc, ins), nil
}

func channelwise(n graph.Node, ins []Array) (Array, error) {
	x, p := ins[0], ins[1]
	param := Array{Shape: graph.Shape{len(p.Data)}, Data: p.Data}
	if n.Attrs.String("Func", "mul") == "add" {
		return binary(x, param, engine.Add)
	}
	return binary(x, param, engine.Mul)
}

func labelSelect(n graph.Node, ins []Array) (Array, error) {
	x := ins[0]
	return topKAlong(x, len(x.Shape)-1, int(n.Attrs.Int("K", 1))), nil
}
