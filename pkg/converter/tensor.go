package converter

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/zerfoo/float16"
	"github.com/zerfoo/zmf"

	"github.com/zerfoo/zdataflow/pkg/graph"
)

// convertTensor decodes a little-endian ZMF parameter into a constant.
func convertTensor(name string, zt *zmf.Tensor) (graph.Tensor, error) {
	shape := make(graph.Shape, len(zt.GetShape()))
	for i, d := range zt.GetShape() {
		if d < 0 {
			return graph.Tensor{}, fmt.Errorf("negative dimension %d", d)
		}
		shape[i] = int(d)
	}
	data := zt.GetData()
	n := shape.NumElements()

	width, dt := 0, graph.Unset
	switch zt.GetDtype() {
	case zmf.Tensor_FLOAT32:
		width, dt = 4, graph.Float32
	case zmf.Tensor_FLOAT64:
		width, dt = 8, graph.Float64
	case zmf.Tensor_FLOAT16, zmf.Tensor_BFLOAT16:
		width, dt = 2, graph.Float16
	case zmf.Tensor_INT32:
		width, dt = 4, graph.Int32
	case zmf.Tensor_INT64:
		width, dt = 8, graph.Int64
	default:
		return graph.Tensor{}, fmt.Errorf("unsupported tensor data type: %s", zt.GetDtype())
	}
	if len(data) != n*width {
		return graph.Tensor{}, fmt.Errorf("data length %d does not match %d elements of %d bytes", len(data), n, width)
	}

	vals := make([]float64, n)
	for i := range vals {
		b := data[i*width : (i+1)*width]
		switch zt.GetDtype() {
		case zmf.Tensor_FLOAT32:
			vals[i] = float64(math.Float32frombits(binary.LittleEndian.Uint32(b)))
		case zmf.Tensor_FLOAT64:
			vals[i] = math.Float64frombits(binary.LittleEndian.Uint64(b))
		case zmf.Tensor_FLOAT16:
			vals[i] = float64(float16.FromBits(binary.LittleEndian.Uint16(b)).ToFloat32())
		case zmf.Tensor_BFLOAT16:
			vals[i] = float64(math.Float32frombits(uint32(binary.LittleEndian.Uint16(b)) << 16))
		case zmf.Tensor_INT32:
			vals[i] = float64(int32(binary.LittleEndian.Uint32(b)))
		case zmf.Tensor_INT64:
			vals[i] = float64(int64(binary.LittleEndian.Uint64(b)))
		}
	}
	return graph.Tensor{Name: name, DataType: dt, Shape: shape, Value: vals}, nil
}

// encodeTensor stores integer-typed constants as INT64, FLOAT16 and FLOAT64
// constants in their own width and every other constant as FLOAT32.
func encodeTensor(t graph.Tensor) *zmf.Tensor {
	shape := make([]int64, len(t.Shape))
	for i, d := range t.Shape {
		shape[i] = int64(d)
	}
	zt := &zmf.Tensor{Shape: shape}
	switch {
	case t.DataType.IsInteger():
		zt.Dtype = zmf.Tensor_INT64
		zt.Data = make([]byte, 8*len(t.Value))
		for i, v := range t.Value {
			binary.LittleEndian.PutUint64(zt.Data[i*8:], uint64(int64(v)))
		}
	case t.DataType == graph.Float64:
		zt.Dtype = zmf.Tensor_FLOAT64
		zt.Data = make([]byte, 8*len(t.Value))
		for i, v := range t.Value {
			binary.LittleEndian.PutUint64(zt.Data[i*8:], math.Float64bits(v))
		}
	case t.DataType == graph.Float16:
		zt.Dtype = zmf.Tensor_FLOAT16
		zt.Data = make([]byte, 2*len(t.Value))
		for i, v := range t.Value {
			binary.LittleEndian.PutUint16(zt.Data[i*2:], float16.FromFloat32(float32(v)).Bits())
		}
	default:
		zt.Dtype = zmf.Tensor_FLOAT32
		zt.Data = make([]byte, 4*len(t.Value))
		for i, v := range t.Value {
			binary.LittleEndian.PutUint32(zt.Data[i*4:], math.Float32bits(float32(v)))
		}
	}
	return zt
}
