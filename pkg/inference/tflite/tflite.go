// Package tflite runs TensorFlow Lite flatbuffer models.
package tflite

import (
	"errors"
	"fmt"
	"runtime"

	"DetectionAPI/pkg/inference"

	"github.com/mattn/go-tflite"
)

type engine struct {
	threads int
}

func New(threads int) inference.Engine {
	if threads <= 0 {
		threads = runtime.NumCPU()
	}
	return &engine{threads: threads}
}

func (e *engine) Name() string {
	return "tflite"
}

func (e *engine) Load(path string) (inference.Runtime, error) {
	model := tflite.NewModelFromFile(path)
	if model == nil {
		return nil, fmt.Errorf("cannot load tflite model from %s", path)
	}

	options := tflite.NewInterpreterOptions()
	options.SetNumThread(e.threads)
	defer options.Delete()

	interp := tflite.NewInterpreter(model, options)
	if interp == nil {
		model.Delete()
		return nil, errors.New("cannot create tflite interpreter")
	}

	if status := interp.AllocateTensors(); status != tflite.OK {
		interp.Delete()
		model.Delete()
		return nil, fmt.Errorf("tensor allocation failed: status %d", status)
	}

	r := &interpreter{model: model, interp: interp}
	for i := 0; i < interp.GetInputTensorCount(); i++ {
		r.inSpec = append(r.inSpec, specOf(i, interp.GetInputTensor(i)))
	}
	for i := 0; i < interp.GetOutputTensorCount(); i++ {
		r.outSpec = append(r.outSpec, specOf(i, interp.GetOutputTensor(i)))
	}

	return r, nil
}

func specOf(index int, t *tflite.Tensor) inference.TensorSpec {
	shape := make([]int64, t.NumDims())
	for i := range shape {
		shape[i] = int64(t.Dim(i))
	}
	return inference.TensorSpec{
		Index: index,
		Name:  t.Name(),
		Shape: shape,
		Type:  dataType(t.Type()),
	}
}

func dataType(t tflite.TensorType) inference.DataType {
	switch t {
	case tflite.UInt8:
		return inference.Uint8
	case tflite.Int8:
		return inference.Int8
	default:
		return inference.Float32
	}
}

type interpreter struct {
	model   *tflite.Model
	interp  *tflite.Interpreter
	inSpec  []inference.TensorSpec
	outSpec []inference.TensorSpec
}

func (r *interpreter) InputSpec() []inference.TensorSpec {
	return r.inSpec
}

func (r *interpreter) OutputSpec() []inference.TensorSpec {
	return r.outSpec
}

func (r *interpreter) SetInput(index int, t inference.Tensor) error {
	if index < 0 || index >= len(r.inSpec) {
		return fmt.Errorf("%w: input %d", inference.ErrBadIndex, index)
	}
	dst := r.interp.GetInputTensor(index)

	switch r.inSpec[index].Type {
	case inference.Uint8:
		buf := dst.UInt8s()
		if len(buf) != len(t.Data) {
			return fmt.Errorf("%w: input %d wants %d values, got %d", inference.ErrShapeMismatch, index, len(buf), len(t.Data))
		}
		for i, v := range t.Data {
			buf[i] = uint8(v)
		}
	case inference.Int8:
		buf := dst.Int8s()
		if len(buf) != len(t.Data) {
			return fmt.Errorf("%w: input %d wants %d values, got %d", inference.ErrShapeMismatch, index, len(buf), len(t.Data))
		}
		for i, v := range t.Data {
			buf[i] = int8(v - 128)
		}
	default:
		buf := dst.Float32s()
		if len(buf) != len(t.Data) {
			return fmt.Errorf("%w: input %d wants %d values, got %d", inference.ErrShapeMismatch, index, len(buf), len(t.Data))
		}
		copy(buf, t.Data)
	}
	return nil
}

func (r *interpreter) Invoke() error {
	if status := r.interp.Invoke(); status != tflite.OK {
		return fmt.Errorf("model inference: status %d", status)
	}
	return nil
}

// Output dequantizes integer outputs with the tensor's scale and zero point.
func (r *interpreter) Output(index int) (inference.Tensor, error) {
	if index < 0 || index >= len(r.outSpec) {
		return inference.Tensor{}, fmt.Errorf("%w: output %d", inference.ErrBadIndex, index)
	}
	src := r.interp.GetOutputTensor(index)
	spec := r.outSpec[index]

	var data []float32
	switch spec.Type {
	case inference.Uint8:
		q := src.QuantizationParams()
		raw := src.UInt8s()
		data = make([]float32, len(raw))
		for i, v := range raw {
			data[i] = float32(q.Scale * float64(int(v)-q.ZeroPoint))
		}
	case inference.Int8:
		q := src.QuantizationParams()
		raw := src.Int8s()
		data = make([]float32, len(raw))
		for i, v := range raw {
			data[i] = float32(q.Scale * float64(int(v)-q.ZeroPoint))
		}
	default:
		raw := src.Float32s()
		data = make([]float32, len(raw))
		copy(data, raw)
	}

	return inference.Tensor{
		Shape: append([]int64(nil), spec.Shape...),
		Type:  inference.Float32,
		Data:  data,
	}, nil
}

func (r *interpreter) Close() error {
	if r.interp != nil {
		r.interp.Delete()
	}
	if r.model != nil {
		r.model.Delete()
	}
	return nil
}
