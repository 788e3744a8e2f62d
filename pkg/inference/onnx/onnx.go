// Package onnx runs models through the onnxruntime shared library.
package onnx

import (
	"fmt"
	"runtime"
	"sync"

	"DetectionAPI/pkg/inference"

	ort "github.com/yalue/onnxruntime_go"
)

var (
	envOnce sync.Once
	envErr  error
)

// Initialize loads the onnxruntime shared library once per process.
func Initialize(libPath string) error {
	envOnce.Do(func() {
		if libPath != "" {
			ort.SetSharedLibraryPath(libPath)
		}
		if err := ort.InitializeEnvironment(); err != nil {
			envErr = fmt.Errorf("failed to initialize ONNX environment: %w", err)
		}
	})
	return envErr
}

func Shutdown() error {
	if !ort.IsInitialized() {
		return nil
	}
	return ort.DestroyEnvironment()
}

type engine struct {
	threads     int
	dynamicSize int64
}

// New returns an engine. dynamicSize replaces dynamic (-1) spatial
// dimensions, since AdvancedSession needs fixed tensor shapes.
func New(threads int, dynamicSize int64) inference.Engine {
	if threads <= 0 {
		threads = runtime.NumCPU()
	}
	if dynamicSize <= 0 {
		dynamicSize = 640
	}
	return &engine{threads: threads, dynamicSize: dynamicSize}
}

func (e *engine) Name() string {
	return "onnxruntime"
}

func (e *engine) Load(path string) (inference.Runtime, error) {
	inputs, outputs, err := ort.GetInputOutputInfo(path)
	if err != nil {
		return nil, fmt.Errorf("error reading model io info: %w", err)
	}

	options, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("error creating session options: %w", err)
	}
	defer options.Destroy()

	if err := options.SetIntraOpNumThreads(e.threads); err != nil {
		return nil, fmt.Errorf("error setting intra-op threads: %w", err)
	}

	s := &session{}

	inNames := make([]string, 0, len(inputs))
	inValues := make([]ort.ArbitraryTensor, 0, len(inputs))
	for i, info := range inputs {
		spec, tensor, err := e.allocate(i, info)
		if err != nil {
			s.Close()
			return nil, err
		}
		s.inputs = append(s.inputs, tensor)
		s.inSpec = append(s.inSpec, spec)
		inNames = append(inNames, info.Name)
		inValues = append(inValues, tensor)
	}

	outNames := make([]string, 0, len(outputs))
	outValues := make([]ort.ArbitraryTensor, 0, len(outputs))
	for i, info := range outputs {
		spec, tensor, err := e.allocate(i, info)
		if err != nil {
			s.Close()
			return nil, err
		}
		s.outputs = append(s.outputs, tensor)
		s.outSpec = append(s.outSpec, spec)
		outNames = append(outNames, info.Name)
		outValues = append(outValues, tensor)
	}

	sess, err := ort.NewAdvancedSession(path, inNames, outNames, inValues, outValues, options)
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("error creating session: %w", err)
	}
	s.session = sess

	return s, nil
}

func (e *engine) allocate(index int, info ort.InputOutputInfo) (inference.TensorSpec, *ort.Tensor[float32], error) {
	if info.DataType != ort.TensorElementDataTypeFloat {
		return inference.TensorSpec{}, nil, fmt.Errorf("tensor %q has element type %v, only float32 is supported", info.Name, info.DataType)
	}

	dims := make([]int64, len(info.Dimensions))
	for i, d := range info.Dimensions {
		switch {
		case d > 0:
			dims[i] = d
		case i == 0:
			dims[i] = 1
		default:
			dims[i] = e.dynamicSize
		}
	}

	tensor, err := ort.NewEmptyTensor[float32](ort.NewShape(dims...))
	if err != nil {
		return inference.TensorSpec{}, nil, fmt.Errorf("error creating tensor %q: %w", info.Name, err)
	}

	return inference.TensorSpec{
		Index: index,
		Name:  info.Name,
		Shape: dims,
		Type:  inference.Float32,
	}, tensor, nil
}

type session struct {
	session *ort.AdvancedSession
	inputs  []*ort.Tensor[float32]
	outputs []*ort.Tensor[float32]
	inSpec  []inference.TensorSpec
	outSpec []inference.TensorSpec
}

func (s *session) InputSpec() []inference.TensorSpec {
	return s.inSpec
}

func (s *session) OutputSpec() []inference.TensorSpec {
	return s.outSpec
}

func (s *session) SetInput(index int, t inference.Tensor) error {
	if index < 0 || index >= len(s.inputs) {
		return fmt.Errorf("%w: input %d", inference.ErrBadIndex, index)
	}
	dst := s.inputs[index].GetData()
	if len(t.Data) != len(dst) {
		return fmt.Errorf("%w: input %d wants %d values, got %d", inference.ErrShapeMismatch, index, len(dst), len(t.Data))
	}
	copy(dst, t.Data)
	return nil
}

func (s *session) Invoke() error {
	if err := s.session.Run(); err != nil {
		return fmt.Errorf("model inference: %w", err)
	}
	return nil
}

func (s *session) Output(index int) (inference.Tensor, error) {
	if index < 0 || index >= len(s.outputs) {
		return inference.Tensor{}, fmt.Errorf("%w: output %d", inference.ErrBadIndex, index)
	}
	src := s.outputs[index].GetData()
	data := make([]float32, len(src))
	copy(data, src)

	return inference.Tensor{
		Shape: append([]int64(nil), s.outSpec[index].Shape...),
		Type:  inference.Float32,
		Data:  data,
	}, nil
}

func (s *session) Close() error {
	if s.session != nil {
		s.session.Destroy()
	}
	for _, t := range s.inputs {
		t.Destroy()
	}
	for _, t := range s.outputs {
		t.Destroy()
	}
	return nil
}
