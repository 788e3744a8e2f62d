// Package inference describes the boundary between the detection pipeline
// and an inference engine. Engines live in sub-packages so that code which
// only needs the contract does not link against a native runtime.
package inference

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

type DataType string

const (
	Float32 DataType = "float32"
	Uint8   DataType = "uint8"
	Int8    DataType = "int8"
)

var (
	ErrUnsupportedModel = errors.New("no inference engine for model file")
	ErrBadIndex         = errors.New("tensor index out of range")
	ErrShapeMismatch    = errors.New("tensor shape mismatch")
)

type TensorSpec struct {
	Index int
	Name  string
	Shape []int64
	Type  DataType
}

// Tensor carries element data widened to float32 regardless of the
// engine-side element type.
type Tensor struct {
	Shape []int64
	Type  DataType
	Data  []float32
}

func (t Tensor) Rank() int {
	return len(t.Shape)
}

func NumElements(shape []int64) int64 {
	if len(shape) == 0 {
		return 0
	}
	n := int64(1)
	for _, d := range shape {
		n *= d
	}
	return n
}

// Runtime is a loaded model. Invoke is not safe for concurrent use; callers
// serialize SetInput/Invoke/Output sequences per runtime.
type Runtime interface {
	InputSpec() []TensorSpec
	OutputSpec() []TensorSpec
	SetInput(index int, t Tensor) error
	Invoke() error
	Output(index int) (Tensor, error)
	Close() error
}

type Engine interface {
	Name() string
	Load(path string) (Runtime, error)
}

// Engines maps weight file extensions (".onnx", ".tflite") to engines.
type Engines map[string]Engine

func (e Engines) For(path string) (Engine, error) {
	ext := strings.ToLower(filepath.Ext(path))
	engine, ok := e[ext]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedModel, ext)
	}
	return engine, nil
}

type Layout int

const (
	LayoutNHWC Layout = iota
	LayoutNCHW
)

// InputGeometry reads width, height and channel ordering from a rank-4
// image input shape.
func InputGeometry(spec TensorSpec) (width, height int, layout Layout, err error) {
	s := spec.Shape
	if len(s) != 4 {
		return 0, 0, 0, fmt.Errorf("%w: input %d has rank %d, want 4", ErrShapeMismatch, spec.Index, len(s))
	}

	switch {
	case s[1] == 3:
		height, width, layout = int(s[2]), int(s[3]), LayoutNCHW
	case s[3] == 3:
		height, width, layout = int(s[1]), int(s[2]), LayoutNHWC
	default:
		return 0, 0, 0, fmt.Errorf("%w: input shape %v has no 3-channel axis", ErrShapeMismatch, s)
	}

	if width <= 0 || height <= 0 {
		return 0, 0, 0, fmt.Errorf("%w: input shape %v has dynamic spatial dims", ErrShapeMismatch, s)
	}
	return width, height, layout, nil
}
