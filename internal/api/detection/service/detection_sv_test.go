package detectionService

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"io"
	"math"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"DetectionAPI/internal/api/detection"
	contextPkg "DetectionAPI/pkg/context"
	"DetectionAPI/pkg/imaging"
	"DetectionAPI/pkg/inference"
	"DetectionAPI/pkg/redis"
	"DetectionAPI/pkg/registry"
	"DetectionAPI/pkg/response"
	"DetectionAPI/pkg/utils"
	"DetectionAPI/pkg/yolo"

	jsoniter "github.com/json-iterator/go"
	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
)

func TestMain(m *testing.M) {
	os.Setenv("APP_ENV", "test")
	os.Exit(m.Run())
}

var testPolicy = utils.UploadPolicy{
	MaxFileSize:       1024 * 1024,
	AllowedTypes:      []string{"image/jpeg", "image/png"},
	AllowedExtensions: []string{".jpg", ".jpeg", ".png"},
}

// Largest test image is 100x200.
const testMaxPixels = 100 * 200

type fakeRuntime struct {
	input  inference.TensorSpec
	output inference.Tensor

	invokes atomic.Int32
	panics  bool
	mu      sync.Mutex
	lastIn  inference.Tensor
}

func (f *fakeRuntime) InputSpec() []inference.TensorSpec { return []inference.TensorSpec{f.input} }
func (f *fakeRuntime) OutputSpec() []inference.TensorSpec {
	return []inference.TensorSpec{{Index: 0, Shape: f.output.Shape, Type: inference.Float32}}
}
func (f *fakeRuntime) SetInput(index int, t inference.Tensor) error {
	f.mu.Lock()
	f.lastIn = t
	f.mu.Unlock()
	return nil
}
func (f *fakeRuntime) Invoke() error {
	f.invokes.Add(1)
	if f.panics {
		panic("native runtime crashed")
	}
	return nil
}
func (f *fakeRuntime) Output(int) (inference.Tensor, error) { return f.output, nil }
func (f *fakeRuntime) Close() error                         { return nil }

type fakeLoader struct {
	rt    *fakeRuntime
	err   error
	calls atomic.Int32
}

func (l *fakeLoader) Load(ctx context.Context, key registry.ModelKey, src registry.Source) (*registry.Bundle, error) {
	l.calls.Add(1)
	if l.err != nil {
		return nil, l.err
	}
	return &registry.Bundle{
		Key:       key,
		Runtime:   l.rt,
		Labels:    map[int]string{0: "flea_allergy", 1: "ringworm"},
		Metadata:  map[string]interface{}{"task": "detect", "version": "8.1.0"},
		Format:    yolo.FormatAuto,
		Threshold: src.Threshold,
	}, nil
}

type mapCache struct {
	mu   sync.Mutex
	data map[string][]byte
}

func (m *mapCache) SetJSON(ctx context.Context, key string, value interface{}, _ time.Duration) error {
	b, err := jsoniter.Marshal(value)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = b
	return nil
}

func (m *mapCache) GetJSON(ctx context.Context, key string, dest interface{}) error {
	m.mu.Lock()
	b, ok := m.data[key]
	m.mu.Unlock()
	if !ok {
		return redis.ErrCacheMiss
	}
	return jsoniter.Unmarshal(b, dest)
}

func (m *mapCache) Close() error { return nil }

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

// boxConfClassRuntime emits one normalized row per call: cx cy w h conf cls.
func boxConfClassRuntime(rows ...[]float32) *fakeRuntime {
	var data []float32
	for _, r := range rows {
		data = append(data, r...)
	}
	return &fakeRuntime{
		input:  inference.TensorSpec{Index: 0, Shape: []int64{1, 3, 32, 32}, Type: inference.Float32},
		output: inference.Tensor{Shape: []int64{1, int64(len(rows)), 6}, Type: inference.Float32, Data: data},
	}
}

func newService(t *testing.T, loader *fakeLoader, cache redis.IRedis) IDetectionService {
	t.Helper()
	reg := registry.New(quietLogger(), loader, map[registry.ModelKey]registry.Source{
		"cats": {WeightsURL: "file:///m/cats.onnx", LabelsURL: "file:///m/cats.json", MetadataURL: "file:///m/cats.yaml", Threshold: 0.5},
	})
	t.Cleanup(func() { reg.Close() })
	return NewDetectionService(quietLogger(), reg, utils.New(testPolicy), testMaxPixels, cache, time.Minute, nil)
}

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.NRGBA{R: 255, G: 128, B: 0, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func pngUpload(t *testing.T, w, h int) detection.Upload {
	data := pngBytes(t, w, h)
	return detection.Upload{Filename: "cat.png", ContentType: "image/png", Size: int64(len(data)), Data: data}
}

func TestRun_DecodesNormalizedBoxes(t *testing.T) {
	rt := boxConfClassRuntime(
		[]float32{0.5, 0.5, 0.2, 0.2, 0.9, 3},
		[]float32{0.5, 0.5, 0.2, 0.2, 0.3, 1},
	)
	svc := newService(t, &fakeLoader{rt: rt}, nil)

	result, err := svc.Run(context.Background(), "cats", pngUpload(t, 100, 200))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result.TotalDetections != 1 || len(result.Detections) != 1 {
		t.Fatalf("expected 1 detection, got %+v", result.Detections)
	}
	d := result.Detections[0]
	if d.ClassID != 3 || d.Label != "Unknown_3" {
		t.Fatalf("unexpected class %d %q", d.ClassID, d.Label)
	}
	want := [4]float64{40, 80, 60, 120}
	for i := range want {
		if math.Abs(d.BBox[i]-want[i]) > 1e-4 {
			t.Fatalf("unexpected bbox %v, want %v", d.BBox, want)
		}
	}
	if result.Filename != "cat.png" || result.ModelInfo["task"] != "detect" {
		t.Fatalf("unexpected result %+v", result)
	}
}

func TestRun_PreprocessesToInputGeometry(t *testing.T) {
	rt := boxConfClassRuntime([]float32{0.5, 0.5, 0.2, 0.2, 0.9, 0})
	svc := newService(t, &fakeLoader{rt: rt}, nil)

	if _, err := svc.Run(context.Background(), "cats", pngUpload(t, 64, 48)); err != nil {
		t.Fatalf("run: %v", err)
	}

	rt.mu.Lock()
	in := rt.lastIn
	rt.mu.Unlock()
	want := []int64{1, 3, 32, 32}
	for i := range want {
		if in.Shape[i] != want[i] {
			t.Fatalf("input shape %v, want %v", in.Shape, want)
		}
	}
	// channel-first planes of an orange image
	if in.Data[0] != 1 || in.Data[2*32*32] != 0 {
		t.Fatalf("unexpected pixel scaling r=%v b=%v", in.Data[0], in.Data[2*32*32])
	}
}

func TestRun_OversizedUploadFailsBeforeDecode(t *testing.T) {
	loader := &fakeLoader{rt: boxConfClassRuntime()}
	svc := newService(t, loader, nil)

	upload := detection.Upload{
		Filename:    "huge.png",
		ContentType: "image/png",
		Size:        testPolicy.MaxFileSize + 1,
		Data:        []byte("not an image at all"),
	}
	_, err := svc.Run(context.Background(), "cats", upload)
	if !errors.Is(err, detection.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
	if !strings.Contains(err.Error(), utils.ErrFileTooLarge.Error()) {
		t.Fatalf("expected a size message, got %v", err)
	}
	if loader.calls.Load() != 0 {
		t.Fatalf("model cache touched for an invalid upload")
	}
}

func TestRun_RejectsBadContentTypeAndUnreadableImage(t *testing.T) {
	loader := &fakeLoader{rt: boxConfClassRuntime()}
	svc := newService(t, loader, nil)

	upload := pngUpload(t, 10, 10)
	upload.ContentType = "application/pdf"
	if _, err := svc.Run(context.Background(), "cats", upload); !errors.Is(err, detection.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for content type, got %v", err)
	}

	garbage := []byte("definitely not a png")
	_, err := svc.Run(context.Background(), "cats", detection.Upload{
		Filename: "cat.png", ContentType: "image/png", Size: int64(len(garbage)), Data: garbage,
	})
	if !errors.Is(err, detection.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for unreadable image, got %v", err)
	}
	if loader.calls.Load() != 0 {
		t.Fatalf("model cache touched for an unreadable image")
	}
}

func TestRun_RejectsImageOverPixelCap(t *testing.T) {
	loader := &fakeLoader{rt: boxConfClassRuntime()}
	svc := newService(t, loader, nil)

	_, err := svc.Run(context.Background(), "cats", pngUpload(t, 101, 200))
	if !errors.Is(err, detection.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
	if !strings.Contains(err.Error(), imaging.ErrTooManyPixels.Error()) {
		t.Fatalf("expected a pixel cap message, got %v", err)
	}
	if loader.calls.Load() != 0 {
		t.Fatalf("model cache touched for an oversized image")
	}
}

func TestRun_LogsCarryRequestAndModel(t *testing.T) {
	logger, hook := logtest.NewNullLogger()
	reg := registry.New(quietLogger(), &fakeLoader{rt: boxConfClassRuntime([]float32{0.5, 0.5, 0.2, 0.2, 0.9, 0})},
		map[registry.ModelKey]registry.Source{
			"cats": {WeightsURL: "file:///m/cats.onnx", LabelsURL: "file:///m/cats.json", MetadataURL: "file:///m/cats.yaml", Threshold: 0.5},
		})
	t.Cleanup(func() { reg.Close() })
	svc := NewDetectionService(logger, reg, utils.New(testPolicy), testMaxPixels, nil, time.Minute, nil)

	ctx := contextPkg.WithRequestID(context.Background(), "req-42")
	if _, err := svc.Run(ctx, "cats", pngUpload(t, 10, 10)); err != nil {
		t.Fatalf("run: %v", err)
	}

	entry := hook.LastEntry()
	if entry == nil {
		t.Fatalf("expected a completion log entry")
	}
	if entry.Data["request_id"] != "req-42" || entry.Data["model_key"] != "cats" {
		t.Fatalf("unexpected log fields %v", entry.Data)
	}
}

func TestRun_RuntimePanicIsInternalFailure(t *testing.T) {
	rt := boxConfClassRuntime([]float32{0.5, 0.5, 0.2, 0.2, 0.9, 0})
	rt.panics = true
	svc := newService(t, &fakeLoader{rt: rt}, nil)

	result, err := svc.Run(context.Background(), "cats", pngUpload(t, 10, 10))
	if !errors.Is(err, detection.ErrInternalFailure) || result != nil {
		t.Fatalf("expected ErrInternalFailure without result, got %v %+v", err, result)
	}

	// the invoke lock was released, so the next request goes through
	rt.panics = false
	if _, err := svc.Run(context.Background(), "cats", pngUpload(t, 10, 10)); err != nil {
		t.Fatalf("run after panic: %v", err)
	}
}

func TestRun_UnknownModel(t *testing.T) {
	svc := newService(t, &fakeLoader{rt: boxConfClassRuntime()}, nil)

	_, err := svc.Run(context.Background(), "horses", pngUpload(t, 10, 10))
	if !errors.Is(err, detection.ErrUnknownModel) {
		t.Fatalf("expected ErrUnknownModel, got %v", err)
	}
	if response.StatusCode(err) != 404 {
		t.Fatalf("expected 404, got %d", response.StatusCode(err))
	}
}

func TestRun_UpstreamFailure(t *testing.T) {
	svc := newService(t, &fakeLoader{err: errors.New("GET https://origin/cats.tflite: 503")}, nil)

	_, err := svc.Run(context.Background(), "cats", pngUpload(t, 10, 10))
	if !errors.Is(err, detection.ErrUpstreamFailure) {
		t.Fatalf("expected ErrUpstreamFailure, got %v", err)
	}
	if response.StatusCode(err) != 502 {
		t.Fatalf("expected 502, got %d", response.StatusCode(err))
	}
}

func TestRun_UnsupportedLayoutHasNoPartialResult(t *testing.T) {
	rt := &fakeRuntime{
		input:  inference.TensorSpec{Index: 0, Shape: []int64{1, 32, 32, 3}, Type: inference.Float32},
		output: inference.Tensor{Shape: []int64{1, 2, 2, 6}, Type: inference.Float32, Data: make([]float32, 24)},
	}
	svc := newService(t, &fakeLoader{rt: rt}, nil)

	result, err := svc.Run(context.Background(), "cats", pngUpload(t, 10, 10))
	if !errors.Is(err, detection.ErrUnsupportedLayout) {
		t.Fatalf("expected ErrUnsupportedLayout, got %v", err)
	}
	if result != nil {
		t.Fatalf("expected no partial result, got %+v", result)
	}
	if response.StatusCode(err) != 500 {
		t.Fatalf("expected 500, got %d", response.StatusCode(err))
	}
}

func TestRun_ResultCacheSkipsInvoke(t *testing.T) {
	rt := boxConfClassRuntime([]float32{0.5, 0.5, 0.2, 0.2, 0.9, 1})
	cache := &mapCache{data: map[string][]byte{}}
	svc := newService(t, &fakeLoader{rt: rt}, cache)

	upload := pngUpload(t, 100, 200)
	first, err := svc.Run(context.Background(), "cats", upload)
	if err != nil {
		t.Fatalf("first run: %v", err)
	}

	upload.Filename = "same-bytes.png"
	second, err := svc.Run(context.Background(), "cats", upload)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}

	if n := rt.invokes.Load(); n != 1 {
		t.Fatalf("expected 1 invoke, got %d", n)
	}
	if second.Filename != "same-bytes.png" {
		t.Fatalf("cached result should carry the new filename, got %q", second.Filename)
	}
	if second.TotalDetections != first.TotalDetections || second.Detections[0].BBox != first.Detections[0].BBox {
		t.Fatalf("cached result differs: %+v vs %+v", second, first)
	}
}

func TestModelsAndHistory(t *testing.T) {
	svc := newService(t, &fakeLoader{rt: boxConfClassRuntime([]float32{0.5, 0.5, 0.2, 0.2, 0.9, 1})}, nil)

	health := svc.Models()
	if health.Status != "healthy" || len(health.AvailableModels) != 1 || len(health.ModelsLoaded) != 0 {
		t.Fatalf("unexpected health %+v", health)
	}

	if _, err := svc.Run(context.Background(), "cats", pngUpload(t, 10, 10)); err != nil {
		t.Fatal(err)
	}
	if loaded := svc.Models().ModelsLoaded; len(loaded) != 1 || loaded[0] != "cats" {
		t.Fatalf("expected cats loaded, got %v", loaded)
	}

	if _, err := svc.History(context.Background(), "cats", 10); !errors.Is(err, detection.ErrHistoryDisabled) {
		t.Fatalf("expected ErrHistoryDisabled, got %v", err)
	}
}
