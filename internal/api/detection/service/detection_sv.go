package detectionService

import (
	"DetectionAPI/internal/api/detection"
	"DetectionAPI/internal/entity"
	contextPkg "DetectionAPI/pkg/context"
	"DetectionAPI/pkg/imaging"
	"DetectionAPI/pkg/inference"
	"DetectionAPI/pkg/log"
	"DetectionAPI/pkg/registry"
	"DetectionAPI/pkg/response"
	"DetectionAPI/pkg/yolo"
	"errors"
	"fmt"
	"image"
	"slices"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/net/context"
)

const defaultFilename = "unknown.jpg"

// Run validates the upload, then decodes the image, acquires the model
// bundle, invokes it and decodes the outputs. Validation happens before the
// image is decoded or the model cache is touched.
func (s *detectionService) Run(ctx context.Context, key registry.ModelKey, upload detection.Upload) (*entity.DetectionResult, error) {
	if contextPkg.GetModelKey(ctx) == "" {
		ctx = contextPkg.WithModelKey(ctx, string(key))
	}
	logger := log.WithContext(s.log, ctx)
	start := time.Now()

	size := upload.Size
	if n := int64(len(upload.Data)); n > size {
		size = n
	}
	if err := s.utils.ValidateImageFile(upload.Filename, upload.ContentType, size); err != nil {
		logger.WithFields(logrus.Fields{
			"filename":     upload.Filename,
			"content_type": upload.ContentType,
			"size":         size,
			"error":        err.Error(),
		}).Warn("Upload rejected")
		return nil, response.Wrap(detection.ErrInvalidInput, "%s", err.Error())
	}

	if !slices.Contains(s.registry.Keys(), key) {
		return nil, response.Wrap(detection.ErrUnknownModel, "model %q is not available", key)
	}

	filename := upload.Filename
	if filename == "" {
		filename = defaultFilename
	}

	digest := s.utils.HashBytes(upload.Data)
	if cached, ok := s.cachedResult(ctx, key, digest); ok {
		cached.Filename = filename
		logger.WithFields(logrus.Fields{
			"detections": cached.TotalDetections,
		}).Debug("Served detection from result cache")
		return cached, nil
	}

	img, format, err := imaging.Decode(upload.Data, s.maxPixels)
	if err != nil {
		logger.WithFields(logrus.Fields{
			"filename": filename,
			"error":    err.Error(),
		}).Warn("Image decode failed")
		return nil, response.Wrap(detection.ErrInvalidInput, "unable to read image: %s", err.Error())
	}
	rgb := imaging.ToRGB(img)

	bundle, err := s.registry.Acquire(ctx, key)
	if err != nil {
		if errors.Is(err, registry.ErrUnknownKey) {
			return nil, response.Wrap(detection.ErrUnknownModel, "model %q is not available", key)
		}
		traceID := log.ErrorWithTraceID(log.Fields{
			"request_id": contextPkg.GetRequestID(ctx),
			"model_key":  key,
			"error":      err.Error(),
		}, "Model resources unavailable")
		return nil, response.Wrap(detection.ErrUpstreamFailure, "trace %s: %s", traceID, err.Error())
	}

	detections, err := s.infer(bundle, rgb)
	if err != nil {
		logger.WithFields(logrus.Fields{
			"format": bundle.Format.String(),
			"error":  err.Error(),
		}).Error("Inference failed")
		if errors.Is(err, yolo.ErrUnsupportedLayout) {
			return nil, response.Wrap(detection.ErrUnsupportedLayout, "%s", err.Error())
		}
		return nil, response.Wrap(detection.ErrInternalFailure, "inference: %s", err.Error())
	}

	result := &entity.DetectionResult{
		Filename:        filename,
		ModelKey:        string(key),
		ModelInfo:       bundle.MetadataSnapshot(),
		Detections:      detections,
		TotalDetections: len(detections),
	}

	latency := time.Since(start)
	s.storeResult(ctx, key, digest, result)
	s.record(ctx, result, digest, latency)

	logger.WithFields(logrus.Fields{
		"image_format": format,
		"width":        rgb.Bounds().Dx(),
		"height":       rgb.Bounds().Dy(),
		"detections":   result.TotalDetections,
		"latency_ms":   latency.Milliseconds(),
	}).Info("Detection completed")

	return result, nil
}

// infer holds the bundle's invoke lock only around SetInput, Invoke and
// reading outputs. Preprocessing and decoding run outside it.
func (s *detectionService) infer(b *registry.Bundle, img *image.NRGBA) ([]entity.Detection, error) {
	inputs := b.Runtime.InputSpec()
	if len(inputs) == 0 {
		return nil, errors.New("model declares no inputs")
	}
	width, height, layout, err := inference.InputGeometry(inputs[0])
	if err != nil {
		return nil, err
	}

	scale := float32(255)
	if inputs[0].Type != inference.Float32 {
		scale = 1
	}
	tensor := imaging.Tensor(imaging.Resize(img, width, height), layout, scale)

	var outputs []inference.Tensor
	err = b.Exclusive(func(rt inference.Runtime) (err error) {
		// native runtimes can panic; the invoke lock is released by Exclusive
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("runtime panic: %v", r)
			}
		}()
		if err := rt.SetInput(inputs[0].Index, tensor); err != nil {
			return fmt.Errorf("set input: %w", err)
		}
		if err := rt.Invoke(); err != nil {
			return fmt.Errorf("invoke: %w", err)
		}
		specs := rt.OutputSpec()
		outputs = make([]inference.Tensor, 0, len(specs))
		for _, spec := range specs {
			out, err := rt.Output(spec.Index)
			if err != nil {
				return fmt.Errorf("output %d: %w", spec.Index, err)
			}
			outputs = append(outputs, out)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return yolo.Decode(outputs, b.Format, yolo.Params{
		InputWidth:  width,
		InputHeight: height,
		ImageWidth:  img.Bounds().Dx(),
		ImageHeight: img.Bounds().Dy(),
		Labels:      b.Labels,
		Threshold:   b.Threshold,
	})
}

func (s *detectionService) Models() detection.HealthResponse {
	return detection.HealthResponse{
		Status:          "healthy",
		ModelsLoaded:    keyStrings(s.registry.Loaded()),
		AvailableModels: keyStrings(s.registry.Keys()),
	}
}

func keyStrings(keys []registry.ModelKey) []string {
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, string(k))
	}
	return out
}
