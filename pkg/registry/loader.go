package registry

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"DetectionAPI/pkg/fetcher"
	"DetectionAPI/pkg/inference"
	"DetectionAPI/pkg/yolo"

	jsoniter "github.com/json-iterator/go"
	"gopkg.in/yaml.v3"
)

// metadataFormatKey lets a model's metadata document pin its decode format.
const metadataFormatKey = "decode_format"

type loader struct {
	fetcher fetcher.IFetcher
	engines inference.Engines
}

// NewLoader builds bundles from three artifacts per key: weights, a JSON
// label map and a YAML (or JSON) metadata document.
func NewLoader(f fetcher.IFetcher, engines inference.Engines) Loader {
	return &loader{fetcher: f, engines: engines}
}

func (l *loader) Load(ctx context.Context, key ModelKey, src Source) (*Bundle, error) {
	var labels map[int]string
	err := l.fetcher.Stage(ctx, src.LabelsURL, func(path string) error {
		var err error
		labels, err = readLabels(path)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("labels: %w", err)
	}

	var metadata map[string]interface{}
	err = l.fetcher.Stage(ctx, src.MetadataURL, func(path string) error {
		var err error
		metadata, err = readMetadata(path)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("metadata: %w", err)
	}

	var rt inference.Runtime
	err = l.fetcher.Stage(ctx, src.WeightsURL, func(path string) error {
		engine, err := l.engines.For(path)
		if err != nil {
			return err
		}
		rt, err = engine.Load(path)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("weights: %w", err)
	}

	format, err := resolveFormat(src.Format, metadata, rt.OutputSpec())
	if err != nil {
		rt.Close()
		return nil, err
	}

	return &Bundle{
		Key:       key,
		Runtime:   rt,
		Labels:    labels,
		Metadata:  metadata,
		Format:    format,
		Threshold: src.Threshold,
		LoadedAt:  time.Now(),
	}, nil
}

// resolveFormat fixes the decode format once per bundle: explicit
// configuration first, then the metadata document, then the output shape.
func resolveFormat(configured yolo.Format, metadata map[string]interface{}, outputs []inference.TensorSpec) (yolo.Format, error) {
	if len(outputs) == 0 {
		return yolo.FormatAuto, fmt.Errorf("%w: model declares no outputs", yolo.ErrUnsupportedLayout)
	}
	shape := outputs[0].Shape

	format := configured
	if format == yolo.FormatAuto {
		if name, ok := metadata[metadataFormatKey].(string); ok {
			f, err := yolo.ParseFormat(name)
			if err != nil {
				return yolo.FormatAuto, fmt.Errorf("metadata: %w", err)
			}
			format = f
		}
	}

	if format == yolo.FormatAuto {
		return yolo.SelectFormat(shape)
	}
	if err := yolo.CheckShape(format, shape); err != nil {
		return yolo.FormatAuto, err
	}
	return format, nil
}

func readLabels(path string) (map[int]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var raw map[string]string
	if err := jsoniter.ConfigCompatibleWithStandardLibrary.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("invalid label map: %w", err)
	}

	labels := make(map[int]string, len(raw))
	for k, v := range raw {
		id, err := strconv.Atoi(k)
		if err != nil || id < 0 {
			return nil, fmt.Errorf("invalid label map: class id %q is not a non-negative integer", k)
		}
		labels[id] = v
	}
	return labels, nil
}

func readMetadata(path string) (map[string]interface{}, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var doc map[string]interface{}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("invalid metadata: %w", err)
	}
	if doc == nil {
		return nil, fmt.Errorf("invalid metadata: empty document")
	}
	return normalize(doc).(map[string]interface{}), nil
}

// normalize rewrites yaml's map[interface{}]interface{} (e.g. integer-keyed
// class names) into string-keyed maps that JSON encoders accept.
func normalize(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, val := range t {
			out[k] = normalize(val)
		}
		return out
	case map[interface{}]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, val := range t {
			out[fmt.Sprint(k)] = normalize(val)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, val := range t {
			out[i] = normalize(val)
		}
		return out
	default:
		return v
	}
}
