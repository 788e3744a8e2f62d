package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"DetectionAPI/pkg/registry"
	"DetectionAPI/pkg/yolo"

	"github.com/go-playground/validator/v10"
)

const (
	defaultMaxFileSize     = 10 * 1024 * 1024
	defaultMaxImagePixels  = 40_000_000
	defaultThreshold       = 0.5
	defaultDownloadTimeout = 30 * time.Second
	defaultResultCacheTTL  = 10 * time.Minute
)

var (
	defaultAllowedTypes      = []string{"image/jpeg", "image/jpg", "image/png", "image/bmp", "image/tiff"}
	defaultAllowedExtensions = []string{".jpg", ".jpeg", ".png", ".bmp", ".tif", ".tiff"}
	defaultModelKeys         = []string{"cats", "dogs"}
)

type DetectionConfig struct {
	Env               string
	Port              string        `validate:"required,numeric"`
	MaxFileSize       int64         `validate:"gt=0"`
	MaxImagePixels    int64         `validate:"gt=0"`
	AllowedTypes      []string      `validate:"min=1,dive,required"`
	AllowedExtensions []string      `validate:"min=1,dive,required,startswith=."`
	Threshold         float64       `validate:"gte=0,lte=1"`
	DownloadTimeout   time.Duration `validate:"gt=0"`
	ScratchDir        string
	Preload           bool
	OnnxLibPath       string
	ResultCacheTTL    time.Duration                         `validate:"gte=0"`
	Models            map[registry.ModelKey]registry.Source `validate:"min=1,dive"`
}

func (c DetectionConfig) Development() bool {
	return c.Env == "development"
}

// LoadDetectionConfig reads the environment. Every key in MODEL_KEYS needs
// MODEL_<KEY>_WEIGHTS_URL, _LABELS_URL and _METADATA_URL.
func LoadDetectionConfig(validate *validator.Validate) (DetectionConfig, error) {
	cfg := DetectionConfig{
		Env:               envString("APP_ENV", "production"),
		Port:              envString("APP_PORT", "3000"),
		AllowedTypes:      envList("ALLOWED_FILE_TYPES", defaultAllowedTypes),
		AllowedExtensions: envList("ALLOWED_EXTENSIONS", defaultAllowedExtensions),
		ScratchDir:        envString("MODEL_SCRATCH_DIR", os.TempDir()),
		OnnxLibPath:       os.Getenv("ONNXRUNTIME_LIB_PATH"),
		Models:            make(map[registry.ModelKey]registry.Source),
	}

	var err error
	if cfg.MaxFileSize, err = envInt64("MAX_FILE_SIZE", defaultMaxFileSize); err != nil {
		return cfg, err
	}
	if cfg.MaxImagePixels, err = envInt64("MAX_IMAGE_PIXELS", defaultMaxImagePixels); err != nil {
		return cfg, err
	}
	if cfg.Threshold, err = envFloat("DETECTION_CONF_THRESHOLD", defaultThreshold); err != nil {
		return cfg, err
	}
	if cfg.DownloadTimeout, err = envDuration("MODEL_DOWNLOAD_TIMEOUT", defaultDownloadTimeout); err != nil {
		return cfg, err
	}
	if cfg.ResultCacheTTL, err = envDuration("RESULT_CACHE_TTL", defaultResultCacheTTL); err != nil {
		return cfg, err
	}
	if cfg.Preload, err = envBool("MODEL_PRELOAD", false); err != nil {
		return cfg, err
	}

	for _, key := range envList("MODEL_KEYS", defaultModelKeys) {
		src, err := loadSource(key, cfg.Threshold)
		if err != nil {
			return cfg, err
		}
		cfg.Models[registry.ModelKey(strings.ToLower(key))] = src
	}

	if err := validate.Struct(cfg); err != nil {
		return cfg, fmt.Errorf("invalid detection config: %w", err)
	}
	return cfg, nil
}

func loadSource(key string, defaultThreshold float64) (registry.Source, error) {
	prefix := "MODEL_" + strings.ToUpper(strings.ReplaceAll(key, "-", "_")) + "_"

	src := registry.Source{
		WeightsURL:  os.Getenv(prefix + "WEIGHTS_URL"),
		LabelsURL:   os.Getenv(prefix + "LABELS_URL"),
		MetadataURL: os.Getenv(prefix + "METADATA_URL"),
	}

	var err error
	if src.Threshold, err = envFloat(prefix+"CONF_THRESHOLD", defaultThreshold); err != nil {
		return src, err
	}
	if src.Format, err = yolo.ParseFormat(envString(prefix+"DECODE_FORMAT", yolo.FormatAuto.String())); err != nil {
		return src, fmt.Errorf("%sDECODE_FORMAT: %w", prefix, err)
	}
	return src, nil
}

func envString(name, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(name)); v != "" {
		return v
	}
	return fallback
}

func envList(name string, fallback []string) []string {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return append([]string(nil), fallback...)
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.ToLower(strings.TrimSpace(part)); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func envInt64(name string, fallback int64) (int64, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}
	return v, nil
}

func envFloat(name string, fallback float64) (float64, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}
	return v, nil
}

func envDuration(name string, fallback time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback, nil
	}
	// bare numbers are seconds
	if secs, err := strconv.Atoi(raw); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}
	return v, nil
}

func envBool(name string, fallback bool) (bool, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("%s: %w", name, err)
	}
	return v, nil
}
