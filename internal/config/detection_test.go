package config

import (
	"testing"
	"time"

	"DetectionAPI/pkg/registry"
	"DetectionAPI/pkg/yolo"
)

func setModelEnv(t *testing.T, key string) {
	t.Helper()
	t.Setenv("MODEL_"+key+"_WEIGHTS_URL", "https://huggingface.co/org/repo/resolve/main/best.tflite")
	t.Setenv("MODEL_"+key+"_LABELS_URL", "https://huggingface.co/org/repo/resolve/main/labels.json")
	t.Setenv("MODEL_"+key+"_METADATA_URL", "s3://artifacts/"+key+"/metadata.yaml")
}

func TestLoadDetectionConfig_Defaults(t *testing.T) {
	setModelEnv(t, "CATS")
	setModelEnv(t, "DOGS")

	cfg, err := LoadDetectionConfig(NewValidator())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.MaxFileSize != 10*1024*1024 || cfg.Threshold != 0.5 || cfg.DownloadTimeout != 30*time.Second {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
	if cfg.MaxImagePixels != 40_000_000 {
		t.Fatalf("unexpected pixel cap %d", cfg.MaxImagePixels)
	}
	if len(cfg.AllowedTypes) != 5 || cfg.Port != "3000" || cfg.Development() {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
	if len(cfg.Models) != 2 {
		t.Fatalf("expected cats and dogs, got %v", cfg.Models)
	}
	if cfg.Models["cats"].Format != yolo.FormatAuto || cfg.Models["cats"].Threshold != 0.5 {
		t.Fatalf("unexpected cats source %+v", cfg.Models["cats"])
	}
}

func TestLoadDetectionConfig_PerKeyOverrides(t *testing.T) {
	t.Setenv("MODEL_KEYS", "cats")
	t.Setenv("MODEL_DOWNLOAD_TIMEOUT", "45")
	t.Setenv("APP_ENV", "development")
	setModelEnv(t, "CATS")
	t.Setenv("MODEL_CATS_CONF_THRESHOLD", "0.25")
	t.Setenv("MODEL_CATS_DECODE_FORMAT", "channels_first_grid")

	cfg, err := LoadDetectionConfig(NewValidator())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	src := cfg.Models[registry.ModelKey("cats")]
	if src.Threshold != 0.25 || src.Format != yolo.FormatChannelsFirstGrid {
		t.Fatalf("overrides not applied: %+v", src)
	}
	if cfg.DownloadTimeout != 45*time.Second || !cfg.Development() {
		t.Fatalf("unexpected config %+v", cfg)
	}
}

func TestLoadDetectionConfig_Rejects(t *testing.T) {
	t.Run("missing urls", func(t *testing.T) {
		t.Setenv("MODEL_KEYS", "birds")
		if _, err := LoadDetectionConfig(NewValidator()); err == nil {
			t.Fatalf("expected error for a key without artifact urls")
		}
	})

	t.Run("threshold out of range", func(t *testing.T) {
		t.Setenv("MODEL_KEYS", "cats")
		setModelEnv(t, "CATS")
		t.Setenv("MODEL_CATS_CONF_THRESHOLD", "1.5")
		if _, err := LoadDetectionConfig(NewValidator()); err == nil {
			t.Fatalf("expected error for threshold 1.5")
		}
	})

	t.Run("unknown format", func(t *testing.T) {
		t.Setenv("MODEL_KEYS", "cats")
		setModelEnv(t, "CATS")
		t.Setenv("MODEL_CATS_DECODE_FORMAT", "yolo_v99")
		if _, err := LoadDetectionConfig(NewValidator()); err == nil {
			t.Fatalf("expected error for unknown decode format")
		}
	})

	t.Run("malformed size", func(t *testing.T) {
		t.Setenv("MODEL_KEYS", "cats")
		setModelEnv(t, "CATS")
		t.Setenv("MAX_FILE_SIZE", "ten megabytes")
		if _, err := LoadDetectionConfig(NewValidator()); err == nil {
			t.Fatalf("expected error for malformed MAX_FILE_SIZE")
		}
	})
}
