package main

import (
	"DetectionAPI/internal/config"
	"DetectionAPI/pkg/inference"
	"DetectionAPI/pkg/inference/onnx"
	"DetectionAPI/pkg/inference/tflite"
	"DetectionAPI/pkg/log"
	"DetectionAPI/pkg/redis"
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
)

func main() {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.NewLogger().Fatalf("Error loading .env file: %v", err)
	}
	logger := log.NewLogger()

	validator := config.NewValidator()
	detectionConfig, err := config.LoadDetectionConfig(validator)
	if err != nil {
		logger.Fatal(err)
	}

	engines := inference.Engines{
		".tflite": tflite.New(0),
	}
	if err := onnx.Initialize(detectionConfig.OnnxLibPath); err != nil {
		logger.Warnf("ONNX models disabled: %v", err)
	} else {
		engines[".onnx"] = onnx.New(0, 640)
		defer onnx.Shutdown()
	}

	options := []config.ServerOption{
		config.WithFiber(config.NewFiber(logger, detectionConfig.MaxFileSize)),
		config.WithLogger(logger),
		config.WithValidator(validator),
		config.WithDetectionConfig(detectionConfig),
		config.WithDatabase(),
		config.WithMiddleware(),
		config.WithS3Client(),
		config.WithEngines(engines),
		config.WithUtils(),
	}
	if redis.Enabled() {
		options = append(options, config.WithRedisServer(redis.New()))
	}

	server, err := config.NewServer(options...)
	if err != nil {
		logger.Fatal(err)
	}

	server.RegisterHandler()
	server.Warmup()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		if err := server.Run(); err != nil {
			logger.Fatalf("Error starting server: %v", err)
		}
	}()

	logger.WithField("models", len(detectionConfig.Models)).Info("Server started successfully")

	<-sigChan
	logger.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Close(ctx); err != nil {
		logger.Errorf("Shutdown finished with errors: %v", err)
	}
}
