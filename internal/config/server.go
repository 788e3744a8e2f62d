package config

import (
	"DetectionAPI/database/postgres"
	detectionHandler "DetectionAPI/internal/api/detection/handler"
	detectionRepository "DetectionAPI/internal/api/detection/repository"
	detectionService "DetectionAPI/internal/api/detection/service"
	"DetectionAPI/internal/middleware"
	"DetectionAPI/pkg/fetcher"
	"DetectionAPI/pkg/inference"
	"DetectionAPI/pkg/redis"
	"DetectionAPI/pkg/registry"
	"DetectionAPI/pkg/s3"
	"DetectionAPI/pkg/utils"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

const (
	apiVersion = "1.0.0"

	rateLimitPerSecond = 20
	rateLimitBurst     = 40
)

type ServerOption func(*Server) error

type Server struct {
	engine      *fiber.App
	db          *sqlx.DB
	log         *logrus.Logger
	middleware  middleware.Middleware
	validator   *validator.Validate
	utils       utils.IUtils
	handlers    []handler
	redisServer redis.IRedis
	s3Client    s3.ItfS3
	engines     inference.Engines
	registry    registry.IRegistry
	detection   DetectionConfig
	service     detectionService.IDetectionService
}

type handler interface {
	Start(srv fiber.Router)
}

func NewServer(options ...ServerOption) (*Server, error) {
	server := &Server{}

	for _, option := range options {
		if err := option(server); err != nil {
			return nil, fmt.Errorf("failed to apply option: %w", err)
		}
	}

	if server.engine == nil {
		return nil, fmt.Errorf("fiber app is required")
	}
	if server.log == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if server.middleware == nil {
		return nil, fmt.Errorf("middleware is required")
	}
	if len(server.engines) == 0 {
		return nil, fmt.Errorf("at least one inference engine is required")
	}

	return server, nil
}

func WithFiber(fiberApp *fiber.App) ServerOption {
	return func(s *Server) error {
		s.engine = fiberApp
		return nil
	}
}

func WithLogger(logger *logrus.Logger) ServerOption {
	return func(s *Server) error {
		s.log = logger
		return nil
	}
}

func WithValidator(validator *validator.Validate) ServerOption {
	return func(s *Server) error {
		s.validator = validator
		return nil
	}
}

func WithDetectionConfig(cfg DetectionConfig) ServerOption {
	return func(s *Server) error {
		s.detection = cfg
		return nil
	}
}

// WithDatabase connects the detection history store when DB_HOST is set.
func WithDatabase() ServerOption {
	return func(s *Server) error {
		if !postgres.Enabled() {
			return nil
		}
		db, err := postgres.New()
		if err != nil {
			if s.log != nil {
				s.log.Errorf("Failed to connect to database: %v", err)
			}
			return fmt.Errorf("failed to create database connection: %w", err)
		}
		s.db = db
		return nil
	}
}

func WithRedisServer(redisServer redis.IRedis) ServerOption {
	return func(s *Server) error {
		s.redisServer = redisServer
		return nil
	}
}

func WithMiddleware() ServerOption {
	return func(s *Server) error {
		if s.log == nil {
			return fmt.Errorf("logger must be initialized before middleware")
		}
		s.middleware = middleware.New(s.log, rate.Limit(rateLimitPerSecond), rateLimitBurst)
		return nil
	}
}

// WithS3Client enables s3:// artifact URIs. Without AWS_REGION the server
// runs with http(s) and file origins only.
func WithS3Client() ServerOption {
	return func(s *Server) error {
		if !s3.Enabled() {
			return nil
		}
		client, err := s3.New()
		if err != nil {
			if s.log != nil {
				s.log.Errorf("Failed to initialize S3 client: %v", err)
			}
			return fmt.Errorf("failed to create S3 client: %w", err)
		}
		s.s3Client = client
		return nil
	}
}

func WithEngines(engines inference.Engines) ServerOption {
	return func(s *Server) error {
		s.engines = engines
		return nil
	}
}

func WithUtils() ServerOption {
	return func(s *Server) error {
		s.utils = utils.New(utils.UploadPolicy{
			MaxFileSize:       s.detection.MaxFileSize,
			AllowedTypes:      s.detection.AllowedTypes,
			AllowedExtensions: s.detection.AllowedExtensions,
		})
		return nil
	}
}

func (s *Server) RegisterHandler() {
	s.engine.Use(s.middleware.NewRequestIDMiddleware())
	s.engine.Use(s.middleware.NewLoggingMiddleware())

	// Model registry
	f := fetcher.New(s.log, s.detection.DownloadTimeout, s.detection.ScratchDir, s.s3Client)
	s.registry = registry.New(s.log, registry.NewLoader(f, s.engines), s.detection.Models)

	// Detection
	var historyRepo detectionRepository.Repository
	if s.db != nil {
		historyRepo = detectionRepository.New(s.db, s.log)
		if err := historyRepo.Migrate(context.Background()); err != nil {
			s.log.Errorf("Failed to migrate detection history: %v", err)
			historyRepo = nil
		}
	}
	s.service = detectionService.NewDetectionService(s.log, s.registry, s.utils, s.detection.MaxImagePixels, s.redisServer, s.detection.ResultCacheTTL, historyRepo)
	detectionHandlers := detectionHandler.New(s.log, s.validator, s.middleware, s.service, s.utils, s.detection.MaxFileSize, s.detection.Development())

	s.setupHealthCheck()
	s.handlers = append(s.handlers, detectionHandlers)
}

// Warmup loads every configured model in the background.
func (s *Server) Warmup() {
	if !s.detection.Preload {
		return
	}
	go func() {
		start := time.Now()
		s.registry.Warmup(context.Background())
		s.log.WithFields(logrus.Fields{
			"loaded":     len(s.registry.Loaded()),
			"latency_ms": time.Since(start).Milliseconds(),
		}).Info("Model preload finished")
	}()
}

func (s *Server) Run() error {
	router := s.engine.Group("/api/v1")

	for _, h := range s.handlers {
		h.Start(router)
	}

	port := s.detection.Port
	if port == "" {
		port = "3000"
	}

	return s.engine.Listen(fmt.Sprintf(":%s", port))
}

// Close stops accepting requests, then releases models and connections.
func (s *Server) Close(ctx context.Context) error {
	var errs []error
	if err := s.engine.ShutdownWithContext(ctx); err != nil {
		errs = append(errs, fmt.Errorf("http: %w", err))
	}
	if s.registry != nil {
		if err := s.registry.Close(); err != nil {
			errs = append(errs, fmt.Errorf("models: %w", err))
		}
	}
	if s.redisServer != nil {
		if err := s.redisServer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("redis: %w", err))
		}
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			errs = append(errs, fmt.Errorf("database: %w", err))
		}
	}
	return errors.Join(errs...)
}

func (s *Server) setupHealthCheck() {
	endpoints := []string{"/", "/health", "/api/v1/models"}
	for _, key := range s.registry.Keys() {
		endpoints = append(endpoints, fmt.Sprintf("/api/v1/detect/%s", key))
	}

	s.engine.Get("/", func(ctx *fiber.Ctx) error {
		return ctx.JSON(fiber.Map{
			"message":             "YOLO Object Detection API",
			"version":             apiVersion,
			"available_endpoints": endpoints,
		})
	})

	s.engine.Get("/health", func(ctx *fiber.Ctx) error {
		return ctx.JSON(s.service.Models())
	})
}
