package detectionService

import (
	"DetectionAPI/internal/api/detection"
	detectionRepository "DetectionAPI/internal/api/detection/repository"
	"DetectionAPI/internal/entity"
	"DetectionAPI/pkg/redis"
	"DetectionAPI/pkg/registry"
	"DetectionAPI/pkg/utils"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/net/context"
)

type IDetectionService interface {
	Run(ctx context.Context, key registry.ModelKey, upload detection.Upload) (*entity.DetectionResult, error)
	Models() detection.HealthResponse
	History(ctx context.Context, key registry.ModelKey, limit int) ([]entity.DetectionRecord, error)
}

type detectionService struct {
	log            *logrus.Logger
	registry       registry.IRegistry
	utils          utils.IUtils
	maxPixels      int64
	resultCache    redis.IRedis
	resultCacheTTL time.Duration
	history        detectionRepository.Repository
}

// NewDetectionService wires the pipeline. resultCache and history may be
// nil; the service then skips result caching and history recording.
func NewDetectionService(
	log *logrus.Logger,
	reg registry.IRegistry,
	utils utils.IUtils,
	maxPixels int64,
	resultCache redis.IRedis,
	resultCacheTTL time.Duration,
	history detectionRepository.Repository,
) IDetectionService {
	return &detectionService{
		log:            log,
		registry:       reg,
		utils:          utils,
		maxPixels:      maxPixels,
		resultCache:    resultCache,
		resultCacheTTL: resultCacheTTL,
		history:        history,
	}
}
