package detectionService

import (
	"DetectionAPI/internal/api/detection"
	"DetectionAPI/internal/entity"
	"DetectionAPI/pkg/log"
	"DetectionAPI/pkg/redis"
	"DetectionAPI/pkg/registry"
	"DetectionAPI/pkg/response"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/net/context"
)

func resultCacheKey(key registry.ModelKey, digest string) string {
	return fmt.Sprintf("detection:%s:%s", key, digest)
}

func (s *detectionService) cachedResult(ctx context.Context, key registry.ModelKey, digest string) (*entity.DetectionResult, bool) {
	if s.resultCache == nil || s.resultCacheTTL <= 0 {
		return nil, false
	}

	var result entity.DetectionResult
	err := s.resultCache.GetJSON(ctx, resultCacheKey(key, digest), &result)
	if err != nil {
		if !errors.Is(err, redis.ErrCacheMiss) {
			log.WithContext(s.log, ctx).WithFields(logrus.Fields{
				"error": err.Error(),
			}).Warn("Result cache lookup failed")
		}
		return nil, false
	}
	return &result, true
}

func (s *detectionService) storeResult(ctx context.Context, key registry.ModelKey, digest string, result *entity.DetectionResult) {
	if s.resultCache == nil || s.resultCacheTTL <= 0 {
		return
	}

	if err := s.resultCache.SetJSON(ctx, resultCacheKey(key, digest), result, s.resultCacheTTL); err != nil {
		log.WithContext(s.log, ctx).WithFields(logrus.Fields{
			"error": err.Error(),
		}).Warn("Result cache store failed")
	}
}

// record is best effort; a failed insert never fails the request.
func (s *detectionService) record(ctx context.Context, result *entity.DetectionResult, digest string, latency time.Duration) {
	if s.history == nil {
		return
	}

	id, err := s.utils.NewULIDFromTimestamp(time.Now())
	if err != nil {
		log.WithContext(s.log, ctx).WithFields(logrus.Fields{
			"error": err.Error(),
		}).Warn("Failed to generate history id")
		return
	}

	repo, err := s.history.NewClient(false)
	if err != nil {
		log.WithContext(s.log, ctx).WithFields(logrus.Fields{
			"error": err.Error(),
		}).Warn("Failed to create new client")
		return
	}

	err = repo.History.CreateRecord(ctx, entity.DetectionRecord{
		ID:              id,
		ModelKey:        result.ModelKey,
		Filename:        result.Filename,
		ImageSHA256:     digest,
		TotalDetections: result.TotalDetections,
		LatencyMs:       latency.Milliseconds(),
		CreatedAt:       time.Now().UTC(),
	})
	if err != nil {
		log.WithContext(s.log, ctx).WithFields(logrus.Fields{
			"model_key": result.ModelKey,
			"error":     err.Error(),
		}).Warn("Failed to record detection history")
	}
}

func (s *detectionService) History(ctx context.Context, key registry.ModelKey, limit int) ([]entity.DetectionRecord, error) {
	if s.history == nil {
		return nil, detection.ErrHistoryDisabled
	}
	if !slices.Contains(s.registry.Keys(), key) {
		return nil, response.Wrap(detection.ErrUnknownModel, "model %q is not available", key)
	}
	if limit <= 0 || limit > 100 {
		limit = 20
	}

	repo, err := s.history.NewClient(false)
	if err != nil {
		return nil, response.Wrap(detection.ErrInternalFailure, "history: %s", err.Error())
	}

	records, err := repo.History.GetRecentByModel(ctx, string(key), limit)
	if err != nil {
		return nil, response.Wrap(detection.ErrInternalFailure, "history: %s", err.Error())
	}
	return records, nil
}
