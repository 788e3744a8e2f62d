package detection

import (
	"math"
	"time"

	"DetectionAPI/internal/entity"
)

type Upload struct {
	Filename    string `json:"filename"`
	ContentType string `json:"content_type" validate:"required"`
	Size        int64  `json:"size" validate:"gt=0"`
	Data        []byte `json:"-"`
}

type DetectionItem struct {
	ClassID    int        `json:"class_id"`
	Label      string     `json:"label"`
	Confidence float64    `json:"confidence"`
	BBox       [4]float64 `json:"bbox"`
}

type DetectionResponse struct {
	Filename        string                 `json:"filename"`
	ModelInfo       map[string]interface{} `json:"model_info"`
	Detections      []DetectionItem        `json:"detections"`
	TotalDetections int                    `json:"total_detections"`
}

type HistoryItem struct {
	ID              string    `json:"id"`
	ModelKey        string    `json:"model_key"`
	Filename        string    `json:"filename"`
	ImageSHA256     string    `json:"image_sha256"`
	TotalDetections int       `json:"total_detections"`
	LatencyMs       int64     `json:"latency_ms"`
	CreatedAt       time.Time `json:"created_at"`
}

type HistoryResponse struct {
	ModelKey string        `json:"model_key"`
	Records  []HistoryItem `json:"records"`
}

type HealthResponse struct {
	Status          string   `json:"status"`
	ModelsLoaded    []string `json:"models_loaded"`
	AvailableModels []string `json:"available_models"`
}

type APIInfoResponse struct {
	Message            string   `json:"message"`
	Version            string   `json:"version"`
	AvailableEndpoints []string `json:"available_endpoints"`
}

// NewDetectionResponse rounds confidence to 4 places and coordinates to 2.
func NewDetectionResponse(result *entity.DetectionResult) DetectionResponse {
	items := make([]DetectionItem, 0, len(result.Detections))
	for _, d := range result.Detections {
		items = append(items, DetectionItem{
			ClassID:    d.ClassID,
			Label:      d.Label,
			Confidence: round(d.Confidence, 4),
			BBox: [4]float64{
				round(d.BBox[0], 2),
				round(d.BBox[1], 2),
				round(d.BBox[2], 2),
				round(d.BBox[3], 2),
			},
		})
	}

	info := result.ModelInfo
	if info == nil {
		info = map[string]interface{}{}
	}

	return DetectionResponse{
		Filename:        result.Filename,
		ModelInfo:       info,
		Detections:      items,
		TotalDetections: result.TotalDetections,
	}
}

func round(v float64, places int) float64 {
	p := math.Pow10(places)
	return math.Round(v*p) / p
}

func NewHistoryResponse(key string, records []entity.DetectionRecord) HistoryResponse {
	items := make([]HistoryItem, 0, len(records))
	for _, r := range records {
		items = append(items, HistoryItem{
			ID:              r.ID,
			ModelKey:        r.ModelKey,
			Filename:        r.Filename,
			ImageSHA256:     r.ImageSHA256,
			TotalDetections: r.TotalDetections,
			LatencyMs:       r.LatencyMs,
			CreatedAt:       r.CreatedAt,
		})
	}
	return HistoryResponse{ModelKey: key, Records: items}
}
