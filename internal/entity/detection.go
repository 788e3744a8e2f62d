package entity

import "time"

// Detection is one bounding box in pixel coordinates of the source image.
// BBox is x1, y1, x2, y2 with x1 < x2 and y1 < y2.
type Detection struct {
	ClassID    int
	Label      string
	Confidence float64
	BBox       [4]float64
}

type DetectionResult struct {
	Filename        string
	ModelKey        string
	ModelInfo       map[string]interface{}
	Detections      []Detection
	TotalDetections int
}

type DetectionRecord struct {
	ID              string
	ModelKey        string
	Filename        string
	ImageSHA256     string
	TotalDetections int
	LatencyMs       int64
	CreatedAt       time.Time
}
