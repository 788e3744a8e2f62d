// Package yolo turns raw detector output tensors into validated detections.
package yolo

import (
	"fmt"
	"math"
	"strconv"

	"DetectionAPI/internal/entity"
	"DetectionAPI/pkg/inference"
)

type Params struct {
	// Model input canvas, used when box coordinates are in pixels.
	InputWidth  int
	InputHeight int
	// Source image, the coordinate space of emitted boxes.
	ImageWidth  int
	ImageHeight int
	Labels      map[int]string
	// Rows with confidence >= Threshold are kept, compared in float32.
	Threshold float64
}

// Decode reads the primary output tensor in the given format. FormatAuto
// selects a format from the tensor shape. Detections keep row order; no
// overlap suppression is applied.
func Decode(outputs []inference.Tensor, format Format, p Params) ([]entity.Detection, error) {
	if len(outputs) == 0 {
		return nil, fmt.Errorf("%w: no output tensors", ErrUnsupportedLayout)
	}
	out := outputs[0]

	if format == FormatAuto {
		f, err := SelectFormat(out.Shape)
		if err != nil {
			return nil, err
		}
		format = f
	} else if err := CheckShape(format, out.Shape); err != nil {
		return nil, err
	}

	if int64(len(out.Data)) != inference.NumElements(out.Shape) {
		return nil, fmt.Errorf("%w: shape %v holds %d values, got %d",
			ErrUnsupportedLayout, out.Shape, inference.NumElements(out.Shape), len(out.Data))
	}

	rows, cols := int(out.Shape[1]), int(out.Shape[2])
	data := out.Data
	if format == FormatChannelsFirstGrid {
		data = Transpose(data, rows, cols)
		rows, cols = cols, rows
	}

	sx, sy := scales(p)
	detections := make([]entity.Detection, 0, 16)

	for r := 0; r < rows; r++ {
		row := data[r*cols : (r+1)*cols]

		classID, confidence, ok := score(format, row)
		if !ok || float32(confidence) < float32(p.Threshold) || confidence > 1 {
			continue
		}

		bbox, ok := corners(row, p, sx, sy)
		if !ok {
			continue
		}

		detections = append(detections, entity.Detection{
			ClassID:    classID,
			Label:      Label(p.Labels, classID),
			Confidence: confidence,
			BBox:       bbox,
		})
	}

	return detections, nil
}

// Transpose turns a row-major rows x cols matrix into cols x rows.
func Transpose(data []float32, rows, cols int) []float32 {
	out := make([]float32, len(data))
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			out[c*rows+r] = data[r*cols+c]
		}
	}
	return out
}

func Label(labels map[int]string, classID int) string {
	if label, ok := labels[classID]; ok {
		return label
	}
	return "Unknown_" + strconv.Itoa(classID)
}

func score(format Format, row []float32) (int, float64, bool) {
	switch format {
	case FormatBoxConfClass:
		c := float64(row[5])
		if math.IsNaN(c) || c < 0 || c > math.MaxInt32 {
			return 0, 0, false
		}
		conf, ok := finite(row[4])
		return int(c), conf, ok
	case FormatBoxObjClassScores:
		classID, best := argmax(row[5:])
		objectness, ok := finite(row[4])
		if !ok {
			return 0, 0, false
		}
		conf, ok := finite(best)
		return classID, objectness * conf, ok
	case FormatChannelsFirstGrid:
		classID, best := argmax(row[4:])
		conf, ok := finite(best)
		return classID, conf, ok
	}
	return 0, 0, false
}

func finite(v float32) (float64, bool) {
	f := float64(v)
	if math.IsNaN(f) || math.IsInf(f, 0) || f < 0 {
		return 0, false
	}
	return f, true
}

func argmax(scores []float32) (int, float32) {
	idx, best := 0, float32(math.Inf(-1))
	for i, s := range scores {
		if s > best {
			idx, best = i, s
		}
	}
	return idx, best
}

// scales maps pixel-unit boxes from the model canvas to the image.
func scales(p Params) (float64, float64) {
	sx, sy := 1.0, 1.0
	if p.InputWidth > 0 {
		sx = float64(p.ImageWidth) / float64(p.InputWidth)
	}
	if p.InputHeight > 0 {
		sy = float64(p.ImageHeight) / float64(p.InputHeight)
	}
	return sx, sy
}

func corners(row []float32, p Params, sx, sy float64) ([4]float64, bool) {
	cx, cy := float64(row[0]), float64(row[1])
	w, h := float64(row[2]), float64(row[3])
	for _, v := range [4]float64{cx, cy, w, h} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return [4]float64{}, false
		}
	}

	if cx <= 1 && cy <= 1 {
		sx, sy = float64(p.ImageWidth), float64(p.ImageHeight)
	}

	width, height := float64(p.ImageWidth), float64(p.ImageHeight)
	x1 := clamp((cx-w/2)*sx, width)
	y1 := clamp((cy-h/2)*sy, height)
	x2 := clamp((cx+w/2)*sx, width)
	y2 := clamp((cy+h/2)*sy, height)

	if !(x2 > x1) || !(y2 > y1) {
		return [4]float64{}, false
	}
	return [4]float64{x1, y1, x2, y2}, true
}

func clamp(v, upper float64) float64 {
	if v < 0 {
		return 0
	}
	if v > upper {
		return upper
	}
	return v
}
