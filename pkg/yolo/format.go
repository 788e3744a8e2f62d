package yolo

import (
	"errors"
	"fmt"
	"strings"
)

// Format selects how a raw output tensor is read.
type Format int

const (
	// FormatAuto is a configuration value only: the format is derived from
	// the output shape when a bundle is loaded.
	FormatAuto Format = iota
	// FormatBoxConfClass rows are [cx, cy, w, h, confidence, classId].
	FormatBoxConfClass
	// FormatBoxObjClassScores rows are [cx, cy, w, h, objectness, score...].
	FormatBoxObjClassScores
	// FormatChannelsFirstGrid is [1, 4+C, N] and is transposed to N rows.
	FormatChannelsFirstGrid
)

var ErrUnsupportedLayout = errors.New("unsupported output tensor layout")

// minAutoClassScores is the class count from which an [1, N, 5+C] tensor
// is recognised as per-box class scores without explicit configuration.
const minAutoClassScores = 80

var formatNames = map[Format]string{
	FormatAuto:              "auto",
	FormatBoxConfClass:      "box_conf_class",
	FormatBoxObjClassScores: "box_obj_class_scores",
	FormatChannelsFirstGrid: "channels_first_grid",
}

func (f Format) String() string {
	if name, ok := formatNames[f]; ok {
		return name
	}
	return fmt.Sprintf("Format(%d)", int(f))
}

func ParseFormat(s string) (Format, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return FormatAuto, nil
	}
	for f, name := range formatNames {
		if name == s {
			return f, nil
		}
	}
	return FormatAuto, fmt.Errorf("unknown decode format %q", s)
}

// SelectFormat derives the format from a primary output shape.
func SelectFormat(shape []int64) (Format, error) {
	if len(shape) != 3 || shape[0] != 1 {
		return FormatAuto, fmt.Errorf("%w: shape %v", ErrUnsupportedLayout, shape)
	}

	d1, d2 := shape[1], shape[2]
	switch {
	case d2 == 6:
		return FormatBoxConfClass, nil
	case d2-5 >= minAutoClassScores && d1 > d2:
		return FormatBoxObjClassScores, nil
	case d1 >= 5 && d1 < d2:
		return FormatChannelsFirstGrid, nil
	}
	return FormatAuto, fmt.Errorf("%w: shape %v", ErrUnsupportedLayout, shape)
}

// CheckShape reports whether shape can be read as format f.
func CheckShape(f Format, shape []int64) error {
	if len(shape) != 3 || shape[0] != 1 {
		return fmt.Errorf("%w: shape %v", ErrUnsupportedLayout, shape)
	}

	var ok bool
	switch f {
	case FormatBoxConfClass:
		ok = shape[2] == 6
	case FormatBoxObjClassScores:
		ok = shape[2] >= 6
	case FormatChannelsFirstGrid:
		ok = shape[1] >= 5
	}
	if !ok {
		return fmt.Errorf("%w: shape %v is not %s", ErrUnsupportedLayout, shape, f)
	}
	return nil
}
