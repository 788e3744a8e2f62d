// Package imaging is the image codec used by the detection pipeline.
package imaging

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	"DetectionAPI/pkg/inference"

	"github.com/disintegration/imaging"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

var (
	ErrEmptyImage    = errors.New("image has no pixels")
	ErrTooManyPixels = errors.New("image dimensions exceed limit")
)

// Decode reads any registered format, applies EXIF orientation and reports
// the format name. The header is checked against maxPixels before any pixel
// buffer is allocated; maxPixels <= 0 disables the check.
func Decode(data []byte, maxPixels int64) (image.Image, string, error) {
	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, "", fmt.Errorf("unreadable image: %w", err)
	}
	if maxPixels > 0 && int64(cfg.Width)*int64(cfg.Height) > maxPixels {
		return nil, "", fmt.Errorf("%w: %dx%d, maximum %d pixels", ErrTooManyPixels, cfg.Width, cfg.Height, maxPixels)
	}

	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, "", fmt.Errorf("unreadable image: %w", err)
	}
	if img.Bounds().Empty() {
		return nil, "", ErrEmptyImage
	}
	return img, format, nil
}

// ToRGB flattens alpha onto black and returns an opaque NRGBA copy with
// the origin at (0,0), whatever the source colour model.
func ToRGB(img image.Image) *image.NRGBA {
	bg := imaging.New(img.Bounds().Dx(), img.Bounds().Dy(), color.NRGBA{0, 0, 0, 255})
	return imaging.Overlay(bg, img, image.Pt(0, 0), 1.0)
}

func Resize(img image.Image, width, height int) *image.NRGBA {
	return imaging.Resize(img, width, height, imaging.Linear)
}

// Tensor lays out an RGB image as a batch of one, scaled by 1/scale.
// scale 255 yields [0,1] floats; scale 1 keeps raw 0..255 values for
// quantized inputs.
func Tensor(img *image.NRGBA, layout inference.Layout, scale float32) inference.Tensor {
	w, h := img.Bounds().Dx(), img.Bounds().Dy()
	plane := w * h
	data := make([]float32, 3*plane)

	for y := 0; y < h; y++ {
		row := img.Pix[y*img.Stride : y*img.Stride+w*4]
		for x := 0; x < w; x++ {
			r := float32(row[x*4]) / scale
			g := float32(row[x*4+1]) / scale
			b := float32(row[x*4+2]) / scale
			i := y*w + x
			if layout == inference.LayoutNCHW {
				data[i] = r
				data[plane+i] = g
				data[2*plane+i] = b
			} else {
				data[i*3] = r
				data[i*3+1] = g
				data[i*3+2] = b
			}
		}
	}

	shape := []int64{1, int64(h), int64(w), 3}
	if layout == inference.LayoutNCHW {
		shape = []int64{1, 3, int64(h), int64(w)}
	}

	return inference.Tensor{Shape: shape, Type: inference.Float32, Data: data}
}
