// Package explain renders model explanations (attention maps, Grad-CAM) as
// colour heatmaps blended over the source image.
package explain

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/nfnt/resize"
)

const (
	// ImageWeight and HeatmapWeight are the blend factors of the overlay.
	ImageWeight   = 0.6
	HeatmapWeight = 0.4

	// JPEGQuality matches the common encoder default for overlays.
	JPEGQuality = 95

	epsilon = 1e-8
)

type Heatmap struct {
	Image *image.NRGBA
	JPEG  []byte
}

func (h *Heatmap) Base64() string {
	return base64.StdEncoding.EncodeToString(h.JPEG)
}

// Normalize rescales values to [0, 1] by min-max. A constant map becomes all
// zeros instead of dividing by zero.
func Normalize(values []float64) []float64 {
	if len(values) == 0 {
		return nil
	}
	lo, hi := values[0], values[0]
	for _, v := range values[1:] {
		lo = math.Min(lo, v)
		hi = math.Max(hi, v)
	}
	out := make([]float64, len(values))
	for i, v := range values {
		out[i] = (v - lo) / (hi - lo + epsilon)
	}
	return out
}

// ResizeMap upsamples a w×h map of values in [0, 1] to width×height with
// bilinear interpolation.
func ResizeMap(values []float64, w, h, width, height int) ([]float64, error) {
	if len(values) != w*h {
		return nil, fmt.Errorf("map has %d values, want %dx%d", len(values), w, h)
	}
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("invalid target size %dx%d", width, height)
	}

	grid := image.NewGray16(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			v := math.Max(0, math.Min(1, values[y*w+x]))
			grid.SetGray16(x, y, color.Gray16{Y: uint16(math.Round(v * 65535))})
		}
	}

	resized := resize.Resize(uint(width), uint(height), grid, resize.Bilinear)
	b := resized.Bounds()

	out := make([]float64, width*height)
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			g, _, _, _ := resized.At(b.Min.X+x, b.Min.Y+y).RGBA()
			out[y*width+x] = float64(g) / 65535
		}
	}
	return out, nil
}

// Jet maps an 8-bit intensity onto the jet colour ramp: dark blue for 0,
// through cyan, yellow, to dark red for 255.
func Jet(v uint8) color.NRGBA {
	x := float64(v) / 255
	channel := func(center float64) uint8 {
		c := 1.5 - math.Abs(4*x-center)
		c = math.Max(0, math.Min(1, c))
		return uint8(math.Round(c * 255))
	}
	return color.NRGBA{R: channel(3), G: channel(2), B: channel(1), A: 0xff}
}

// Overlay colours values (one per pixel of original, in [0, 1]) with Jet and
// blends the result over original.
func Overlay(original *image.NRGBA, values []float64) (*image.NRGBA, error) {
	b := original.Bounds()
	w, h := b.Dx(), b.Dy()
	if len(values) != w*h {
		return nil, fmt.Errorf("map has %d values, image has %d pixels", len(values), w*h)
	}

	out := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			v := math.Max(0, math.Min(1, values[y*w+x]))
			heat := Jet(uint8(255 * v))
			src := original.NRGBAAt(b.Min.X+x, b.Min.Y+y)
			out.SetNRGBA(x, y, color.NRGBA{
				R: blend(src.R, heat.R),
				G: blend(src.G, heat.G),
				B: blend(src.B, heat.B),
				A: 0xff,
			})
		}
	}
	return out, nil
}

func blend(a, b uint8) uint8 {
	v := math.Round(ImageWeight*float64(a) + HeatmapWeight*float64(b))
	return uint8(math.Max(0, math.Min(255, v)))
}

func EncodeJPEG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: JPEGQuality}); err != nil {
		return nil, fmt.Errorf("failed to encode heatmap: %w", err)
	}
	return buf.Bytes(), nil
}

// WriteImage writes img to path, choosing PNG or JPEG from the extension.
func WriteImage(path string, img image.Image) error {
	var encode func(*os.File) error
	switch strings.ToLower(filepath.Ext(path)) {
	case ".png":
		encode = func(f *os.File) error { return png.Encode(f, img) }
	case ".jpg", ".jpeg":
		encode = func(f *os.File) error { return jpeg.Encode(f, img, &jpeg.Options{Quality: JPEGQuality}) }
	default:
		return fmt.Errorf("unsupported output format %q", filepath.Ext(path))
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	if err := encode(f); err != nil {
		f.Close()
		return fmt.Errorf("failed to encode %s: %w", path, err)
	}
	return f.Close()
}
