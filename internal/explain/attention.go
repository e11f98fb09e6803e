package explain

import (
	"errors"
	"fmt"
	"image"
	"math"

	"github.com/shakthirithinigab/eye-backend-render/internal/model"
)

// ErrAttentionUnavailable means the model produced no attention to render.
var ErrAttentionUnavailable = errors.New("attention unavailable")

// ConfigError reports attention whose spatial tokens do not form a square
// patch grid.
type ConfigError struct {
	Tokens int
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("%d spatial tokens do not form a square grid", e.Tokens)
}

// AttentionGrid averages the heads, takes the class token's attention over
// the spatial tokens (excluding itself) and returns it as a side×side grid,
// row major.
func AttentionGrid(a *model.Attention) ([]float64, int, error) {
	if a == nil {
		return nil, 0, ErrAttentionUnavailable
	}
	if a.Heads <= 0 || a.Tokens < 2 {
		return nil, 0, fmt.Errorf("invalid attention shape %dx%d", a.Heads, a.Tokens)
	}
	if len(a.Weights) != a.Heads*a.Tokens*a.Tokens {
		return nil, 0, fmt.Errorf("attention has %d weights, want %d heads x %d x %d tokens",
			len(a.Weights), a.Heads, a.Tokens, a.Tokens)
	}

	spatial := a.Tokens - 1
	side := int(math.Round(math.Sqrt(float64(spatial))))
	if side*side != spatial {
		return nil, 0, &ConfigError{Tokens: spatial}
	}

	grid := make([]float64, spatial)
	for h := 0; h < a.Heads; h++ {
		// row 0 of head h: the class token attending to every token
		row := a.Weights[h*a.Tokens*a.Tokens : h*a.Tokens*a.Tokens+a.Tokens]
		for i := 1; i < a.Tokens; i++ {
			grid[i-1] += float64(row[i])
		}
	}
	for i := range grid {
		grid[i] /= float64(a.Heads)
	}

	return grid, side, nil
}

// AttentionHeatmap renders attention over original as a JPEG overlay.
// Failures, including panics from malformed input, come back as errors so
// callers can carry on without a heatmap.
func AttentionHeatmap(a *model.Attention, original *image.NRGBA) (hm *Heatmap, err error) {
	defer func() {
		if r := recover(); r != nil {
			hm, err = nil, fmt.Errorf("heatmap panic: %v", r)
		}
	}()

	grid, side, err := AttentionGrid(a)
	if err != nil {
		return nil, err
	}

	b := original.Bounds()
	values, err := ResizeMap(Normalize(grid), side, side, b.Dx(), b.Dy())
	if err != nil {
		return nil, err
	}

	overlay, err := Overlay(original, Normalize(values))
	if err != nil {
		return nil, err
	}

	encoded, err := EncodeJPEG(overlay)
	if err != nil {
		return nil, err
	}

	return &Heatmap{Image: overlay, JPEG: encoded}, nil
}
