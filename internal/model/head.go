package model

import (
	"fmt"
	"math/rand/v2"

	"github.com/shakthirithinigab/eye-backend-render/internal/weights"
)

// Head is the dense classification layer on top of a backbone embedding.
// Its tensors are stored as "<prefix>.weight" [classes, dim] and
// "<prefix>.bias" [classes].
type Head struct {
	Prefix  string
	Classes int
	Dim     int
	Weight  []float32
	Bias    []float32
}

// NewHead returns a zero-initialised head.
func NewHead(prefix string, classes, dim int) *Head {
	return &Head{
		Prefix:  prefix,
		Classes: classes,
		Dim:     dim,
		Weight:  make([]float32, classes*dim),
		Bias:    make([]float32, classes),
	}
}

// Init draws weights from N(0, std²) and zeroes the bias.
func (h *Head) Init(rng *rand.Rand, std float64) {
	for i := range h.Weight {
		h.Weight[i] = float32(rng.NormFloat64() * std)
	}
	clear(h.Bias)
}

// Logits computes W·x + b.
func (h *Head) Logits(features []float32) ([]float32, error) {
	if len(features) != h.Dim {
		return nil, fmt.Errorf("head expects %d features, got %d", h.Dim, len(features))
	}

	logits := make([]float32, h.Classes)
	for c := 0; c < h.Classes; c++ {
		row := h.Weight[c*h.Dim : (c+1)*h.Dim]
		sum := h.Bias[c]
		for i, v := range row {
			sum += v * features[i]
		}
		logits[c] = sum
	}
	return logits, nil
}

// Params exposes the head's tensors by name. The tensors alias the head's
// storage, so loading into them updates the head.
func (h *Head) Params() map[string]weights.Tensor {
	return map[string]weights.Tensor{
		h.Prefix + ".weight": {Shape: []int64{int64(h.Classes), int64(h.Dim)}, Data: h.Weight},
		h.Prefix + ".bias":   {Shape: []int64{int64(h.Classes)}, Data: h.Bias},
	}
}

// Load copies matching tensors from the artifact at path. Mismatched or
// missing tensors are skipped and listed in the report.
func (h *Head) Load(path string) (*weights.LoadReport, error) {
	return weights.LoadFile(path, h.Params())
}

func (h *Head) Save(path string, metadata map[string]string) error {
	return weights.Save(path, h.Params(), metadata)
}

// ReadHead builds a head sized from the "<prefix>.weight" tensor in the
// artifact at path and loads it.
func ReadHead(path, prefix string) (*Head, *weights.LoadReport, error) {
	f, err := weights.Read(path)
	if err != nil {
		return nil, nil, err
	}

	w, ok := f.Tensors[prefix+".weight"]
	if !ok {
		return nil, nil, fmt.Errorf("%s has no tensor %s.weight", path, prefix)
	}
	if len(w.Shape) != 2 {
		return nil, nil, fmt.Errorf("%s.weight must be 2-D, got %v", prefix, w.Shape)
	}

	h := NewHead(prefix, int(w.Shape[0]), int(w.Shape[1]))
	return h, weights.LoadInto(f, h.Params()), nil
}
