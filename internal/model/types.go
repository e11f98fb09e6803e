package model

import (
	"encoding/json"
	"fmt"
	"os"
)

// Metadata describes the exported backbone graph. It lives next to the
// .onnx file.
type Metadata struct {
	InputName       string    `json:"input_name"`
	InputShape      []int64   `json:"input_shape"`
	FeatureOutput   string    `json:"feature_output"`
	FeatureShape    []int64   `json:"feature_shape"`
	AttentionOutput string    `json:"attention_output,omitempty"`
	AttentionShape  []int64   `json:"attention_shape,omitempty"`
	ImageSize       int       `json:"image_size"`
	Mean            []float32 `json:"mean"`
	Std             []float32 `json:"std"`
}

// ReadMetadata parses a metadata file and fills in ViT-Base/16 defaults for
// anything left out.
func ReadMetadata(path string) (Metadata, error) {
	var meta Metadata

	raw, err := os.ReadFile(path)
	if err != nil {
		return meta, fmt.Errorf("failed to read metadata: %w", err)
	}
	if err := json.Unmarshal(raw, &meta); err != nil {
		return meta, fmt.Errorf("failed to parse metadata: %w", err)
	}

	if meta.InputName == "" {
		meta.InputName = "pixel_values"
	}
	if meta.ImageSize == 0 {
		meta.ImageSize = 224
	}
	if len(meta.InputShape) == 0 {
		size := int64(meta.ImageSize)
		meta.InputShape = []int64{1, 3, size, size}
	}
	if meta.FeatureOutput == "" {
		meta.FeatureOutput = "last_hidden_state"
	}
	if len(meta.Mean) == 0 {
		meta.Mean = []float32{0.5, 0.5, 0.5}
	}
	if len(meta.Std) == 0 {
		meta.Std = []float32{0.5, 0.5, 0.5}
	}
	if len(meta.Mean) != 3 || len(meta.Std) != 3 {
		return meta, fmt.Errorf("mean and std need 3 channels, got %d and %d", len(meta.Mean), len(meta.Std))
	}

	return meta, nil
}

type Prediction struct {
	Label string
	Index int
	// Confidence is the winning probability as a percentage, two decimals.
	Confidence float64
	// Probabilities holds the softmax over every class.
	Probabilities []float64
}

// Attention is the last transformer layer's attention for one image, laid
// out [head][query token][key token]. Token 0 is the class token.
type Attention struct {
	Heads   int
	Tokens  int
	Weights []float32
}

type Output struct {
	Features  []float32
	Attention *Attention
}

// PredictionResponse is the body returned by POST /predict.
type PredictionResponse struct {
	Disease    string  `json:"disease"`
	Confidence float64 `json:"confidence"`
	Heatmap    string  `json:"heatmap,omitempty"`
}
