package model

import (
	"fmt"

	"go.uber.org/zap"
)

// Backbone turns a normalised image tensor into the embedding the head
// classifies, optionally with the last layer's attention.
type Backbone interface {
	Forward(pixels []float32, withAttention bool) (*Output, error)
	FeatureDim() int
	Close()
}

// ONNXBackbone runs an exported transformer through ONNX Runtime.
type ONNXBackbone struct {
	session   *session
	meta      Metadata
	hidden    int
	attention *Attention
}

// NewONNXBackbone opens modelPath. When the metadata names no attention
// output, or the graph does not expose it, the backbone still serves
// features and reports attention as unavailable.
func NewONNXBackbone(modelPath string, meta Metadata, logger *zap.Logger) (*ONNXBackbone, error) {
	info, err := outputInfo(modelPath)
	if err != nil {
		return nil, err
	}

	featureShape := meta.FeatureShape
	if len(featureShape) == 0 {
		dims, ok := info[meta.FeatureOutput]
		if !ok {
			return nil, fmt.Errorf("graph has no output %q", meta.FeatureOutput)
		}
		featureShape = dims
	}
	featureShape = concrete(featureShape)
	hidden, err := featureWidth(featureShape)
	if err != nil {
		return nil, err
	}

	outputs := []outputSpec{{name: meta.FeatureOutput, shape: featureShape}}

	var attention *Attention
	if meta.AttentionOutput != "" {
		if dims, ok := info[meta.AttentionOutput]; !ok {
			logger.Warn("Attention output not found in graph, heatmaps disabled",
				zap.String("output", meta.AttentionOutput))
		} else {
			shape := meta.AttentionShape
			if len(shape) == 0 {
				shape = dims
			}
			shape = concrete(shape)
			heads, tokens, err := attentionDims(shape)
			if err != nil {
				return nil, fmt.Errorf("attention output %q: %w", meta.AttentionOutput, err)
			}
			attention = &Attention{Heads: heads, Tokens: tokens}
			outputs = append(outputs, outputSpec{name: meta.AttentionOutput, shape: shape})
		}
	}

	s, err := newSession(modelPath, meta.InputName, meta.InputShape, outputs)
	if err != nil {
		return nil, err
	}

	return &ONNXBackbone{
		session:   s,
		meta:      meta,
		hidden:    hidden,
		attention: attention,
	}, nil
}

func (b *ONNXBackbone) Forward(pixels []float32, withAttention bool) (*Output, error) {
	results, err := b.session.run(pixels)
	if err != nil {
		return nil, err
	}

	features, err := clsEmbedding(results[b.meta.FeatureOutput], b.hidden)
	if err != nil {
		return nil, err
	}
	out := &Output{Features: features}

	if withAttention && b.attention != nil {
		n := b.attention.Heads * b.attention.Tokens * b.attention.Tokens
		weights := results[b.meta.AttentionOutput]
		if len(weights) < n {
			return nil, fmt.Errorf("attention output has %d values, want %d", len(weights), n)
		}
		out.Attention = &Attention{
			Heads:   b.attention.Heads,
			Tokens:  b.attention.Tokens,
			Weights: weights[:n],
		}
	}

	return out, nil
}

func (b *ONNXBackbone) FeatureDim() int {
	return b.hidden
}

func (b *ONNXBackbone) HasAttention() bool {
	return b.attention != nil
}

func (b *ONNXBackbone) Close() {
	b.session.destroy()
}

// featureWidth is the last dimension of the feature output: the embedding
// width for both [batch, tokens, hidden] and pooled [batch, hidden] outputs.
func featureWidth(shape []int64) (int, error) {
	if len(shape) < 2 {
		return 0, fmt.Errorf("feature output must be at least 2-D, got %v", shape)
	}
	w := shape[len(shape)-1]
	if w <= 0 {
		return 0, fmt.Errorf("feature output has no fixed width: %v", shape)
	}
	return int(w), nil
}

// attentionDims validates a [batch, heads, tokens, tokens] shape.
func attentionDims(shape []int64) (heads, tokens int, err error) {
	if len(shape) != 4 {
		return 0, 0, fmt.Errorf("must be 4-D, got %v", shape)
	}
	if shape[2] != shape[3] {
		return 0, 0, fmt.Errorf("query and key token counts differ: %v", shape)
	}
	if shape[1] <= 0 || shape[2] <= 0 {
		return 0, 0, fmt.Errorf("invalid shape %v", shape)
	}
	return int(shape[1]), int(shape[2]), nil
}

// clsEmbedding takes the first token's vector, which for a pooled output is
// the whole output.
func clsEmbedding(hidden []float32, width int) ([]float32, error) {
	if len(hidden) < width {
		return nil, fmt.Errorf("feature output has %d values, want at least %d", len(hidden), width)
	}
	return hidden[:width], nil
}
