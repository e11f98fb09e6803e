package model

import "fmt"

// FeatureMap holds one image's activations of a convolutional layer in CHW
// order.
type FeatureMap struct {
	Channels int
	Height   int
	Width    int
	Data     []float32
}

func checkLayerShape(shape []int64) error {
	if len(shape) != 4 || shape[0] != 1 {
		return fmt.Errorf("layer must be NCHW with batch 1, got %v", shape)
	}
	if shape[1] <= 0 || shape[2] <= 0 || shape[3] <= 0 {
		return fmt.Errorf("invalid layer shape %v", shape)
	}
	return nil
}

func newFeatureMap(shape []int64, data []float32) (*FeatureMap, error) {
	if err := checkLayerShape(shape); err != nil {
		return nil, err
	}
	fm := &FeatureMap{
		Channels: int(shape[1]),
		Height:   int(shape[2]),
		Width:    int(shape[3]),
	}
	n := fm.Channels * fm.Height * fm.Width
	if len(data) < n {
		return nil, fmt.Errorf("layer has %d values for shape %v", len(data), shape)
	}
	fm.Data = data[:n]
	return fm, nil
}

// ConvExtractor runs a convolutional network exported up to, and exposing,
// one named layer.
type ConvExtractor struct {
	session *session
	layer   string
	shape   []int64
}

// NewConvExtractor opens modelPath and binds the output named layer, which
// must be a 4-D NCHW tensor.
func NewConvExtractor(modelPath, inputName string, inputShape []int64, layer string) (*ConvExtractor, error) {
	info, err := outputInfo(modelPath)
	if err != nil {
		return nil, err
	}
	dims, ok := info[layer]
	if !ok {
		return nil, fmt.Errorf("graph has no output %q", layer)
	}
	shape := concrete(dims)
	if err := checkLayerShape(shape); err != nil {
		return nil, fmt.Errorf("layer %q: %w", layer, err)
	}

	s, err := newSession(modelPath, inputName, inputShape, []outputSpec{{name: layer, shape: shape}})
	if err != nil {
		return nil, err
	}

	return &ConvExtractor{session: s, layer: layer, shape: shape}, nil
}

func (c *ConvExtractor) Activations(pixels []float32) (*FeatureMap, error) {
	results, err := c.session.run(pixels)
	if err != nil {
		return nil, err
	}

	return newFeatureMap(c.shape, results[c.layer])
}

func (c *ConvExtractor) Close() {
	c.session.destroy()
}
