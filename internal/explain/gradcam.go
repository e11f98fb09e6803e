package explain

import (
	"fmt"
	"image"
	"math"

	"github.com/shakthirithinigab/eye-backend-render/internal/model"
)

// HeadGradients evaluates a global-average-pool + dense head on acts and
// returns the top class together with the gradient of its score with
// respect to every activation. For that head the gradient of score c at
// (k, y, x) is W[c][k] / (H*W).
func HeadGradients(acts *model.FeatureMap, head *model.Head) (int, []float32, error) {
	if head.Dim != acts.Channels {
		return 0, nil, fmt.Errorf("head expects %d channels, layer has %d", head.Dim, acts.Channels)
	}

	area := acts.Height * acts.Width
	pooled := make([]float32, acts.Channels)
	for k := 0; k < acts.Channels; k++ {
		var sum float32
		for _, v := range acts.Data[k*area : (k+1)*area] {
			sum += v
		}
		pooled[k] = sum / float32(area)
	}

	logits, err := head.Logits(pooled)
	if err != nil {
		return 0, nil, err
	}
	class := model.Argmax(logits)

	grads := make([]float32, len(acts.Data))
	row := head.Weight[class*head.Dim : (class+1)*head.Dim]
	for k := 0; k < acts.Channels; k++ {
		g := row[k] / float32(area)
		for i := k * area; i < (k+1)*area; i++ {
			grads[i] = g
		}
	}
	return class, grads, nil
}

// GradCAM weights each activation channel by its spatially averaged
// gradient, sums the channels, clips negatives and scales by the maximum.
// The result is an H×W map in [0, 1].
func GradCAM(acts *model.FeatureMap, grads []float32) ([]float64, error) {
	if len(grads) != len(acts.Data) {
		return nil, fmt.Errorf("got %d gradients for %d activations", len(grads), len(acts.Data))
	}

	area := acts.Height * acts.Width
	cam := make([]float64, area)
	for k := 0; k < acts.Channels; k++ {
		var alpha float64
		for _, g := range grads[k*area : (k+1)*area] {
			alpha += float64(g)
		}
		alpha /= float64(area)

		for i := 0; i < area; i++ {
			cam[i] += alpha * float64(acts.Data[k*area+i])
		}
	}

	var peak float64
	for i, v := range cam {
		cam[i] = math.Max(v, 0)
		peak = math.Max(peak, cam[i])
	}
	for i := range cam {
		cam[i] /= peak + epsilon
	}
	return cam, nil
}

// GradCAMOverlay upsamples cam (h×w) to original's size and blends it over
// the image.
func GradCAMOverlay(original *image.NRGBA, cam []float64, w, h int) (*image.NRGBA, error) {
	b := original.Bounds()
	values, err := ResizeMap(cam, w, h, b.Dx(), b.Dy())
	if err != nil {
		return nil, err
	}
	return Overlay(original, values)
}
