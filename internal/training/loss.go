package training

import (
	"math"

	"github.com/shakthirithinigab/eye-backend-render/internal/model"
)

// CrossEntropy returns the negative log-likelihood of label under
// softmax(logits) and its gradient with respect to the logits.
func CrossEntropy(logits []float32, label int) (float64, []float32) {
	probs := model.Softmax(logits)

	grad := make([]float32, len(probs))
	for i, p := range probs {
		grad[i] = float32(p)
	}
	grad[label]--

	return -math.Log(math.Max(probs[label], 1e-12)), grad
}
