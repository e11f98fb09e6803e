package training

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/shakthirithinigab/eye-backend-render/internal/dataset"
	"github.com/shakthirithinigab/eye-backend-render/internal/model"
)

type Classifier interface {
	Classify(pixels []float32) (*model.Prediction, error)
}

// Evaluate classifies every sample in folder and scores the predictions.
func Evaluate(ctx context.Context, clf Classifier, loader Loader, folder *dataset.Folder, logger *zap.Logger) (*Report, error) {
	if folder.Len() == 0 {
		return nil, fmt.Errorf("no test images under %s", folder.Root)
	}

	truth := make([]int, 0, folder.Len())
	predicted := make([]int, 0, folder.Len())

	for lo := 0; lo < folder.Len(); lo += extractChunk {
		chunk := folder.Samples[lo:min(lo+extractChunk, folder.Len())]
		tensors, err := loader.Tensors(ctx, chunk, nil)
		if err != nil {
			return nil, err
		}

		for i, t := range tensors {
			pred, err := clf.Classify(t)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", chunk[i].Path, err)
			}
			truth = append(truth, chunk[i].Label)
			predicted = append(predicted, pred.Index)
		}
		logger.Debug("Evaluated", zap.Int("done", len(truth)), zap.Int("total", folder.Len()))
	}

	return NewReport(folder.Classes, truth, predicted)
}
