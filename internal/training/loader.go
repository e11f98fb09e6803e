package training

import (
	"context"
	"fmt"
	"math/rand/v2"
	"os"
	"runtime"

	"golang.org/x/sync/errgroup"

	"github.com/shakthirithinigab/eye-backend-render/internal/dataset"
	"github.com/shakthirithinigab/eye-backend-render/internal/model"
	"github.com/shakthirithinigab/eye-backend-render/internal/preprocess"
)

// Loader turns dataset samples into input tensors, decoding in parallel.
type Loader struct {
	Input   preprocess.Config
	Workers int
}

// Tensors decodes and preprocesses samples. When seeds is non-nil each
// sample is augmented with an RNG seeded from the matching entry, so the
// result does not depend on goroutine scheduling.
func (l Loader) Tensors(ctx context.Context, samples []dataset.Sample, seeds []uint64) ([][]float32, error) {
	workers := l.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}

	out := make([][]float32, len(samples))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)

	for i, s := range samples {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}

			data, err := os.ReadFile(s.Path)
			if err != nil {
				return err
			}
			img, _, err := preprocess.Decode(data)
			if err != nil {
				return fmt.Errorf("%s: %w", s.Path, err)
			}
			if seeds != nil {
				img = preprocess.Augment(img, rand.New(rand.NewPCG(seeds[i], uint64(i))))
			}

			out[i] = preprocess.Tensor(img, l.Input)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// Features runs the backbone over tensors one at a time.
func Features(backbone model.Backbone, tensors [][]float32) ([][]float32, error) {
	features := make([][]float32, len(tensors))
	for i, t := range tensors {
		out, err := backbone.Forward(t, false)
		if err != nil {
			return nil, fmt.Errorf("backbone forward failed: %w", err)
		}
		features[i] = out.Features
	}
	return features, nil
}
