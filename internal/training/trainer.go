package training

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/shakthirithinigab/eye-backend-render/internal/dataset"
	"github.com/shakthirithinigab/eye-backend-render/internal/model"
)

type Config struct {
	Epochs       int
	BatchSize    int
	LearningRate float64
	WeightDecay  float64
	// LogEvery logs the batch loss on every LogEvery-th batch, starting
	// with the first.
	LogEvery int
	Augment  bool
	Seed     uint64
}

func DefaultConfig() Config {
	return Config{
		Epochs:       5,
		BatchSize:    2,
		LearningRate: 2e-5,
		WeightDecay:  0.01,
		LogEvery:     5,
		Augment:      true,
		Seed:         42,
	}
}

// InitStd is the standard deviation used for a freshly initialised head.
const InitStd = 0.02

type Result struct {
	TrainLoss          []float64
	ValidationAccuracy []float64
}

// Trainer fine-tunes a head against a frozen backbone.
type Trainer struct {
	backbone model.Backbone
	head     *model.Head
	loader   Loader
	cfg      Config
	opt      *AdamW
	rng      *rand.Rand
	logger   *zap.Logger

	gradW, gradB []float32
}

func NewTrainer(backbone model.Backbone, head *model.Head, loader Loader, cfg Config, logger *zap.Logger) (*Trainer, error) {
	if head.Dim != backbone.FeatureDim() {
		return nil, fmt.Errorf("head expects %d features, backbone yields %d", head.Dim, backbone.FeatureDim())
	}
	if cfg.Epochs <= 0 || cfg.BatchSize <= 0 {
		return nil, fmt.Errorf("epochs and batch size must be positive, got %d and %d", cfg.Epochs, cfg.BatchSize)
	}
	if cfg.LogEvery <= 0 {
		cfg.LogEvery = 1
	}

	opt := NewAdamW(cfg.LearningRate, head.Weight, head.Bias)
	opt.WeightDecay = cfg.WeightDecay

	return &Trainer{
		backbone: backbone,
		head:     head,
		loader:   loader,
		cfg:      cfg,
		opt:      opt,
		rng:      rand.New(rand.NewPCG(cfg.Seed, cfg.Seed^0x9e3779b97f4a7c15)),
		logger:   logger,
		gradW:    make([]float32, len(head.Weight)),
		gradB:    make([]float32, len(head.Bias)),
	}, nil
}

// Train runs every epoch over train, scoring against val after each one.
// An empty val skips validation.
func (t *Trainer) Train(ctx context.Context, train, val *dataset.Folder) (*Result, error) {
	if train.Len() == 0 {
		return nil, fmt.Errorf("no training images under %s", train.Root)
	}

	// The backbone is frozen and validation is not augmented, so its
	// features only need computing once.
	var valFeatures [][]float32
	var valLabels []int
	if val != nil && val.Len() > 0 {
		var err error
		valFeatures, valLabels, err = t.extract(ctx, val.Samples)
		if err != nil {
			return nil, fmt.Errorf("validation features: %w", err)
		}
	} else {
		t.logger.Warn("No validation images, skipping validation")
	}

	res := &Result{}
	batches := (train.Len() + t.cfg.BatchSize - 1) / t.cfg.BatchSize

	for epoch := 0; epoch < t.cfg.Epochs; epoch++ {
		start := time.Now()
		order := t.rng.Perm(train.Len())

		var epochLoss float64
		for b := 0; b < batches; b++ {
			if err := ctx.Err(); err != nil {
				return nil, err
			}

			lo := b * t.cfg.BatchSize
			hi := min(lo+t.cfg.BatchSize, train.Len())
			batch := make([]dataset.Sample, 0, hi-lo)
			for _, i := range order[lo:hi] {
				batch = append(batch, train.Samples[i])
			}

			loss, err := t.trainBatch(ctx, batch)
			if err != nil {
				return nil, fmt.Errorf("epoch %d batch %d: %w", epoch+1, b, err)
			}
			epochLoss += loss

			if b%t.cfg.LogEvery == 0 {
				t.logger.Info("Batch",
					zap.Int("epoch", epoch+1),
					zap.Int("batch", b),
					zap.Int("batches", batches),
					zap.Float64("loss", loss))
			}
		}
		epochLoss /= float64(batches)
		res.TrainLoss = append(res.TrainLoss, epochLoss)

		fields := []zap.Field{
			zap.Int("epoch", epoch+1),
			zap.Int("epochs", t.cfg.Epochs),
			zap.Float64("train_loss", epochLoss),
			zap.Duration("elapsed", time.Since(start)),
		}
		if valFeatures != nil {
			acc, err := t.accuracy(valFeatures, valLabels)
			if err != nil {
				return nil, err
			}
			res.ValidationAccuracy = append(res.ValidationAccuracy, acc)
			fields = append(fields, zap.Float64("val_accuracy", acc))
		}
		t.logger.Info("Epoch finished", fields...)
	}

	return res, nil
}

func (t *Trainer) trainBatch(ctx context.Context, batch []dataset.Sample) (float64, error) {
	var seeds []uint64
	if t.cfg.Augment {
		seeds = make([]uint64, len(batch))
		for i := range seeds {
			seeds[i] = t.rng.Uint64()
		}
	}

	tensors, err := t.loader.Tensors(ctx, batch, seeds)
	if err != nil {
		return 0, err
	}
	features, err := Features(t.backbone, tensors)
	if err != nil {
		return 0, err
	}

	labels := make([]int, len(batch))
	for i, s := range batch {
		labels[i] = s.Label
	}
	return t.step(features, labels)
}

// step does one forward/backward pass over a batch of features and updates
// the head. It returns the mean loss.
func (t *Trainer) step(features [][]float32, labels []int) (float64, error) {
	h := t.head
	clear(t.gradW)
	clear(t.gradB)

	n := float32(len(features))
	var total float64
	for i, f := range features {
		logits, err := h.Logits(f)
		if err != nil {
			return 0, err
		}
		if labels[i] < 0 || labels[i] >= h.Classes {
			return 0, fmt.Errorf("label %d out of range for %d classes", labels[i], h.Classes)
		}

		loss, grad := CrossEntropy(logits, labels[i])
		total += loss

		for c, g := range grad {
			g /= n
			t.gradB[c] += g
			row := t.gradW[c*h.Dim : (c+1)*h.Dim]
			for k, x := range f {
				row[k] += g * x
			}
		}
	}

	if err := t.opt.Step(t.gradW, t.gradB); err != nil {
		return 0, err
	}
	return total / float64(len(features)), nil
}

// extractChunk bounds how many decoded tensors are held at once.
const extractChunk = 64

func (t *Trainer) extract(ctx context.Context, samples []dataset.Sample) ([][]float32, []int, error) {
	features := make([][]float32, 0, len(samples))
	labels := make([]int, 0, len(samples))

	for lo := 0; lo < len(samples); lo += extractChunk {
		chunk := samples[lo:min(lo+extractChunk, len(samples))]
		tensors, err := t.loader.Tensors(ctx, chunk, nil)
		if err != nil {
			return nil, nil, err
		}
		f, err := Features(t.backbone, tensors)
		if err != nil {
			return nil, nil, err
		}
		features = append(features, f...)
		for _, s := range chunk {
			labels = append(labels, s.Label)
		}
	}
	return features, labels, nil
}

func (t *Trainer) accuracy(features [][]float32, labels []int) (float64, error) {
	if len(features) == 0 {
		return 0, errors.New("no samples to score")
	}

	correct := 0
	for i, f := range features {
		logits, err := t.head.Logits(f)
		if err != nil {
			return 0, err
		}
		if model.Argmax(logits) == labels[i] {
			correct++
		}
	}
	return float64(correct) / float64(len(features)), nil
}

// SaveArtifact writes the head and its training report next to it. The
// label set is also recorded in the safetensors metadata.
func SaveArtifact(path string, head *model.Head, report *model.TrainingReport) error {
	meta := map[string]string{
		"labels": strings.Join(report.Labels, ","),
		"format": "pt",
	}
	if err := head.Save(path, meta); err != nil {
		return fmt.Errorf("failed to save weights: %w", err)
	}
	return model.WriteTrainingReport(model.ReportPath(path), report)
}
