package training

import (
	"context"
	"image"
	"image/color"
	"image/png"
	"math"
	"math/rand/v2"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/shakthirithinigab/eye-backend-render/internal/dataset"
	"github.com/shakthirithinigab/eye-backend-render/internal/model"
	"github.com/shakthirithinigab/eye-backend-render/internal/preprocess"
)

// meanBackbone embeds an image as its per-channel mean.
type meanBackbone struct{}

func (meanBackbone) Forward(pixels []float32, _ bool) (*model.Output, error) {
	plane := len(pixels) / 3
	features := make([]float32, 3)
	for c := range features {
		var sum float32
		for _, v := range pixels[c*plane : (c+1)*plane] {
			sum += v
		}
		features[c] = sum / float32(plane)
	}
	return &model.Output{Features: features}, nil
}

func (meanBackbone) FeatureDim() int { return 3 }
func (meanBackbone) Close()          {}

var (
	red  = color.RGBA{R: 0xff, A: 0xff}
	blue = color.RGBA{B: 0xff, A: 0xff}
)

func testLoader() Loader {
	return Loader{
		Input: preprocess.Config{
			Size: 8,
			Mean: [3]float32{0.5, 0.5, 0.5},
			Std:  [3]float32{0.5, 0.5, 0.5},
		},
		Workers: 2,
	}
}

func writeImage(t *testing.T, path string, c color.Color) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))

	img := image.NewRGBA(image.Rect(0, 0, 16, 16))
	for y := 0; y < 16; y++ {
		for x := 0; x < 16; x++ {
			img.Set(x, y, c)
		}
	}

	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, png.Encode(f, img))
}

// catDogTree lays out train/val/test splits where cats are red and dogs blue.
func catDogTree(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	for _, split := range []string{"train", "val", "test"} {
		for i := 0; i < 2; i++ {
			writeImage(t, filepath.Join(root, split, "cat", "c"+string(rune('0'+i))+".png"), red)
			writeImage(t, filepath.Join(root, split, "dog", "d"+string(rune('0'+i))+".png"), blue)
		}
	}
	return root
}

func TestCrossEntropy(t *testing.T) {
	loss, grad := CrossEntropy([]float32{0, 0}, 0)
	assert.InDelta(t, math.Ln2, loss, 1e-9)
	assert.InDeltaSlice(t, []float32{-0.5, 0.5}, grad, 1e-6)

	loss, _ = CrossEntropy([]float32{10, -10}, 0)
	assert.Less(t, loss, 1e-6)
}

func TestAdamWFirstStep(t *testing.T) {
	p := []float32{1}
	opt := NewAdamW(0.1, p)
	require.NoError(t, opt.Step([]float32{2}))

	// Decay by lr*wd, then a bias-corrected step of size lr.
	assert.InDelta(t, 0.899, p[0], 1e-6)
	assert.Equal(t, 1, opt.Steps())
}

func TestAdamWConverges(t *testing.T) {
	p := []float32{0}
	opt := NewAdamW(0.1, p)
	opt.WeightDecay = 0

	for i := 0; i < 500; i++ {
		require.NoError(t, opt.Step([]float32{2 * (p[0] - 3)}))
	}
	assert.InDelta(t, 3, p[0], 0.05)
}

func TestAdamWRejectsMismatchedGradients(t *testing.T) {
	opt := NewAdamW(0.1, make([]float32, 2), make([]float32, 1))
	assert.Error(t, opt.Step(make([]float32, 2)))
	assert.Error(t, opt.Step(make([]float32, 2), make([]float32, 3)))
	assert.Zero(t, opt.Steps())
}

func TestStepReducesLossOnSeparableFeatures(t *testing.T) {
	head := model.NewHead(model.HeadPrefix, 2, 3)
	head.Init(rand.New(rand.NewPCG(1, 2)), InitStd)

	cfg := DefaultConfig()
	cfg.LearningRate = 0.05
	tr, err := NewTrainer(meanBackbone{}, head, testLoader(), cfg, zap.NewNop())
	require.NoError(t, err)

	features := [][]float32{{1, -1, -1}, {-1, -1, 1}}
	labels := []int{0, 1}

	first, err := tr.step(features, labels)
	require.NoError(t, err)
	var last float64
	for i := 0; i < 50; i++ {
		last, err = tr.step(features, labels)
		require.NoError(t, err)
	}
	assert.Less(t, last, first)

	acc, err := tr.accuracy(features, labels)
	require.NoError(t, err)
	assert.Equal(t, 1.0, acc)
}

func TestStepRejectsBadLabel(t *testing.T) {
	head := model.NewHead(model.HeadPrefix, 2, 3)
	tr, err := NewTrainer(meanBackbone{}, head, testLoader(), DefaultConfig(), zap.NewNop())
	require.NoError(t, err)

	_, err = tr.step([][]float32{{1, 2, 3}}, []int{2})
	assert.Error(t, err)
}

func TestNewTrainerValidates(t *testing.T) {
	_, err := NewTrainer(meanBackbone{}, model.NewHead(model.HeadPrefix, 2, 4), testLoader(), DefaultConfig(), zap.NewNop())
	assert.Error(t, err)

	cfg := DefaultConfig()
	cfg.BatchSize = 0
	_, err = NewTrainer(meanBackbone{}, model.NewHead(model.HeadPrefix, 2, 3), testLoader(), cfg, zap.NewNop())
	assert.Error(t, err)
}

func TestLoaderAugmentationIsSeeded(t *testing.T) {
	root := catDogTree(t)
	labels, err := dataset.Classes(filepath.Join(root, "train"))
	require.NoError(t, err)
	folder, err := dataset.Open(filepath.Join(root, "train"), labels)
	require.NoError(t, err)

	l := testLoader()
	seeds := []uint64{7, 8, 9, 10}
	a, err := l.Tensors(context.Background(), folder.Samples, seeds)
	require.NoError(t, err)
	b, err := l.Tensors(context.Background(), folder.Samples, seeds)
	require.NoError(t, err)
	assert.Equal(t, a, b)

	plain, err := l.Tensors(context.Background(), folder.Samples, nil)
	require.NoError(t, err)
	require.Len(t, plain, 4)
	assert.Len(t, plain[0], 3*8*8)
}

func TestLoaderReportsBadImage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broken.png")
	require.NoError(t, os.WriteFile(path, []byte("not an image"), 0o644))

	_, err := testLoader().Tensors(context.Background(), []dataset.Sample{{Path: path}}, nil)
	var decodeErr *preprocess.DecodeError
	assert.ErrorAs(t, err, &decodeErr)
}

// Labels derived from the train split at training time must index the same
// classes when the artifact is loaded for inference.
func TestTrainSaveClassifyRoundTrip(t *testing.T) {
	root := catDogTree(t)
	labels, err := dataset.Classes(filepath.Join(root, "train"))
	require.NoError(t, err)
	require.Equal(t, []string{"cat", "dog"}, labels)

	train, err := dataset.Open(filepath.Join(root, "train"), labels)
	require.NoError(t, err)
	val, err := dataset.Open(filepath.Join(root, "val"), labels)
	require.NoError(t, err)

	head := model.NewHead(model.HeadPrefix, len(labels), meanBackbone{}.FeatureDim())
	head.Init(rand.New(rand.NewPCG(3, 4)), InitStd)

	cfg := DefaultConfig()
	cfg.Epochs = 15
	cfg.LearningRate = 0.05
	tr, err := NewTrainer(meanBackbone{}, head, testLoader(), cfg, zap.NewNop())
	require.NoError(t, err)

	res, err := tr.Train(context.Background(), train, val)
	require.NoError(t, err)
	require.Len(t, res.TrainLoss, cfg.Epochs)
	require.Len(t, res.ValidationAccuracy, cfg.Epochs)
	assert.Less(t, res.TrainLoss[cfg.Epochs-1], res.TrainLoss[0])
	assert.Equal(t, 1.0, res.ValidationAccuracy[cfg.Epochs-1])

	artifact := filepath.Join(t.TempDir(), "eye_disease_vit.safetensors")
	require.NoError(t, SaveArtifact(artifact, head, &model.TrainingReport{
		Labels:             labels,
		Epochs:             cfg.Epochs,
		BatchSize:          cfg.BatchSize,
		LearningRate:       cfg.LearningRate,
		TrainLoss:          res.TrainLoss,
		ValidationAccuracy: res.ValidationAccuracy,
	}))

	loaded := model.NewHead(model.HeadPrefix, len(labels), 3)
	report, err := loaded.Load(artifact)
	require.NoError(t, err)
	assert.True(t, report.Clean())
	assert.Equal(t, head.Weight, loaded.Weight)

	clf, err := model.NewClassifier(meanBackbone{}, loaded, labels)
	require.NoError(t, err)

	cat, err := testLoader().Tensors(context.Background(), []dataset.Sample{{Path: filepath.Join(root, "test", "cat", "c0.png")}}, nil)
	require.NoError(t, err)
	pred, err := clf.Classify(cat[0])
	require.NoError(t, err)
	assert.Equal(t, "cat", pred.Label)
	assert.Equal(t, 0, pred.Index)

	trained, err := model.ReadTrainingReport(model.ReportPath(artifact))
	require.NoError(t, err)
	assert.Equal(t, labels, trained.Labels)
}

func TestTrainEmptySplit(t *testing.T) {
	head := model.NewHead(model.HeadPrefix, 2, 3)
	tr, err := NewTrainer(meanBackbone{}, head, testLoader(), DefaultConfig(), zap.NewNop())
	require.NoError(t, err)

	_, err = tr.Train(context.Background(), &dataset.Folder{Root: "empty"}, nil)
	assert.Error(t, err)
}

func TestTrainCancelled(t *testing.T) {
	root := catDogTree(t)
	train, err := dataset.Open(filepath.Join(root, "train"), []string{"cat", "dog"})
	require.NoError(t, err)

	tr, err := NewTrainer(meanBackbone{}, model.NewHead(model.HeadPrefix, 2, 3), testLoader(), DefaultConfig(), zap.NewNop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = tr.Train(ctx, train, nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestLockExcludesConcurrentRuns(t *testing.T) {
	artifact := filepath.Join(t.TempDir(), "weights.safetensors")

	lock, err := AcquireLock(artifact)
	require.NoError(t, err)
	assert.FileExists(t, LockPath(artifact))

	_, err = AcquireLock(artifact)
	assert.ErrorIs(t, err, ErrLocked)

	require.NoError(t, lock.Release())

	again, err := AcquireLock(artifact)
	require.NoError(t, err)
	require.NoError(t, again.Release())
}

// A lock file left behind by a killed run holds no OS lock and must not
// block the next run.
func TestLeftoverLockFileDoesNotBlock(t *testing.T) {
	artifact := filepath.Join(t.TempDir(), "weights.safetensors")
	require.NoError(t, os.WriteFile(LockPath(artifact), []byte("4242\n"), 0o644))

	lock, err := AcquireLock(artifact)
	require.NoError(t, err)
	require.NoError(t, lock.Release())
}
