package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"math/rand/v2"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/shakthirithinigab/eye-backend-render/internal/config"
	"github.com/shakthirithinigab/eye-backend-render/internal/dataset"
	"github.com/shakthirithinigab/eye-backend-render/internal/model"
	"github.com/shakthirithinigab/eye-backend-render/internal/training"
)

func main() {
	defaults := training.DefaultConfig()

	configPath := flag.String("config", "configs/config.yml", "Path to the YAML config file")
	out := flag.String("out", "", "Weights artifact to write (default: model.weights from config)")
	epochs := flag.Int("epochs", defaults.Epochs, "Number of epochs")
	batchSize := flag.Int("batch", defaults.BatchSize, "Mini-batch size")
	lr := flag.Float64("lr", defaults.LearningRate, "AdamW learning rate")
	weightDecay := flag.Float64("weight-decay", defaults.WeightDecay, "AdamW weight decay")
	seed := flag.Uint64("seed", defaults.Seed, "Seed for shuffling, augmentation and head init")
	noAugment := flag.Bool("no-augment", false, "Disable flip/rotation augmentation")
	resume := flag.Bool("resume", false, "Start from the existing artifact instead of a fresh head")
	workers := flag.Int("workers", 0, "Parallel image decoders (0: one per CPU)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	logger, err := cfg.Logger()
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()

	artifact := cfg.Model.Weights
	if *out != "" {
		artifact = *out
	}

	if err := run(logger, cfg, artifact, *resume, *workers, training.Config{
		Epochs:       *epochs,
		BatchSize:    *batchSize,
		LearningRate: *lr,
		WeightDecay:  *weightDecay,
		LogEvery:     defaults.LogEvery,
		Augment:      !*noAugment,
		Seed:         *seed,
	}); err != nil {
		logger.Fatal("Training failed", zap.Error(err))
	}
}

func run(logger *zap.Logger, cfg *config.Config, artifact string, resume bool, workers int, tc training.Config) error {
	lock, err := training.AcquireLock(artifact)
	if err != nil {
		return err
	}
	defer lock.Release()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	labels, err := dataset.Classes(cfg.TrainDir())
	if err != nil {
		return err
	}
	logger.Info("Detected classes", zap.Strings("classes", labels))

	train, err := dataset.Open(cfg.TrainDir(), labels)
	if err != nil {
		return err
	}
	val, err := dataset.Open(filepath.Join(cfg.Dataset.Path, "val"), labels)
	if err != nil {
		return err
	}
	logger.Info("Dataset", zap.Int("train", train.Len()), zap.Int("val", val.Len()))

	if err := model.InitRuntime(cfg.Model.RuntimeLibrary); err != nil {
		return err
	}
	defer model.DestroyRuntime()

	meta, err := model.ReadMetadata(cfg.Model.Metadata)
	if err != nil {
		return err
	}
	backbone, err := model.NewONNXBackbone(cfg.Model.Path, meta, logger)
	if err != nil {
		return err
	}
	defer backbone.Close()

	head := model.NewHead(model.HeadPrefix, len(labels), backbone.FeatureDim())
	head.Init(rand.New(rand.NewPCG(tc.Seed, 0)), training.InitStd)
	if resume {
		report, err := head.Load(artifact)
		if err != nil {
			return err
		}
		logger.Info("Resuming from artifact",
			zap.Strings("loaded", report.Loaded),
			zap.Strings("skipped", report.Skipped()))
		model.CheckLabels(artifact, labels, logger)
	}

	trainer, err := training.NewTrainer(backbone, head, training.Loader{
		Input:   meta.PreprocessConfig(),
		Workers: workers,
	}, tc, logger)
	if err != nil {
		return err
	}

	res, err := trainer.Train(ctx, train, val)
	if errors.Is(err, context.Canceled) {
		logger.Warn("Training interrupted, artifact not written")
		return nil
	}
	if err != nil {
		return err
	}

	if err := training.SaveArtifact(artifact, head, &model.TrainingReport{
		Labels:             labels,
		Epochs:             tc.Epochs,
		BatchSize:          tc.BatchSize,
		LearningRate:       tc.LearningRate,
		TrainLoss:          res.TrainLoss,
		ValidationAccuracy: res.ValidationAccuracy,
		Backbone:           cfg.Model.Path,
		CreatedAt:          time.Now().UTC(),
	}); err != nil {
		return err
	}

	logger.Info("Model saved", zap.String("weights", artifact))
	return nil
}
