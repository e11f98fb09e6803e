package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"go.uber.org/zap"

	"github.com/shakthirithinigab/eye-backend-render/internal/config"
	"github.com/shakthirithinigab/eye-backend-render/internal/dataset"
	"github.com/shakthirithinigab/eye-backend-render/internal/model"
	"github.com/shakthirithinigab/eye-backend-render/internal/training"
)

func main() {
	configPath := flag.String("config", "configs/config.yml", "Path to the YAML config file")
	weightsPath := flag.String("weights", "", "Weights artifact to evaluate (default: model.weights from config)")
	split := flag.String("split", "test", "Dataset split to evaluate")
	reportPath := flag.String("report", "", "Also write the report as YAML to this path")
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

	if *weightsPath != "" {
		cfg.Model.Weights = *weightsPath
	}

	report, err := run(logger, cfg, *split, *workers)
	if err != nil {
		logger.Fatal("Evaluation failed", zap.Error(err))
	}

	fmt.Printf("\nTest Accuracy: %.4f\n", report.Accuracy)
	fmt.Print("\nClassification Report:\n\n")
	fmt.Print(report.Format())

	if *reportPath != "" {
		if err := report.Write(*reportPath); err != nil {
			logger.Fatal("Failed to write report", zap.Error(err))
		}
		logger.Info("Report written", zap.String("path", *reportPath))
	}
}

func run(logger *zap.Logger, cfg *config.Config, split string, workers int) (*training.Report, error) {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	labels, err := dataset.Classes(cfg.TrainDir())
	if err != nil {
		return nil, err
	}
	folder, err := dataset.Open(filepath.Join(cfg.Dataset.Path, split), labels)
	if err != nil {
		return nil, err
	}

	if err := model.InitRuntime(cfg.Model.RuntimeLibrary); err != nil {
		return nil, err
	}
	defer model.DestroyRuntime()

	classifier, meta, err := model.Open(model.Options{
		ModelPath:    cfg.Model.Path,
		MetadataPath: cfg.Model.Metadata,
		WeightsPath:  cfg.Model.Weights,
		Labels:       labels,
	}, logger)
	if err != nil {
		return nil, err
	}
	defer classifier.Close()

	logger.Info("Evaluating", zap.String("split", split), zap.Int("images", folder.Len()))
	return training.Evaluate(ctx, classifier, training.Loader{
		Input:   meta.PreprocessConfig(),
		Workers: workers,
	}, folder, logger)
}
