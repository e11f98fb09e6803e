package model

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// TrainingReport is written next to the weights artifact by a training run.
type TrainingReport struct {
	Labels             []string  `yaml:"labels"`
	Epochs             int       `yaml:"epochs"`
	BatchSize          int       `yaml:"batchSize"`
	LearningRate       float64   `yaml:"learningRate"`
	TrainLoss          []float64 `yaml:"trainLoss"`
	ValidationAccuracy []float64 `yaml:"validationAccuracy"`
	Backbone           string    `yaml:"backbone"`
	CreatedAt          time.Time `yaml:"createdAt"`
}

func ReportPath(weightsPath string) string {
	return weightsPath + ".yaml"
}

func ReadTrainingReport(path string) (*TrainingReport, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var r TrainingReport
	if err := yaml.Unmarshal(raw, &r); err != nil {
		return nil, fmt.Errorf("failed to parse training report: %w", err)
	}
	return &r, nil
}

func WriteTrainingReport(path string, r *TrainingReport) error {
	raw, err := yaml.Marshal(r)
	if err != nil {
		return fmt.Errorf("failed to encode training report: %w", err)
	}
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return fmt.Errorf("failed to write training report: %w", err)
	}
	return nil
}
