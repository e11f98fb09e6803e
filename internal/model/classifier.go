package model

import (
	"errors"
	"fmt"
	"os"
	"slices"

	"github.com/shakthirithinigab/eye-backend-render/internal/preprocess"
	"go.uber.org/zap"
)

// HeadPrefix names the fine-tuned classification layer in the artifact.
const HeadPrefix = "classifier"

// Classifier pairs a frozen backbone with a fine-tuned head over a fixed
// label set. It is read-only after construction and safe for concurrent use
// as long as the backbone is.
type Classifier struct {
	backbone Backbone
	head     *Head
	labels   []string
}

// NewClassifier checks that head, backbone and labels agree in size.
func NewClassifier(backbone Backbone, head *Head, labels []string) (*Classifier, error) {
	if len(labels) == 0 {
		return nil, errors.New("empty label set")
	}
	if head.Classes != len(labels) {
		return nil, fmt.Errorf("head has %d classes, label set has %d", head.Classes, len(labels))
	}
	if head.Dim != backbone.FeatureDim() {
		return nil, fmt.Errorf("head expects %d features, backbone yields %d", head.Dim, backbone.FeatureDim())
	}

	return &Classifier{
		backbone: backbone,
		head:     head,
		labels:   slices.Clone(labels),
	}, nil
}

// Labels returns a copy of the label set.
func (c *Classifier) Labels() []string {
	return slices.Clone(c.labels)
}

func (c *Classifier) Classify(pixels []float32) (*Prediction, error) {
	out, err := c.backbone.Forward(pixels, false)
	if err != nil {
		return nil, err
	}
	return c.predict(out.Features)
}

// ClassifyWithAttention is Classify plus the last layer's attention. A nil
// attention with a nil error means the backbone cannot provide it; the
// prediction is still valid.
func (c *Classifier) ClassifyWithAttention(pixels []float32) (*Prediction, *Attention, error) {
	out, err := c.backbone.Forward(pixels, true)
	if err != nil {
		return nil, nil, err
	}

	pred, err := c.predict(out.Features)
	if err != nil {
		return nil, nil, err
	}
	return pred, out.Attention, nil
}

func (c *Classifier) predict(features []float32) (*Prediction, error) {
	logits, err := c.head.Logits(features)
	if err != nil {
		return nil, err
	}

	probs := Softmax(logits)
	idx := Argmax(probs)

	return &Prediction{
		Label:         c.labels[idx],
		Index:         idx,
		Confidence:    Percent(probs[idx]),
		Probabilities: probs,
	}, nil
}

func (c *Classifier) Close() {
	c.backbone.Close()
}

func (m Metadata) PreprocessConfig() preprocess.Config {
	return preprocess.Config{
		Size: m.ImageSize,
		Mean: [3]float32{m.Mean[0], m.Mean[1], m.Mean[2]},
		Std:  [3]float32{m.Std[0], m.Std[1], m.Std[2]},
	}
}

type Options struct {
	ModelPath    string
	MetadataPath string
	WeightsPath  string
	Labels       []string
}

// Open loads the backbone and the fine-tuned head. Head tensors are loaded
// best-effort; anything skipped is logged so a stale or foreign artifact is
// visible at startup.
func Open(opts Options, logger *zap.Logger) (*Classifier, Metadata, error) {
	meta, err := ReadMetadata(opts.MetadataPath)
	if err != nil {
		return nil, meta, err
	}

	backbone, err := NewONNXBackbone(opts.ModelPath, meta, logger)
	if err != nil {
		return nil, meta, err
	}
	logger.Info("Backbone loaded",
		zap.Int("hidden", backbone.FeatureDim()),
		zap.Bool("heatmaps_enabled", backbone.HasAttention()))

	head := NewHead(HeadPrefix, len(opts.Labels), backbone.FeatureDim())
	report, err := head.Load(opts.WeightsPath)
	if err != nil {
		backbone.Close()
		return nil, meta, err
	}
	if report.Clean() {
		logger.Info("Weights loaded", zap.Strings("tensors", report.Loaded))
	} else {
		logger.Warn("Weights loaded with skipped tensors",
			zap.Strings("loaded", report.Loaded),
			zap.Strings("skipped", report.Skipped()))
	}

	CheckLabels(opts.WeightsPath, opts.Labels, logger)

	c, err := NewClassifier(backbone, head, opts.Labels)
	if err != nil {
		backbone.Close()
		return nil, meta, err
	}
	return c, meta, nil
}

// CheckLabels compares labels with the ones recorded when the artifact was
// trained and logs a warning if they differ.
func CheckLabels(weightsPath string, labels []string, logger *zap.Logger) {
	report, err := ReadTrainingReport(ReportPath(weightsPath))
	if errors.Is(err, os.ErrNotExist) {
		logger.Debug("No training report next to weights", zap.String("weights", weightsPath))
		return
	}
	if err != nil {
		logger.Warn("Failed to read training report", zap.Error(err))
		return
	}
	if !slices.Equal(report.Labels, labels) {
		logger.Warn("Label set differs from the one the weights were trained with",
			zap.Strings("trained", report.Labels),
			zap.Strings("current", labels))
	}
}
