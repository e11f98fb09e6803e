package main

import (
	"flag"
	"log"
	"os"
	"strings"

	"go.uber.org/zap"

	"github.com/shakthirithinigab/eye-backend-render/internal/explain"
	"github.com/shakthirithinigab/eye-backend-render/internal/model"
	"github.com/shakthirithinigab/eye-backend-render/internal/preprocess"
)

type options struct {
	image, model, layer, input string
	weights, prefix, out      string
	labels                    []string
	size                      int
	mean, std                 float64
	runtime                   string
}

func main() {
	var opts options
	var labels string
	flag.StringVar(&opts.image, "image", "", "Image to explain")
	flag.StringVar(&opts.model, "model", "", "ONNX graph exposing the target layer as an output")
	flag.StringVar(&opts.layer, "layer", "", "Name of the convolutional layer output")
	flag.StringVar(&opts.input, "input", "input", "Name of the graph input")
	flag.StringVar(&opts.weights, "weights", "", "Safetensors file holding the dense head")
	flag.StringVar(&opts.prefix, "prefix", "fc", "Tensor name prefix of the dense head")
	flag.StringVar(&opts.out, "out", "gradcam.jpg", "Output image (.png or .jpg)")
	flag.StringVar(&labels, "labels", "", "Comma separated class names, for logging")
	flag.IntVar(&opts.size, "size", 224, "Input image size")
	flag.Float64Var(&opts.mean, "mean", 0.5, "Per-channel normalisation mean")
	flag.Float64Var(&opts.std, "std", 0.5, "Per-channel normalisation std")
	flag.StringVar(&opts.runtime, "onnxruntime", os.Getenv("ONNXRUNTIME_LIB"), "ONNX Runtime shared library")
	flag.Parse()

	if opts.image == "" || opts.model == "" || opts.layer == "" || opts.weights == "" {
		flag.Usage()
		os.Exit(2)
	}
	if labels != "" {
		opts.labels = strings.Split(labels, ",")
	}

	logger, err := zap.NewDevelopment()
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()

	if err := run(logger, opts); err != nil {
		logger.Fatal("Grad-CAM failed", zap.Error(err))
	}
}

func run(logger *zap.Logger, opts options) error {
	data, err := os.ReadFile(opts.image)
	if err != nil {
		return err
	}

	m, s := float32(opts.mean), float32(opts.std)
	input, err := preprocess.Process(data, preprocess.Config{
		Size: opts.size,
		Mean: [3]float32{m, m, m},
		Std:  [3]float32{s, s, s},
	})
	if err != nil {
		return err
	}

	head, report, err := model.ReadHead(opts.weights, opts.prefix)
	if err != nil {
		return err
	}
	if !report.Clean() {
		logger.Warn("Head loaded with skipped tensors", zap.Strings("skipped", report.Skipped()))
	}

	if err := model.InitRuntime(opts.runtime); err != nil {
		return err
	}
	defer model.DestroyRuntime()

	extractor, err := model.NewConvExtractor(opts.model, opts.input,
		[]int64{1, 3, int64(opts.size), int64(opts.size)}, opts.layer)
	if err != nil {
		return err
	}
	defer extractor.Close()

	acts, err := extractor.Activations(input.Pixels)
	if err != nil {
		return err
	}

	class, grads, err := explain.HeadGradients(acts, head)
	if err != nil {
		return err
	}
	cam, err := explain.GradCAM(acts, grads)
	if err != nil {
		return err
	}

	overlay, err := explain.GradCAMOverlay(input.Original, cam, acts.Width, acts.Height)
	if err != nil {
		return err
	}
	if err := explain.WriteImage(opts.out, overlay); err != nil {
		return err
	}

	fields := []zap.Field{
		zap.Int("class", class),
		zap.String("layer", opts.layer),
		zap.String("out", opts.out),
	}
	if class < len(opts.labels) {
		fields = append(fields, zap.String("label", opts.labels[class]))
	}
	logger.Info("Grad-CAM written", fields...)
	return nil
}
