package handlers

import (
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/shakthirithinigab/eye-backend-render/internal/explain"
	"github.com/shakthirithinigab/eye-backend-render/internal/model"
	"github.com/shakthirithinigab/eye-backend-render/internal/preprocess"
)

// ErrMissingInput is returned when the request carries no "image" file.
var ErrMissingInput = errors.New("no image uploaded")

const (
	msgNoImage          = "No image uploaded"
	msgPredictionFailed = "Prediction failed"
)

// Predictor classifies a preprocessed image and returns last-layer attention
// when the model has it.
type Predictor interface {
	ClassifyWithAttention(pixels []float32) (*model.Prediction, *model.Attention, error)
}

// Handler serves predictions. Everything it holds is set up once at startup
// and only read afterwards.
type Handler struct {
	predictor Predictor
	input     preprocess.Config
	logger    *zap.Logger
}

func NewHandler(predictor Predictor, input preprocess.Config, logger *zap.Logger) *Handler {
	return &Handler{
		predictor: predictor,
		input:     input,
		logger:    logger,
	}
}

func (h *Handler) RegisterRoutes(r *gin.Engine) {
	r.GET("/health", h.Health)
	r.POST("/predict", h.Predict)
}

func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}

// Predict classifies the uploaded "image" and attaches an attention heatmap
// when one can be rendered.
func (h *Handler) Predict(c *gin.Context) {
	data, err := readImage(c)
	if errors.Is(err, ErrMissingInput) {
		c.JSON(http.StatusBadRequest, gin.H{"error": msgNoImage})
		return
	}
	if err != nil {
		h.logger.Error("Failed to read upload", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": msgPredictionFailed})
		return
	}

	resp, err := h.predict(data)
	if err != nil {
		h.logger.Error("Prediction error", zap.Error(err), zap.String("request_id", c.GetString(requestIDKey)))
		c.JSON(http.StatusInternalServerError, gin.H{"error": msgPredictionFailed})
		return
	}

	c.JSON(http.StatusOK, resp)
}

func readImage(c *gin.Context) ([]byte, error) {
	header, err := c.FormFile("image")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMissingInput, err)
	}

	file, err := header.Open()
	if err != nil {
		return nil, fmt.Errorf("failed to open upload: %w", err)
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("failed to read upload: %w", err)
	}
	return data, nil
}

func (h *Handler) predict(data []byte) (*model.PredictionResponse, error) {
	input, err := preprocess.Process(data, h.input)
	if err != nil {
		return nil, err
	}

	pred, attention, err := h.predictor.ClassifyWithAttention(input.Pixels)
	if err != nil {
		return nil, fmt.Errorf("classification failed: %w", err)
	}

	resp := &model.PredictionResponse{
		Disease:    pred.Label,
		Confidence: pred.Confidence,
	}

	hm, err := explain.AttentionHeatmap(attention, input.Original)
	switch {
	case err == nil:
		resp.Heatmap = hm.Base64()
	case errors.Is(err, explain.ErrAttentionUnavailable):
		h.logger.Debug("No attention output, skipping heatmap")
	default:
		h.logger.Warn("Heatmap error", zap.Error(err))
	}

	return resp, nil
}
