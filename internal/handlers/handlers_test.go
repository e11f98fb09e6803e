package handlers

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"image"
	"image/png"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/shakthirithinigab/eye-backend-render/internal/model"
	"github.com/shakthirithinigab/eye-backend-render/internal/preprocess"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// fakeBackbone returns a fixed embedding and, optionally, attention.
type fakeBackbone struct {
	attention *model.Attention
}

func (b *fakeBackbone) Forward(pixels []float32, withAttention bool) (*model.Output, error) {
	out := &model.Output{Features: []float32{pixels[0], 1}}
	if withAttention {
		out.Attention = b.attention
	}
	return out, nil
}

func (b *fakeBackbone) FeatureDim() int { return 2 }
func (b *fakeBackbone) Close()          {}

type stubPredictor struct {
	err   error
	panic bool
}

func (s *stubPredictor) ClassifyWithAttention([]float32) (*model.Prediction, *model.Attention, error) {
	if s.panic {
		panic("index out of range")
	}
	return nil, nil, s.err
}

func abcClassifier(t *testing.T, attention *model.Attention) *model.Classifier {
	t.Helper()
	head := model.NewHead(model.HeadPrefix, 3, 2)
	copy(head.Weight, []float32{0.1, 0.2, -0.3, 0.4, 0.5, -0.6})
	c, err := model.NewClassifier(&fakeBackbone{attention: attention}, head, []string{"A", "B", "C"})
	require.NoError(t, err)
	return c
}

func patchAttention(side int) *model.Attention {
	tokens := side*side + 1
	a := &model.Attention{Heads: 2, Tokens: tokens, Weights: make([]float32, 2*tokens*tokens)}
	for i := range a.Weights {
		a.Weights[i] = float32(i%7) / 7
	}
	return a
}

func newTestRouter(p Predictor) *gin.Engine {
	h := NewHandler(p, preprocess.DefaultConfig(), zap.NewNop())
	return NewRouter(h, 8<<20, zap.NewNop())
}

func blackPNG(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 224, 224))
	for i := 3; i < len(img.Pix); i += 4 {
		img.Pix[i] = 0xff
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func upload(t *testing.T, field string, data []byte) *http.Request {
	t.Helper()
	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	part, err := w.CreateFormFile(field, "eye.png")
	require.NoError(t, err)
	_, err = part.Write(data)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	req := httptest.NewRequest(http.MethodPost, "/predict", &body)
	req.Header.Set("Content-Type", w.FormDataContentType())
	return req
}

func serve(r http.Handler, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func TestPredictMissingImage(t *testing.T) {
	r := newTestRouter(abcClassifier(t, nil))

	rec := serve(r, upload(t, "file", blackPNG(t)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.JSONEq(t, `{"error": "No image uploaded"}`, rec.Body.String())

	req := httptest.NewRequest(http.MethodPost, "/predict", strings.NewReader(`{"image": "x"}`))
	req.Header.Set("Content-Type", "application/json")
	rec = serve(r, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.JSONEq(t, `{"error": "No image uploaded"}`, rec.Body.String())
}

func TestPredictCorruptImage(t *testing.T) {
	r := newTestRouter(abcClassifier(t, nil))

	rec := serve(r, upload(t, "image", []byte("\x89PNG garbage")))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.JSONEq(t, `{"error": "Prediction failed"}`, rec.Body.String())
}

func TestPredictBlackImage(t *testing.T) {
	r := newTestRouter(abcClassifier(t, nil))

	rec := serve(r, upload(t, "image", blackPNG(t)))
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Contains(t, []string{"A", "B", "C"}, body["disease"])

	confidence, ok := body["confidence"].(float64)
	require.True(t, ok)
	assert.GreaterOrEqual(t, confidence, 0.0)
	assert.LessOrEqual(t, confidence, 100.0)
	assert.NotContains(t, body, "heatmap")
}

func TestPredictWithHeatmap(t *testing.T) {
	r := newTestRouter(abcClassifier(t, patchAttention(14)))

	rec := serve(r, upload(t, "image", blackPNG(t)))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp model.PredictionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.Heatmap)

	raw, err := base64.StdEncoding.DecodeString(resp.Heatmap)
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(raw, []byte{0xff, 0xd8}), "heatmap is a JPEG")
}

func TestPredictMalformedAttentionDegrades(t *testing.T) {
	bad := &model.Attention{Heads: 1, Tokens: 8, Weights: make([]float32, 64)}
	r := newTestRouter(abcClassifier(t, bad))

	rec := serve(r, upload(t, "image", blackPNG(t)))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp model.PredictionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Contains(t, []string{"A", "B", "C"}, resp.Disease)
	assert.Empty(t, resp.Heatmap)
}

func TestPredictClassifierFailure(t *testing.T) {
	r := newTestRouter(&stubPredictor{err: errors.New("onnx: session exploded at node 42")})

	rec := serve(r, upload(t, "image", blackPNG(t)))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.JSONEq(t, `{"error": "Prediction failed"}`, rec.Body.String())
	assert.NotContains(t, rec.Body.String(), "node 42")
}

func TestPredictPanicIsGeneric(t *testing.T) {
	r := newTestRouter(&stubPredictor{panic: true})

	rec := serve(r, upload(t, "image", blackPNG(t)))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.JSONEq(t, `{"error": "Prediction failed"}`, rec.Body.String())
}

func TestPanicIsStillLogged(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	logger := zap.New(core)
	h := NewHandler(&stubPredictor{panic: true}, preprocess.DefaultConfig(), logger)
	r := NewRouter(h, 8<<20, logger)

	rec := serve(r, upload(t, "image", blackPNG(t)))
	require.Equal(t, http.StatusInternalServerError, rec.Code)

	assert.Equal(t, 1, logs.FilterMessage("Handler panic").Len())
	requests := logs.FilterMessage("Request").All()
	require.Len(t, requests, 1)
	assert.Equal(t, int64(http.StatusInternalServerError), requests[0].ContextMap()["status"])
	assert.Equal(t, rec.Header().Get("X-Request-ID"), requests[0].ContextMap()["request_id"])
}

func TestCORSPreflight(t *testing.T) {
	r := newTestRouter(abcClassifier(t, nil))

	rec := serve(r, httptest.NewRequest(http.MethodOptions, "/predict", nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestHealth(t *testing.T) {
	r := newTestRouter(abcClassifier(t, nil))

	rec := serve(r, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status": "healthy"}`, rec.Body.String())
}
