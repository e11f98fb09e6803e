package weights

import (
	"encoding/binary"
	"encoding/json"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSaveAndLoadInto(t *testing.T) {
	path := filepath.Join(t.TempDir(), "head.safetensors")

	err := Save(path, map[string]Tensor{
		"classifier.weight":  {Shape: []int64{2, 3}, Data: []float32{1, 2, 3, 4, 5, 6}},
		"classifier.bias":    {Shape: []int64{3}, Data: []float32{7, 8, 9}},
		"vit.embeddings.cls": {Shape: []int64{1}, Data: []float32{0}},
	}, map[string]string{"format": "pt"})
	require.NoError(t, err)

	live := map[string]Tensor{
		"classifier.weight": NewTensor(2, 3),
		"classifier.bias":   NewTensor(2),
		"head.extra":        {Shape: []int64{1}, Data: []float32{42}},
	}

	report, err := LoadFile(path, live)
	require.NoError(t, err)

	assert.Equal(t, []string{"classifier.weight"}, report.Loaded)
	assert.Equal(t, []string{"head.extra"}, report.Missing)
	assert.Equal(t, []string{"vit.embeddings.cls"}, report.Unexpected)
	assert.Equal(t, []string{"classifier.bias [3] != [2]"}, report.Mismatched)
	assert.False(t, report.Clean())
	assert.Len(t, report.Skipped(), 3)

	assert.Equal(t, []float32{1, 2, 3, 4, 5, 6}, live["classifier.weight"].Data)
	assert.Equal(t, []float32{0, 0}, live["classifier.bias"].Data, "mismatched tensor left untouched")
	assert.Equal(t, []float32{42}, live["head.extra"].Data)
}

func TestSaveRejectsBadShape(t *testing.T) {
	err := Save(filepath.Join(t.TempDir(), "x"), map[string]Tensor{
		"w": {Shape: []int64{2, 2}, Data: []float32{1}},
	}, nil)
	assert.Error(t, err)
}

func rawArtifact(t *testing.T, header map[string]any, data []byte) []byte {
	t.Helper()
	h, err := json.Marshal(header)
	require.NoError(t, err)
	out := binary.LittleEndian.AppendUint64(nil, uint64(len(h)))
	out = append(out, h...)
	return append(out, data...)
}

func TestDecodeHalfPrecisionAndUnknownDtype(t *testing.T) {
	// 1.0 as F16 is 0x3c00, as BF16 0x3f80
	data := []byte{0x00, 0x3c, 0x80, 0x3f, 1, 2, 3, 4}
	raw := rawArtifact(t, map[string]any{
		"half": map[string]any{"dtype": "F16", "shape": []int{1}, "data_offsets": []int{0, 2}},
		"bf":   map[string]any{"dtype": "BF16", "shape": []int{1}, "data_offsets": []int{2, 4}},
		"ids":  map[string]any{"dtype": "I32", "shape": []int{1}, "data_offsets": []int{4, 8}},
	}, data)

	f, err := Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, []float32{1}, f.Tensors["half"].Data)
	assert.Equal(t, []float32{1}, f.Tensors["bf"].Data)
	assert.Equal(t, []string{"ids"}, f.Skipped)

	report := LoadInto(f, map[string]Tensor{"ids": NewTensor(1)})
	assert.Equal(t, []string{"ids"}, report.Undecodable)
	assert.Equal(t, []string{"ids"}, report.Missing)
}

func TestDecodeHalfPrecisionEdgeValues(t *testing.T) {
	// -2, the smallest subnormal, +Inf
	data := []byte{0x00, 0xc0, 0x01, 0x00, 0x00, 0x7c}
	raw := rawArtifact(t, map[string]any{
		"h": map[string]any{"dtype": "F16", "shape": []int{3}, "data_offsets": []int{0, 6}},
	}, data)

	f, err := Decode(raw)
	require.NoError(t, err)
	values := f.Tensors["h"].Data
	assert.Equal(t, float32(-2), values[0])
	assert.InDelta(t, 5.960464e-08, values[1], 1e-13)
	assert.True(t, math.IsInf(float64(values[2]), 1))
}

func TestDecodeCorrupt(t *testing.T) {
	_, err := Decode([]byte{1, 2})
	assert.Error(t, err)

	_, err = Decode(binary.LittleEndian.AppendUint64(nil, 1<<40))
	assert.Error(t, err)

	raw := rawArtifact(t, map[string]any{
		"w": map[string]any{"dtype": "F32", "shape": []int{4}, "data_offsets": []int{0, 16}},
	}, []byte{0, 0, 0, 0})
	_, err = Decode(raw)
	assert.Error(t, err)
}

func TestReadMissingFile(t *testing.T) {
	_, err := Read(filepath.Join(t.TempDir(), "nope"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}
