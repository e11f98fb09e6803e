// Package weights persists named float32 tensors in the safetensors layout:
// an 8 byte little-endian header length, a JSON header mapping tensor names
// to dtype, shape and byte offsets, then the raw tensor data.
package weights

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"sort"

	"github.com/x448/float16"
)

const metadataKey = "__metadata__"

// maxHeaderSize guards against reading garbage as a header length.
const maxHeaderSize = 100 << 20

// Tensor is a dense row-major float32 tensor.
type Tensor struct {
	Shape []int64
	Data  []float32
}

func NewTensor(shape ...int64) Tensor {
	return Tensor{Shape: shape, Data: make([]float32, numel(shape))}
}

type File struct {
	Tensors  map[string]Tensor
	Metadata map[string]string
	// Skipped lists tensors whose dtype could not be decoded.
	Skipped []string
}

type headerEntry struct {
	DType       string   `json:"dtype"`
	Shape       []int64  `json:"shape"`
	DataOffsets [2]int64 `json:"data_offsets"`
}

func numel(shape []int64) int64 {
	n := int64(1)
	for _, d := range shape {
		n *= d
	}
	return n
}

// Save writes tensors to path atomically: the data goes to a temporary file
// in the same directory which is then renamed over path.
func Save(path string, tensors map[string]Tensor, metadata map[string]string) error {
	names := make([]string, 0, len(tensors))
	for name := range tensors {
		names = append(names, name)
	}
	sort.Strings(names)

	header := make(map[string]any, len(tensors)+1)
	if len(metadata) > 0 {
		header[metadataKey] = metadata
	}

	var offset int64
	for _, name := range names {
		t := tensors[name]
		if int64(len(t.Data)) != numel(t.Shape) {
			return fmt.Errorf("tensor %s: %d values do not fill shape %v", name, len(t.Data), t.Shape)
		}
		size := int64(len(t.Data)) * 4
		header[name] = headerEntry{
			DType:       "F32",
			Shape:       t.Shape,
			DataOffsets: [2]int64{offset, offset + size},
		}
		offset += size
	}

	headerBytes, err := json.Marshal(header)
	if err != nil {
		return fmt.Errorf("failed to encode header: %w", err)
	}
	// pad so the data section starts 8-byte aligned
	for len(headerBytes)%8 != 0 {
		headerBytes = append(headerBytes, ' ')
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp*")
	if err != nil {
		return fmt.Errorf("failed to create artifact: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := writeAll(tmp, headerBytes, names, tensors); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close artifact: %w", err)
	}

	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to move artifact into place: %w", err)
	}
	return nil
}

func writeAll(w io.Writer, header []byte, names []string, tensors map[string]Tensor) error {
	if err := binary.Write(w, binary.LittleEndian, uint64(len(header))); err != nil {
		return fmt.Errorf("failed to write header size: %w", err)
	}
	if _, err := w.Write(header); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}
	for _, name := range names {
		if err := binary.Write(w, binary.LittleEndian, tensors[name].Data); err != nil {
			return fmt.Errorf("failed to write tensor %s: %w", name, err)
		}
	}
	return nil
}

// Read decodes an artifact. F32, F64, F16 and BF16 tensors are converted to
// float32; tensors of any other dtype are listed in File.Skipped.
func Read(path string) (*File, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read artifact: %w", err)
	}
	return Decode(raw)
}

func Decode(raw []byte) (*File, error) {
	if len(raw) < 8 {
		return nil, fmt.Errorf("artifact too short: %d bytes", len(raw))
	}
	headerSize := binary.LittleEndian.Uint64(raw[:8])
	if headerSize > maxHeaderSize || 8+headerSize > uint64(len(raw)) {
		return nil, fmt.Errorf("invalid header size %d", headerSize)
	}

	var header map[string]json.RawMessage
	if err := json.Unmarshal(raw[8:8+headerSize], &header); err != nil {
		return nil, fmt.Errorf("failed to parse header: %w", err)
	}
	data := raw[8+headerSize:]

	f := &File{
		Tensors:  make(map[string]Tensor, len(header)),
		Metadata: map[string]string{},
	}

	for name, msg := range header {
		if name == metadataKey {
			if err := json.Unmarshal(msg, &f.Metadata); err != nil {
				return nil, fmt.Errorf("failed to parse metadata: %w", err)
			}
			continue
		}

		var entry headerEntry
		if err := json.Unmarshal(msg, &entry); err != nil {
			return nil, fmt.Errorf("tensor %s: %w", name, err)
		}
		begin, end := entry.DataOffsets[0], entry.DataOffsets[1]
		if begin < 0 || end < begin || end > int64(len(data)) {
			return nil, fmt.Errorf("tensor %s: offsets %v out of range", name, entry.DataOffsets)
		}

		values, ok := decodeValues(entry.DType, data[begin:end])
		if !ok {
			f.Skipped = append(f.Skipped, name)
			continue
		}
		if int64(len(values)) != numel(entry.Shape) {
			return nil, fmt.Errorf("tensor %s: %d values do not fill shape %v", name, len(values), entry.Shape)
		}
		f.Tensors[name] = Tensor{Shape: entry.Shape, Data: values}
	}
	sort.Strings(f.Skipped)

	return f, nil
}

func decodeValues(dtype string, b []byte) ([]float32, bool) {
	var width int
	switch dtype {
	case "F32":
		width = 4
	case "F64":
		width = 8
	case "F16", "BF16":
		width = 2
	default:
		return nil, false
	}
	if len(b)%width != 0 {
		return nil, false
	}

	out := make([]float32, len(b)/width)
	for i := range out {
		chunk := b[i*width : (i+1)*width]
		switch dtype {
		case "F32":
			out[i] = math.Float32frombits(binary.LittleEndian.Uint32(chunk))
		case "F64":
			out[i] = float32(math.Float64frombits(binary.LittleEndian.Uint64(chunk)))
		case "BF16":
			out[i] = math.Float32frombits(uint32(binary.LittleEndian.Uint16(chunk)) << 16)
		case "F16":
			out[i] = float16.Frombits(binary.LittleEndian.Uint16(chunk)).Float32()
		}
	}
	return out, true
}
