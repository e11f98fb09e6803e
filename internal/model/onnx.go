package model

import (
	"fmt"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
)

// InitRuntime loads the ONNX Runtime shared library. An empty libPath uses
// the library's default lookup.
func InitRuntime(libPath string) error {
	if ort.IsInitialized() {
		return nil
	}
	if libPath != "" {
		ort.SetSharedLibraryPath(libPath)
	}
	if err := ort.InitializeEnvironment(); err != nil {
		return fmt.Errorf("failed to initialize ONNX environment: %w", err)
	}
	return nil
}

func DestroyRuntime() {
	if ort.IsInitialized() {
		ort.DestroyEnvironment()
	}
}

type outputSpec struct {
	name  string
	shape []int64
}

// session is an ONNX session with bound input and output tensors. Bound
// tensors are shared, so runs are serialised.
type session struct {
	mu      sync.Mutex
	session *ort.AdvancedSession
	input   *ort.Tensor[float32]
	outputs []*ort.Tensor[float32]
	names   []string
}

func newSession(modelPath, inputName string, inputShape []int64, outputs []outputSpec) (*session, error) {
	inputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(concrete(inputShape)...))
	if err != nil {
		return nil, fmt.Errorf("failed to create input tensor: %w", err)
	}

	s := &session{input: inputTensor}

	outputValues := make([]ort.ArbitraryTensor, 0, len(outputs))
	for _, o := range outputs {
		t, err := ort.NewEmptyTensor[float32](ort.NewShape(concrete(o.shape)...))
		if err != nil {
			s.destroy()
			return nil, fmt.Errorf("failed to create output tensor %s: %w", o.name, err)
		}
		s.outputs = append(s.outputs, t)
		s.names = append(s.names, o.name)
		outputValues = append(outputValues, t)
	}

	sess, err := ort.NewAdvancedSession(modelPath,
		[]string{inputName}, s.names,
		[]ort.ArbitraryTensor{inputTensor}, outputValues,
		nil)
	if err != nil {
		s.destroy()
		return nil, fmt.Errorf("failed to create ONNX session: %w", err)
	}
	s.session = sess

	return s, nil
}

// run feeds input and returns a copy of every output keyed by name.
func (s *session) run(input []float32) (map[string][]float32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	dst := s.input.GetData()
	if len(input) != len(dst) {
		return nil, fmt.Errorf("expected %d input values, got %d", len(dst), len(input))
	}
	copy(dst, input)

	if err := s.session.Run(); err != nil {
		return nil, fmt.Errorf("inference failed: %w", err)
	}

	out := make(map[string][]float32, len(s.outputs))
	for i, t := range s.outputs {
		data := t.GetData()
		out[s.names[i]] = append([]float32(nil), data...)
	}
	return out, nil
}

func (s *session) destroy() {
	if s.session != nil {
		s.session.Destroy()
	}
	if s.input != nil {
		s.input.Destroy()
	}
	for _, t := range s.outputs {
		t.Destroy()
	}
}

func outputInfo(modelPath string) (map[string][]int64, error) {
	_, outputs, err := ort.GetInputOutputInfo(modelPath)
	if err != nil {
		return nil, fmt.Errorf("failed to inspect %s: %w", modelPath, err)
	}
	info := make(map[string][]int64, len(outputs))
	for _, o := range outputs {
		info[o.Name] = []int64(o.Dimensions)
	}
	return info, nil
}

// concrete replaces dynamic dimensions (batch, usually) with 1.
func concrete(shape []int64) []int64 {
	out := make([]int64, len(shape))
	for i, d := range shape {
		if d <= 0 {
			d = 1
		}
		out[i] = d
	}
	return out
}
