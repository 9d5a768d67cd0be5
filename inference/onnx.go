package inference

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	ort "github.com/yalue/onnxruntime_go"
)

// ONNXBackend loads ONNX models through onnxruntime. The runtime environment
// is process-global and initialized once.
type ONNXBackend struct{}

var onnxInitOnce sync.Once

// NewONNXBackend initializes the onnxruntime environment. sharedLibraryPath
// may be empty when the runtime library is on the default search path.
func NewONNXBackend(sharedLibraryPath string) (*ONNXBackend, error) {
	var initErr error
	onnxInitOnce.Do(func() {
		if sharedLibraryPath != "" {
			ort.SetSharedLibraryPath(sharedLibraryPath)
		}
		initErr = ort.InitializeEnvironment()
	})
	if initErr != nil {
		return nil, errors.Wrap(initErr, "failed to initialize onnxruntime")
	}
	return &ONNXBackend{}, nil
}

// Load implements Backend. The model must declare a static [1,3,H,W] input.
func (b *ONNXBackend) Load(modelPath string) (Session, error) {
	inputs, outputs, err := ort.GetInputOutputInfo(modelPath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to inspect model %q", modelPath)
	}
	if len(inputs) != 1 {
		return nil, errors.Errorf("model %q: expected 1 input tensor, got %d", modelPath, len(inputs))
	}
	dims := inputs[0].Dimensions
	if len(dims) != 4 || dims[1] != 3 || dims[2] <= 0 || dims[3] <= 0 {
		return nil, errors.Errorf("model %q: expected static NCHW [1,3,H,W] input, got %v", modelPath, dims)
	}
	height, width := int(dims[2]), int(dims[3])

	options, err := ort.NewSessionOptions()
	if err != nil {
		return nil, errors.Wrap(err, "failed to create session options")
	}
	defer func() {
		_ = options.Destroy() //nolint:errcheck
	}()

	inputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(1, 3, int64(height), int64(width)))
	if err != nil {
		return nil, errors.Wrap(err, "failed to create input tensor")
	}

	outputTensors := make([]*ort.Tensor[float32], 0, len(outputs))
	outputNames := make([]string, 0, len(outputs))
	destroyAll := func() {
		_ = inputTensor.Destroy() //nolint:errcheck
		for _, t := range outputTensors {
			_ = t.Destroy() //nolint:errcheck
		}
	}
	arbitraryOutputs := make([]ort.ArbitraryTensor, 0, len(outputs))
	for _, out := range outputs {
		shape := make([]int64, len(out.Dimensions))
		for i, d := range out.Dimensions {
			if d <= 0 {
				destroyAll()
				return nil, errors.Errorf("model %q: dynamic output dims unsupported (%s: %v)",
					modelPath, out.Name, out.Dimensions)
			}
			shape[i] = d
		}
		t, err := ort.NewEmptyTensor[float32](ort.NewShape(shape...))
		if err != nil {
			destroyAll()
			return nil, errors.Wrapf(err, "failed to create output tensor %q", out.Name)
		}
		outputTensors = append(outputTensors, t)
		arbitraryOutputs = append(arbitraryOutputs, t)
		outputNames = append(outputNames, out.Name)
	}

	session, err := ort.NewAdvancedSession(
		modelPath,
		[]string{inputs[0].Name},
		outputNames,
		[]ort.ArbitraryTensor{inputTensor},
		arbitraryOutputs,
		options,
	)
	if err != nil {
		destroyAll()
		return nil, errors.Wrapf(err, "failed to create session for %q", modelPath)
	}

	return &onnxSession{
		session: session,
		input:   inputTensor,
		outputs: outputTensors,
		width:   width,
		height:  height,
	}, nil
}

// onnxSession wraps an AdvancedSession with fixed input/output tensors, so
// runs are serialized with a mutex.
type onnxSession struct {
	mu      sync.Mutex
	session *ort.AdvancedSession
	input   *ort.Tensor[float32]
	outputs []*ort.Tensor[float32]
	width   int
	height  int
}

func (s *onnxSession) InputShape() (int, int) {
	return s.width, s.height
}

func (s *onnxSession) Infer(ctx context.Context, input []float32) ([][]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	dst := s.input.GetData()
	if len(input) != len(dst) {
		return nil, errors.Errorf("input size mismatch: got %d floats, session expects %d", len(input), len(dst))
	}
	copy(dst, input)

	if err := s.session.Run(); err != nil {
		return nil, errors.Wrap(err, "forward pass failed")
	}

	results := make([][]float32, len(s.outputs))
	for i, out := range s.outputs {
		data := out.GetData()
		results[i] = make([]float32, len(data))
		copy(results[i], data)
	}
	return results, nil
}

func (s *onnxSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := s.session.Destroy()
	_ = s.input.Destroy() //nolint:errcheck
	for _, t := range s.outputs {
		_ = t.Destroy() //nolint:errcheck
	}
	return err
}
