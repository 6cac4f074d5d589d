// Copyright 2025 Antfly, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

//go:build onnx && ORT

package backends

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
	"go.uber.org/zap"
)

func init() {
	RegisterBackend(&onnxBackend{supported: make(map[Device]bool)})
}

// onnxBackend implements Backend using ONNX Runtime.
//
// Execution providers per device:
//   - CPU: default provider
//   - CUDA: CUDA execution provider
//   - Metal: CoreML execution provider (macOS only)
//
// Runtime Requirements:
//   - libonnxruntime must be findable via ONNXRUNTIME_ROOT or
//     LD_LIBRARY_PATH (DYLD_LIBRARY_PATH on macOS)
//   - For CUDA: the CUDA provider libraries next to libonnxruntime
type onnxBackend struct {
	initOnce sync.Once
	initErr  error

	mu        sync.Mutex
	supported map[Device]bool
}

func (b *onnxBackend) Type() BackendType {
	return BackendONNX
}

func (b *onnxBackend) Name() string {
	return "ONNX Runtime"
}

func (b *onnxBackend) Priority() int {
	// Highest priority when compiled in
	return 10
}

// initONNX initializes the ONNX Runtime library.
func (b *onnxBackend) initONNX() error {
	b.initOnce.Do(func() {
		if libPath := getOnnxLibraryPath(); libPath != "" {
			ort.SetSharedLibraryPath(filepath.Join(libPath, getOnnxLibraryName()))
		}
		b.initErr = ort.InitializeEnvironment()
	})
	return b.initErr
}

// getOnnxLibraryPath returns the directory containing libonnxruntime.
// Checks ONNXRUNTIME_ROOT first, then LD_LIBRARY_PATH (or DYLD_LIBRARY_PATH on macOS).
func getOnnxLibraryPath() string {
	platform := runtime.GOOS + "-" + runtime.GOARCH
	libName := getOnnxLibraryName()

	if root := os.Getenv("ONNXRUNTIME_ROOT"); root != "" {
		for _, dir := range []string{
			filepath.Join(root, platform, "lib"),
			filepath.Join(root, "lib"),
		} {
			if _, err := os.Stat(filepath.Join(dir, libName)); err == nil {
				return dir
			}
		}
	}

	ldPath := os.Getenv("LD_LIBRARY_PATH")
	if runtime.GOOS == "darwin" {
		if dyldPath := os.Getenv("DYLD_LIBRARY_PATH"); dyldPath != "" {
			ldPath = dyldPath
		}
	}
	for _, dir := range filepath.SplitList(ldPath) {
		if _, err := os.Stat(filepath.Join(dir, libName)); err == nil {
			return dir
		}
	}
	return ""
}

func getOnnxLibraryName() string {
	switch runtime.GOOS {
	case "windows":
		return "onnxruntime.dll"
	case "darwin":
		return "libonnxruntime.dylib"
	default:
		return "libonnxruntime.so"
	}
}

func (b *onnxBackend) Supports(d Device) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if ok, cached := b.supported[d]; cached {
		return ok
	}
	ok := b.probe(d)
	b.supported[d] = ok
	return ok
}

// probe checks that the runtime loads and the device's execution provider
// can be attached to a session.
func (b *onnxBackend) probe(d Device) bool {
	if err := b.initONNX(); err != nil {
		return false
	}
	if d == DeviceMetal && runtime.GOOS != "darwin" {
		return false
	}
	opts, err := ort.NewSessionOptions()
	if err != nil {
		return false
	}
	defer opts.Destroy()
	return appendProvider(opts, d) == nil
}

// appendProvider attaches the execution provider for d to the options.
func appendProvider(opts *ort.SessionOptions, d Device) error {
	switch d {
	case DeviceCPU:
		return nil
	case DeviceCUDA:
		cudaOpts, err := ort.NewCUDAProviderOptions()
		if err != nil {
			return fmt.Errorf("creating CUDA provider options: %w", err)
		}
		defer cudaOpts.Destroy()
		return opts.AppendExecutionProviderCUDA(cudaOpts)
	case DeviceMetal:
		return opts.AppendExecutionProviderCoreML(0)
	default:
		return fmt.Errorf("unsupported device %s", d)
	}
}

func (b *onnxBackend) NewSession(modelPath string, d Device, opts ...SessionOption) (Session, error) {
	if err := b.initONNX(); err != nil {
		return nil, fmt.Errorf("initializing ONNX Runtime: %w", err)
	}

	cfg := ApplySessionOptions(opts...)

	inputs, outputs, err := ort.GetInputOutputInfo(modelPath)
	if err != nil {
		return nil, fmt.Errorf("getting model info: %w", err)
	}

	inputNames := make([]string, len(inputs))
	inputInfo := make([]TensorInfo, len(inputs))
	for i, info := range inputs {
		inputNames[i] = info.Name
		inputInfo[i] = TensorInfo{
			Name:     info.Name,
			Shape:    info.Dimensions,
			DataType: onnxDataType(info.DataType),
		}
	}

	outputNames := make([]string, len(outputs))
	outputInfo := make([]TensorInfo, len(outputs))
	for i, info := range outputs {
		outputNames[i] = info.Name
		outputInfo[i] = TensorInfo{
			Name:     info.Name,
			Shape:    info.Dimensions,
			DataType: onnxDataType(info.DataType),
		}
	}

	sessionOpts, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("creating session options: %w", err)
	}

	if cfg.NumThreads > 0 {
		if err := sessionOpts.SetIntraOpNumThreads(cfg.NumThreads); err != nil {
			sessionOpts.Destroy()
			return nil, fmt.Errorf("setting thread count: %w", err)
		}
	}

	if err := appendProvider(sessionOpts, d); err != nil {
		sessionOpts.Destroy()
		return nil, fmt.Errorf("enabling %s execution provider: %w", d, err)
	}

	session, err := ort.NewDynamicAdvancedSession(modelPath, inputNames, outputNames, sessionOpts)
	if err != nil {
		sessionOpts.Destroy()
		return nil, fmt.Errorf("creating ONNX session: %w", err)
	}

	cfg.Logger.Debug("Created ONNX Runtime session",
		zap.String("model", modelPath),
		zap.String("device", d.String()),
		zap.Strings("inputs", inputNames),
		zap.Strings("outputs", outputNames))

	return &onnxSession{
		session:     session,
		sessionOpts: sessionOpts,
		device:      d,
		inputInfo:   inputInfo,
		outputInfo:  outputInfo,
	}, nil
}

// onnxDataType converts ONNX data type to our DataType.
func onnxDataType(dt ort.TensorElementDataType) DataType {
	switch dt {
	case ort.TensorElementDataTypeFloat:
		return DataTypeFloat32
	case ort.TensorElementDataTypeInt64:
		return DataTypeInt64
	case ort.TensorElementDataTypeInt32:
		return DataTypeInt32
	case ort.TensorElementDataTypeBool:
		return DataTypeBool
	default:
		return DataTypeFloat32
	}
}

// onnxSession implements Session for ONNX Runtime.
type onnxSession struct {
	mu          sync.Mutex
	session     *ort.DynamicAdvancedSession
	sessionOpts *ort.SessionOptions
	device      Device
	inputInfo   []TensorInfo
	outputInfo  []TensorInfo
}

func (s *onnxSession) Run(inputs []NamedTensor) ([]NamedTensor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.session == nil {
		return nil, fmt.Errorf("session is closed")
	}

	inputMap := make(map[string]NamedTensor, len(inputs))
	for _, input := range inputs {
		inputMap[input.Name] = input
	}

	ortInputs := make([]ort.Value, 0, len(s.inputInfo))
	defer func() {
		for _, t := range ortInputs {
			t.Destroy()
		}
	}()
	for _, info := range s.inputInfo {
		input, ok := inputMap[info.Name]
		if !ok {
			return nil, fmt.Errorf("missing input tensor: %s", info.Name)
		}
		tensor, err := createOrtTensor(input)
		if err != nil {
			return nil, fmt.Errorf("creating input tensor %s: %w", input.Name, err)
		}
		ortInputs = append(ortInputs, tensor)
	}

	// nil outputs are allocated by the runtime
	ortOutputs := make([]ort.Value, len(s.outputInfo))
	if err := s.session.Run(ortInputs, ortOutputs); err != nil {
		return nil, fmt.Errorf("running ONNX session: %w", err)
	}
	defer func() {
		for _, t := range ortOutputs {
			if t != nil {
				t.Destroy()
			}
		}
	}()

	outputs := make([]NamedTensor, len(ortOutputs))
	for i, ortOutput := range ortOutputs {
		if ortOutput == nil {
			continue
		}
		output, err := extractOrtTensor(ortOutput, s.outputInfo[i].Name)
		if err != nil {
			return nil, fmt.Errorf("extracting output tensor %s: %w", s.outputInfo[i].Name, err)
		}
		outputs[i] = output
	}
	return outputs, nil
}

func (s *onnxSession) InputInfo() []TensorInfo {
	return s.inputInfo
}

func (s *onnxSession) OutputInfo() []TensorInfo {
	return s.outputInfo
}

func (s *onnxSession) Device() Device {
	return s.device
}

func (s *onnxSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.session != nil {
		s.session.Destroy()
		s.session = nil
	}
	if s.sessionOpts != nil {
		s.sessionOpts.Destroy()
		s.sessionOpts = nil
	}
	return nil
}

func createOrtTensor(input NamedTensor) (ort.Value, error) {
	shape := ort.NewShape(input.Shape...)

	switch data := input.Data.(type) {
	case []float32:
		return ort.NewTensor(shape, data)
	case []int64:
		return ort.NewTensor(shape, data)
	case []int32:
		int64Data := make([]int64, len(data))
		for i, v := range data {
			int64Data[i] = int64(v)
		}
		return ort.NewTensor(shape, int64Data)
	case []bool:
		return ort.NewTensor(shape, data)
	default:
		return nil, fmt.Errorf("unsupported data type: %T", data)
	}
}

// extractOrtTensor copies an ORT output out of runtime-owned memory.
func extractOrtTensor(ortTensor ort.Value, name string) (NamedTensor, error) {
	shape := ortTensor.GetShape()

	switch t := ortTensor.(type) {
	case *ort.Tensor[float32]:
		return NamedTensor{Name: name, Shape: shape, Data: append([]float32(nil), t.GetData()...)}, nil
	case *ort.Tensor[int64]:
		return NamedTensor{Name: name, Shape: shape, Data: append([]int64(nil), t.GetData()...)}, nil
	case *ort.Tensor[int32]:
		return NamedTensor{Name: name, Shape: shape, Data: append([]int32(nil), t.GetData()...)}, nil
	default:
		return NamedTensor{}, fmt.Errorf("unsupported tensor type %T", ortTensor)
	}
}
