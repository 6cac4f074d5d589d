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

package backends

import (
	"fmt"
	"sync"

	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	mlctx "github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/onnx-gomlx/onnx"
	"go.uber.org/zap"

	// Import Go backend - always available (pure Go, no CGO)
	_ "github.com/gomlx/gomlx/backends/simplego"
)

func init() {
	RegisterBackend(newGomlxBackend())
}

// gomlxBackend runs ONNX graphs converted to GoMLX by onnx-gomlx.
//
// Engines per device:
//   - CPU: "go" (simplego), pure Go, always available
//   - CUDA: "xla:cuda", needs the XLA PJRT CUDA plugin (build tags xla,XLA)
//
// Metal is not supported by GoMLX engines.
type gomlxBackend struct {
	mu        sync.Mutex
	engines   map[string]backends.Backend
	supported map[Device]bool
}

func newGomlxBackend() *gomlxBackend {
	return &gomlxBackend{
		engines:   make(map[string]backends.Backend),
		supported: make(map[Device]bool),
	}
}

func (b *gomlxBackend) Type() BackendType {
	return BackendGoMLX
}

func (b *gomlxBackend) Name() string {
	return "GoMLX"
}

func (b *gomlxBackend) Priority() int {
	// ONNX Runtime is faster when compiled in.
	return 50
}

// engineConfig maps a device to a GoMLX backend configuration string.
func engineConfig(d Device) (string, bool) {
	switch d {
	case DeviceCPU:
		return "go", true
	case DeviceCUDA:
		return "xla:cuda", true
	default:
		return "", false
	}
}

func (b *gomlxBackend) Supports(d Device) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if ok, cached := b.supported[d]; cached {
		return ok
	}
	_, err := b.engineLocked(d)
	b.supported[d] = err == nil
	return err == nil
}

// engine returns the cached engine for the device, creating it if needed.
func (b *gomlxBackend) engine(d Device) (backends.Backend, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.engineLocked(d)
}

func (b *gomlxBackend) engineLocked(d Device) (backends.Backend, error) {
	config, ok := engineConfig(d)
	if !ok {
		return nil, fmt.Errorf("GoMLX has no engine for device %s", d)
	}
	if engine, ok := b.engines[config]; ok {
		return engine, nil
	}
	engine, err := safeNewBackend(config)
	if err != nil {
		return nil, err
	}
	b.engines[config] = engine
	return engine, nil
}

// safeNewBackend creates a new engine, catching panics from libraries
// that don't handle missing dependencies gracefully.
func safeNewBackend(config string) (engine backends.Backend, err error) {
	defer func() {
		if r := recover(); r != nil {
			engine = nil
			err = fmt.Errorf("engine %q panicked during initialization: %v", config, r)
		}
	}()
	return backends.NewWithConfig(config)
}

func (b *gomlxBackend) NewSession(modelPath string, d Device, opts ...SessionOption) (Session, error) {
	cfg := ApplySessionOptions(opts...)

	engine, err := b.engine(d)
	if err != nil {
		return nil, fmt.Errorf("getting GoMLX engine for %s: %w", d, err)
	}

	om, err := onnx.ReadFile(modelPath)
	if err != nil {
		return nil, fmt.Errorf("loading ONNX model: %w", err)
	}

	ctx := mlctx.New()
	if err := om.VariablesToContext(ctx); err != nil {
		return nil, fmt.Errorf("loading ONNX variables: %w", err)
	}

	inputNames, inputShapes := om.Inputs()
	outputNames, outputShapes := om.Outputs()

	inputInfo := make([]TensorInfo, len(inputNames))
	for i, name := range inputNames {
		inputInfo[i] = TensorInfo{
			Name:     name,
			Shape:    intsToInt64s(inputShapes[i].Dimensions),
			DataType: gomlxDataType(inputShapes[i].DType),
		}
	}

	outputInfo := make([]TensorInfo, len(outputNames))
	for i, name := range outputNames {
		outputInfo[i] = TensorInfo{
			Name:     name,
			Shape:    intsToInt64s(outputShapes[i].Dimensions),
			DataType: gomlxDataType(outputShapes[i].DType),
		}
	}

	cfg.Logger.Debug("Created GoMLX session",
		zap.String("model", modelPath),
		zap.String("device", d.String()),
		zap.Strings("inputs", inputNames),
		zap.Strings("outputs", outputNames))

	return &gomlxSession{
		onnxModel:   om,
		ctx:         ctx,
		engine:      engine,
		device:      d,
		inputInfo:   inputInfo,
		outputInfo:  outputInfo,
		inputNames:  inputNames,
		outputNames: outputNames,
	}, nil
}

// gomlxSession implements Session for raw tensor I/O using GoMLX.
type gomlxSession struct {
	onnxModel   *onnx.Model
	ctx         *mlctx.Context
	engine      backends.Backend
	exec        *mlctx.Exec // compiled lazily, reused across calls
	device      Device
	inputInfo   []TensorInfo
	outputInfo  []TensorInfo
	inputNames  []string
	outputNames []string
	mu          sync.Mutex
}

func (s *gomlxSession) Run(inputs []NamedTensor) ([]NamedTensor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.onnxModel == nil {
		return nil, fmt.Errorf("session is closed")
	}

	inputMap := make(map[string]NamedTensor, len(inputs))
	for _, input := range inputs {
		inputMap[input.Name] = input
	}

	// Convert inputs to GoMLX tensors in the order expected by the model
	args := make([]any, len(s.inputNames))
	for i, name := range s.inputNames {
		input, ok := inputMap[name]
		if !ok {
			return nil, fmt.Errorf("missing input tensor: %s", name)
		}
		tensor, err := namedTensorToGoMLX(input)
		if err != nil {
			return nil, fmt.Errorf("converting input tensor %s: %w", name, err)
		}
		args[i] = tensor
	}

	if s.exec == nil {
		exec, err := mlctx.NewExecAny(s.engine, s.ctx, func(mlCtx *mlctx.Context, graphInputs []*graph.Node) []*graph.Node {
			inputNodeMap := make(map[string]*graph.Node, len(s.inputNames))
			for i, name := range s.inputNames {
				inputNodeMap[name] = graphInputs[i]
			}
			return s.onnxModel.CallGraph(mlCtx.Reuse(), graphInputs[0].Graph(), inputNodeMap)
		})
		if err != nil {
			return nil, fmt.Errorf("compiling ONNX graph: %w", err)
		}
		s.exec = exec
	}

	results, err := s.exec.Exec(args...)
	if err != nil {
		return nil, fmt.Errorf("executing ONNX graph: %w", err)
	}

	outputs := make([]NamedTensor, len(results))
	for i, result := range results {
		name := ""
		if i < len(s.outputNames) {
			name = s.outputNames[i]
		}
		output, err := gomlxToNamedTensor(result, name)
		if err != nil {
			return nil, fmt.Errorf("converting output tensor %d: %w", i, err)
		}
		outputs[i] = output
	}

	return outputs, nil
}

func (s *gomlxSession) InputInfo() []TensorInfo {
	return s.inputInfo
}

func (s *gomlxSession) OutputInfo() []TensorInfo {
	return s.outputInfo
}

func (s *gomlxSession) Device() Device {
	return s.device
}

func (s *gomlxSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onnxModel = nil
	s.ctx = nil
	s.exec = nil
	return nil
}

func intsToInt64s(dims []int) []int64 {
	result := make([]int64, len(dims))
	for i, d := range dims {
		result[i] = int64(d)
	}
	return result
}

// gomlxDataType converts GoMLX DType to our DataType.
func gomlxDataType(dt dtypes.DType) DataType {
	switch dt {
	case dtypes.Float32, dtypes.Float64:
		return DataTypeFloat32
	case dtypes.Float16, dtypes.BFloat16:
		return DataTypeFloat16
	case dtypes.Int64:
		return DataTypeInt64
	case dtypes.Int32, dtypes.Int16, dtypes.Int8:
		return DataTypeInt32
	case dtypes.Bool:
		return DataTypeBool
	default:
		return DataTypeFloat32
	}
}

// namedTensorToGoMLX converts a NamedTensor to a GoMLX tensor.
// Integer inputs are widened to int64, which is what ONNX exports expect.
func namedTensorToGoMLX(nt NamedTensor) (*tensors.Tensor, error) {
	dims := make([]int, len(nt.Shape))
	for i, d := range nt.Shape {
		dims[i] = int(d)
	}

	switch data := nt.Data.(type) {
	case []float32:
		return tensors.FromFlatDataAndDimensions(data, dims...), nil
	case []int64:
		return tensors.FromFlatDataAndDimensions(data, dims...), nil
	case []int32:
		i64 := make([]int64, len(data))
		for i, v := range data {
			i64[i] = int64(v)
		}
		return tensors.FromFlatDataAndDimensions(i64, dims...), nil
	case []bool:
		return tensors.FromFlatDataAndDimensions(data, dims...), nil
	default:
		return nil, fmt.Errorf("unsupported tensor data type: %T", data)
	}
}

// gomlxToNamedTensor converts a GoMLX tensor to a NamedTensor with flat data.
func gomlxToNamedTensor(t *tensors.Tensor, name string) (NamedTensor, error) {
	shape := t.Shape()
	dims := make([]int64, shape.Rank())
	for i := range shape.Rank() {
		dims[i] = int64(shape.Dimensions[i])
	}

	var data any
	switch shape.DType {
	case dtypes.Float32:
		data = flattenFloat32(t.Value())
	case dtypes.Int64:
		data = flattenInt64(t.Value())
	default:
		return NamedTensor{}, fmt.Errorf("unsupported output dtype %s for %s", shape.DType, name)
	}
	if data == nil {
		return NamedTensor{}, fmt.Errorf("unsupported output rank %d for %s", shape.Rank(), name)
	}

	return NamedTensor{
		Name:  name,
		Shape: dims,
		Data:  data,
	}, nil
}

// flattenFloat32 flattens multi-dimensional float32 data.
// Returns nil (typed as any) for unsupported ranks.
func flattenFloat32(val any) any {
	switch v := val.(type) {
	case float32:
		return []float32{v}
	case []float32:
		return v
	case [][]float32:
		var result []float32
		for _, row := range v {
			result = append(result, row...)
		}
		return result
	case [][][]float32:
		var result []float32
		for _, matrix := range v {
			for _, row := range matrix {
				result = append(result, row...)
			}
		}
		return result
	default:
		return nil
	}
}

// flattenInt64 flattens multi-dimensional int64 data.
func flattenInt64(val any) any {
	switch v := val.(type) {
	case int64:
		return []int64{v}
	case []int64:
		return v
	case [][]int64:
		var result []int64
		for _, row := range v {
			result = append(result, row...)
		}
		return result
	default:
		return nil
	}
}
