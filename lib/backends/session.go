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

	"go.uber.org/zap"
)

// Session is a loaded model graph bound to one device.
// It handles tensor I/O without knowledge of model semantics.
// Implementations serialize concurrent Run calls internally.
type Session interface {
	// Run executes the graph with the given named inputs and returns the
	// outputs in the order reported by OutputInfo.
	Run(inputs []NamedTensor) ([]NamedTensor, error)

	// InputInfo returns metadata about expected inputs.
	InputInfo() []TensorInfo

	// OutputInfo returns metadata about outputs.
	OutputInfo() []TensorInfo

	// Device returns the device the session executes on.
	Device() Device

	// Close releases resources associated with the session.
	Close() error
}

// NamedTensor associates a name with flat tensor data.
type NamedTensor struct {
	Name  string
	Shape []int64
	Data  any // []float32, []int64, []int32, []bool
}

// Float32s returns the tensor data as float32.
func (t NamedTensor) Float32s() ([]float32, error) {
	data, ok := t.Data.([]float32)
	if !ok {
		return nil, fmt.Errorf("tensor %s: expected float32 data, got %T", t.Name, t.Data)
	}
	return data, nil
}

// TensorInfo describes a tensor's metadata.
type TensorInfo struct {
	Name     string
	Shape    []int64  // -1 for dynamic dimensions
	DataType DataType // float32, int64, etc.
}

// FindTensorInfo returns the info with the given name.
func FindTensorInfo(infos []TensorInfo, name string) (TensorInfo, bool) {
	for _, info := range infos {
		if info.Name == name {
			return info, true
		}
	}
	return TensorInfo{}, false
}

// SessionOption configures session creation.
type SessionOption func(*SessionConfig)

// SessionConfig holds configuration for session creation.
type SessionConfig struct {
	// NumThreads for inference (0 = auto)
	NumThreads int

	Logger *zap.Logger
}

// WithSessionThreads sets the number of threads.
func WithSessionThreads(n int) SessionOption {
	return func(c *SessionConfig) {
		c.NumThreads = n
	}
}

// WithSessionLogger sets the logger used while creating the session.
func WithSessionLogger(logger *zap.Logger) SessionOption {
	return func(c *SessionConfig) {
		c.Logger = logger
	}
}

// ApplySessionOptions applies options to a config.
func ApplySessionOptions(opts ...SessionOption) *SessionConfig {
	cfg := &SessionConfig{}
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return cfg
}
