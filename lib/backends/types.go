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

// Package backends provides device selection and the tensor execution
// sessions used to run CLIP encoders.
//
// Two session backends are available:
//   - gomlx: onnx-gomlx on top of GoMLX engines, always compiled in. Runs on
//     CPU via the pure Go engine and on CUDA via XLA (build tags xla,XLA).
//   - onnxruntime: ONNX Runtime via yalue/onnxruntime_go (build tags onnx,ORT).
//     Runs on CPU, CUDA and Metal (CoreML execution provider).
package backends

import (
	"fmt"
	"strings"
)

// BackendType identifies a session backend implementation.
type BackendType string

const (
	// BackendGoMLX runs ONNX graphs through onnx-gomlx.
	BackendGoMLX BackendType = "gomlx"
	// BackendONNX runs ONNX graphs through ONNX Runtime.
	BackendONNX BackendType = "onnxruntime"
)

// ParseBackendType converts a string to a BackendType.
func ParseBackendType(s string) (BackendType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "gomlx", "go", "xla":
		return BackendGoMLX, nil
	case "onnx", "onnxruntime", "ort":
		return BackendONNX, nil
	default:
		return "", fmt.Errorf("unknown backend type: %q", s)
	}
}

// GPUInfo contains information about detected GPU hardware.
type GPUInfo struct {
	Available   bool   `json:"available"`
	Type        string `json:"type"` // "cuda", "metal", "none"
	DeviceName  string `json:"device_name,omitempty"`
	DriverVer   string `json:"driver_version,omitempty"`
	CUDAVersion string `json:"cuda_version,omitempty"`
}

// DataType represents tensor element types.
type DataType string

const (
	DataTypeFloat32 DataType = "float32"
	DataTypeFloat16 DataType = "float16"
	DataTypeInt64   DataType = "int64"
	DataTypeInt32   DataType = "int32"
	DataTypeBool    DataType = "bool"
)

// PoolingStrategy selects how per-token hidden states become one vector.
type PoolingStrategy string

const (
	// PoolingEOS takes the hidden state at the end-of-sequence token.
	PoolingEOS PoolingStrategy = "eos"
	// PoolingCLS takes the first token.
	PoolingCLS PoolingStrategy = "cls"
)
