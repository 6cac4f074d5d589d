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
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
)

var (
	gpuInfoOnce sync.Once
	gpuInfo     GPUInfo
)

// DetectGPU probes the host for GPU hardware.
// Results are cached after the first call.
func DetectGPU() GPUInfo {
	gpuInfoOnce.Do(func() {
		gpuInfo = detectGPUImpl()
	})
	return gpuInfo
}

// IsGPUAvailable returns true if GPU hardware was detected.
func IsGPUAvailable() bool {
	return DetectGPU().Available
}

func detectGPUImpl() GPUInfo {
	switch runtime.GOOS {
	case "darwin":
		return detectMetal()
	case "linux", "windows":
		return detectCUDA()
	default:
		return GPUInfo{Available: false, Type: "none"}
	}
}

// detectMetal reports Metal on Apple Silicon. Intel Macs are treated as CPU
// only since the CoreML provider gives no speedup there.
func detectMetal() GPUInfo {
	if runtime.GOARCH != "arm64" {
		return GPUInfo{Available: false, Type: "none"}
	}
	return GPUInfo{
		Available:  true,
		Type:       "metal",
		DeviceName: "Apple Silicon GPU",
	}
}

func detectCUDA() GPUInfo {
	info := GPUInfo{Type: "none"}

	if nvidiaInfo := tryNvidiaSMI(); nvidiaInfo.Available {
		return nvidiaInfo
	}

	if cudaLibsExist() {
		info.Available = true
		info.Type = "cuda"
		info.DeviceName = "CUDA (libraries detected)"
	}

	return info
}

// tryNvidiaSMI runs nvidia-smi to detect a GPU and its driver.
func tryNvidiaSMI() GPUInfo {
	info := GPUInfo{Type: "none"}

	nvidiaSMI, err := exec.LookPath("nvidia-smi")
	if err != nil {
		return info
	}

	cmd := exec.Command(nvidiaSMI, "--query-gpu=name,driver_version", "--format=csv,noheader,nounits") //nolint:gosec // G204: nvidiaSMI path comes from LookPath("nvidia-smi")
	output, err := cmd.Output()
	if err != nil {
		return info
	}

	// Only the first GPU is reported.
	line, _, _ := strings.Cut(strings.TrimSpace(string(output)), "\n")
	parts := strings.Split(line, ", ")
	info.Available = true
	info.Type = "cuda"
	if len(parts) >= 1 {
		info.DeviceName = strings.TrimSpace(parts[0])
	}
	if len(parts) >= 2 {
		info.DriverVer = strings.TrimSpace(parts[1])
	}

	cmd = exec.Command(nvidiaSMI, "--query-gpu=compute_cap", "--format=csv,noheader,nounits") //nolint:gosec // G204: nvidiaSMI path comes from LookPath("nvidia-smi")
	if output, err := cmd.Output(); err == nil {
		first, _, _ := strings.Cut(strings.TrimSpace(string(output)), "\n")
		info.CUDAVersion = strings.TrimSpace(first)
	}

	return info
}

// cudaLibsExist checks if the CUDA runtime library is present.
func cudaLibsExist() bool {
	cudaPaths := []string{
		"/usr/local/cuda/lib64",
		"/usr/lib/x86_64-linux-gnu",
		"/usr/lib64",
	}

	if ldPath := os.Getenv("LD_LIBRARY_PATH"); ldPath != "" {
		cudaPaths = append(filepath.SplitList(ldPath), cudaPaths...)
	}

	for _, dir := range cudaPaths {
		if dir == "" {
			continue
		}
		matches, _ := filepath.Glob(filepath.Join(dir, "libcudart.so*"))
		if len(matches) > 0 {
			return true
		}
	}

	return false
}
