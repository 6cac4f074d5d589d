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
	"runtime"
	"strings"

	"go.uber.org/zap"
)

// Device is the compute device a model executes on.
type Device int

const (
	DeviceCPU Device = iota
	DeviceMetal
	DeviceCUDA
)

func (d Device) String() string {
	switch d {
	case DeviceCPU:
		return "cpu"
	case DeviceMetal:
		return "metal"
	case DeviceCUDA:
		return "cuda"
	default:
		return fmt.Sprintf("Device(%d)", int(d))
	}
}

// IsGPU reports whether the device is a GPU.
func (d Device) IsGPU() bool {
	return d == DeviceMetal || d == DeviceCUDA
}

// ParseDevice converts a device name to a Device.
// "auto" and "" are not devices; callers handle them before parsing.
func ParseDevice(s string) (Device, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "cpu":
		return DeviceCPU, nil
	case "metal", "mps", "coreml":
		return DeviceMetal, nil
	case "cuda", "gpu":
		return DeviceCUDA, nil
	default:
		return DeviceCPU, fmt.Errorf("unknown device: %q (valid: cpu, cuda, metal)", s)
	}
}

// Selector picks the device a model should run on.
// The zero value probes real hardware and uses the registered backends.
type Selector struct {
	// Probe reports GPU hardware. Defaults to DetectGPU.
	Probe func() GPUInfo
	// Backends returns the candidate session backends. Defaults to ListBackends.
	Backends func() []Backend
	// GOOS overrides runtime.GOOS for probe ordering.
	GOOS   string
	Logger *zap.Logger
}

// SelectDevice returns CPU when useCPU is set, otherwise the first available
// GPU in platform order, falling back to CPU. It never fails.
func SelectDevice(useCPU bool) Device {
	var s Selector
	return s.Select(useCPU)
}

// Select implements SelectDevice for this selector.
func (s *Selector) Select(useCPU bool) Device {
	if useCPU {
		s.logger().Debug("CPU forced, skipping GPU probe")
		return DeviceCPU
	}

	info, ok := s.probe()
	if !ok || !info.Available {
		s.logger().Debug("No GPU detected, using CPU")
		return DeviceCPU
	}

	for _, d := range s.probeOrder() {
		if deviceMatches(d, info) && s.executable(d) {
			s.logger().Info("Selected GPU device",
				zap.String("device", d.String()),
				zap.String("gpu", info.DeviceName))
			return d
		}
	}

	s.logger().Info("GPU detected but no backend can execute on it, using CPU",
		zap.String("gpu_type", info.Type),
		zap.String("gpu", info.DeviceName))
	return DeviceCPU
}

// SelectPreferred honours an explicit device request. A GPU that is not
// available degrades to CPU with a warning.
func (s *Selector) SelectPreferred(want Device) Device {
	if want == DeviceCPU {
		return DeviceCPU
	}
	info, ok := s.probe()
	if ok && deviceMatches(want, info) && s.executable(want) {
		return want
	}
	s.logger().Warn("Requested device unavailable, falling back to CPU",
		zap.String("device", want.String()))
	return DeviceCPU
}

// probeOrder lists GPU devices with the platform's native GPU first.
func (s *Selector) probeOrder() []Device {
	goos := s.GOOS
	if goos == "" {
		goos = runtime.GOOS
	}
	if goos == "darwin" {
		return []Device{DeviceMetal, DeviceCUDA}
	}
	return []Device{DeviceCUDA, DeviceMetal}
}

func (s *Selector) probe() (info GPUInfo, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			s.logger().Warn("GPU probe panicked", zap.Any("panic", r))
			info, ok = GPUInfo{Type: "none"}, false
		}
	}()
	if s.Probe != nil {
		return s.Probe(), true
	}
	return DetectGPU(), true
}

// executable reports whether some backend can run sessions on d.
func (s *Selector) executable(d Device) bool {
	list := ListBackends
	if s.Backends != nil {
		list = s.Backends
	}
	for _, b := range list() {
		if supportsSafely(b, d) {
			return true
		}
	}
	return false
}

func (s *Selector) logger() *zap.Logger {
	if s.Logger == nil {
		return zap.NewNop()
	}
	return s.Logger
}

func deviceMatches(d Device, info GPUInfo) bool {
	switch d {
	case DeviceCUDA:
		return info.Type == "cuda"
	case DeviceMetal:
		return info.Type == "metal"
	default:
		return false
	}
}

// supportsSafely recovers from backends whose driver initialization panics.
func supportsSafely(b Backend, d Device) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			ok = false
		}
	}()
	return b.Supports(d)
}
