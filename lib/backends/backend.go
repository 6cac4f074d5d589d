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
	"sort"
	"sync"
)

// Backend creates tensor sessions on a device.
// Backends self-register via init() functions in their respective files.
type Backend interface {
	// Type returns the backend type identifier
	Type() BackendType

	// Name returns a human-readable name (e.g., "ONNX Runtime")
	Name() string

	// Priority returns the selection priority (lower = preferred).
	Priority() int

	// Supports reports whether sessions can execute on the device.
	// May initialize driver state; implementations cache the answer.
	Supports(d Device) bool

	// NewSession loads a model file and binds it to the device.
	NewSession(modelPath string, d Device, opts ...SessionOption) (Session, error)
}

var (
	registry   = make(map[BackendType]Backend)
	registryMu sync.RWMutex
)

// RegisterBackend registers a backend. Called by backend implementations in init().
// Later registrations for the same type overwrite earlier ones.
func RegisterBackend(b Backend) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[b.Type()] = b
}

// GetBackend returns the backend for the given type, if registered.
func GetBackend(t BackendType) (Backend, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	b, ok := registry[t]
	return b, ok
}

// ListBackends returns all registered backends sorted by priority.
func ListBackends() []Backend {
	registryMu.RLock()
	defer registryMu.RUnlock()

	list := make([]Backend, 0, len(registry))
	for _, b := range registry {
		list = append(list, b)
	}
	sort.Slice(list, func(i, j int) bool {
		return list[i].Priority() < list[j].Priority()
	})
	return list
}

// BackendFor returns the highest priority backend able to execute on d.
func BackendFor(d Device) (Backend, error) {
	return backendFor(ListBackends(), d)
}

func backendFor(list []Backend, d Device) (Backend, error) {
	for _, b := range list {
		if supportsSafely(b, d) {
			return b, nil
		}
	}
	return nil, fmt.Errorf("no registered backend supports device %s", d)
}
