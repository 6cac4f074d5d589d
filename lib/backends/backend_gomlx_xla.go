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

//go:build xla && XLA

package backends

import (
	"os"
	"path/filepath"

	// Registers the "xla" engine used for "xla:cuda".
	_ "github.com/gomlx/gomlx/backends/xla"
)

func init() {
	// Only use a bundled PJRT plugin if none is installed in the standard
	// locations, so plugins from pjrt_installer take precedence.
	if os.Getenv("PJRT_PLUGIN_LIBRARY_PATH") == "" && !hasPluginInStandardPaths() {
		if libPath := findBundledPJRT(); libPath != "" {
			os.Setenv("PJRT_PLUGIN_LIBRARY_PATH", libPath)
		}
	}
}

func hasPluginInStandardPaths() bool {
	home, _ := os.UserHomeDir()
	standardPaths := []string{
		"/usr/local/lib/gomlx/pjrt",
		"/usr/local/lib/go-xla",
		filepath.Join(home, ".local/lib/gomlx/pjrt"),
		filepath.Join(home, ".local/lib/go-xla"),
	}
	for _, dir := range standardPaths {
		matches, _ := filepath.Glob(filepath.Join(dir, "pjrt_*plugin*"))
		if len(matches) > 0 {
			return true
		}
	}
	return false
}

// findBundledPJRT returns the lib/ directory next to the binary when it
// holds a CUDA PJRT plugin.
func findBundledPJRT() string {
	exe, err := os.Executable()
	if err != nil {
		return ""
	}
	exe, err = filepath.EvalSymlinks(exe)
	if err != nil {
		return ""
	}
	libDir := filepath.Join(filepath.Dir(exe), "lib")
	matches, _ := filepath.Glob(filepath.Join(libDir, "pjrt_c_api_cuda*plugin*"))
	if len(matches) > 0 {
		return libDir
	}
	return ""
}
