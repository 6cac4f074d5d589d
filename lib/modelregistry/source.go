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

package modelregistry

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// Source says where an artifact comes from: a path on disk or a hub repository.
type Source interface {
	isSource()
	String() string
}

// LocalPath is an artifact the caller already has on disk.
type LocalPath struct {
	Path string
}

func (LocalPath) isSource() {}

func (s LocalPath) String() string { return s.Path }

// Remote is an artifact fetched from the hub through a Resolver.
type Remote struct {
	Ref ModelRef
}

func (Remote) isSource() {}

func (s Remote) String() string { return s.Ref.String() }

// ResolveSource returns a local path for filename within src.
// For a LocalPath pointing at a directory, filename is joined to it, falling
// back to its base name for flattened layouts. A LocalPath pointing at a file
// is returned as is.
func ResolveSource(ctx context.Context, r Resolver, src Source, filename string) (string, error) {
	switch s := src.(type) {
	case LocalPath:
		return resolveLocal(s.Path, filename)
	case Remote:
		if r == nil {
			return "", fmt.Errorf("resolving %s from %s: no resolver configured", filename, s.Ref)
		}
		return r.Resolve(ctx, s.Ref, filename)
	default:
		return "", fmt.Errorf("unsupported source %T", src)
	}
}

func resolveLocal(path, filename string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return "", fmt.Errorf("checking %s: %w", path, err)
	}
	if !info.IsDir() || filename == "" {
		return path, nil
	}
	for _, candidate := range []string{
		filepath.Join(path, filename),
		filepath.Join(path, filepath.Base(filename)),
	} {
		if _, err := os.Stat(candidate); err == nil {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("%w: %s in %s", ErrNotFound, filename, path)
}
