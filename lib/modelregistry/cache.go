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
	"os"
	"path/filepath"
	"strings"

	"github.com/bytedance/sonic"
)

// Hub cache layout. go-huggingface records the commit of a revision in a
// JSON info file; the Python huggingface_hub client writes a plain refs file.
//
//	<cache>/models--<owner>--<name>/info/<revision>      repo info JSON ("sha")
//	<cache>/models--<owner>--<name>/refs/<revision>      commit hash
//	<cache>/models--<owner>--<name>/snapshots/<commit>/  files
const (
	cacheModelPrefix = "models--"
	cacheInfoDir     = "info"
	cacheRefDir      = "refs"
	cacheSnapshotDir = "snapshots"
)

// repoInfo is the subset of the hub revision info kept in the cache.
type repoInfo struct {
	CommitHash string `json:"sha"`
}

// DefaultCacheDir returns the hub cache directory: HF_HUB_CACHE, then
// HF_HOME/hub, then XDG_CACHE_HOME or ~/.cache under huggingface/hub.
func DefaultCacheDir() string {
	if dir := os.Getenv("HF_HUB_CACHE"); dir != "" {
		return dir
	}
	if home := os.Getenv("HF_HOME"); home != "" {
		return filepath.Join(home, "hub")
	}
	base := os.Getenv("XDG_CACHE_HOME")
	if base == "" {
		if home, err := os.UserHomeDir(); err == nil {
			base = filepath.Join(home, ".cache")
		} else {
			base = filepath.Join(os.TempDir(), "huggingface_cache")
		}
	}
	return filepath.Join(base, "huggingface", "hub")
}

// repoCacheDir returns the cache directory of a repository.
func repoCacheDir(cacheDir string, ref ModelRef) string {
	return filepath.Join(cacheDir, cacheModelPrefix+strings.ReplaceAll(ref.RepoID(), "/", "--"))
}

// snapshotDir returns the snapshot directory the revision currently points
// to. Branches and tags resolve through info/<revision>, then refs/<revision>;
// a revision with neither is treated as a commit hash.
func snapshotDir(cacheDir string, ref ModelRef) (string, bool) {
	repoDir := repoCacheDir(cacheDir, ref)
	for _, commit := range commitCandidates(repoDir, ref.Rev()) {
		dir := filepath.Join(repoDir, cacheSnapshotDir, commit)
		if info, err := os.Stat(dir); err == nil && info.IsDir() {
			return dir, true
		}
	}
	return "", false
}

// commitCandidates lists the commits rev may name, most authoritative first.
func commitCandidates(repoDir, rev string) []string {
	var commits []string
	add := func(c string) {
		c = strings.TrimSpace(c)
		if c != "" && !strings.ContainsAny(c, `/\`) && c != "." && c != ".." {
			commits = append(commits, c)
		}
	}

	revPath := filepath.FromSlash(rev)
	if data, err := os.ReadFile(filepath.Join(repoDir, cacheInfoDir, revPath)); err == nil {
		var info repoInfo
		if sonic.Unmarshal(data, &info) == nil {
			add(info.CommitHash)
		}
	}
	if data, err := os.ReadFile(filepath.Join(repoDir, cacheRefDir, revPath)); err == nil {
		add(string(data))
	}
	add(rev)
	return commits
}

// CachedFile returns the path of filename in the cached snapshot of ref,
// without touching the network.
func CachedFile(cacheDir string, ref ModelRef, filename string) (string, bool) {
	dir, ok := snapshotDir(cacheDir, ref)
	if !ok {
		return "", false
	}
	path := filepath.Join(dir, filepath.FromSlash(filename))
	if _, err := os.Stat(path); err != nil {
		return "", false
	}
	return path, true
}
