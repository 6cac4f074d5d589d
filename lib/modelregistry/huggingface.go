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
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gomlx/go-huggingface/hub"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const (
	// DefaultDownloadTimeout bounds one Resolve call, retries included.
	DefaultDownloadTimeout = 10 * time.Minute

	// DefaultRetries is the number of attempts for transient failures.
	DefaultRetries = 3

	defaultBackoff = 500 * time.Millisecond
)

// ErrNotFound is returned when an artifact does not exist locally or upstream.
var ErrNotFound = errors.New("artifact not found")

// Resolver maps a model reference and a repository file to a local path.
type Resolver interface {
	Resolve(ctx context.Context, ref ModelRef, filename string) (string, error)
}

// Fetcher downloads one file of a repository into cacheDir and returns its
// local path. Implementations need not be context aware; the resolver
// bounds them.
type Fetcher interface {
	Fetch(ctx context.Context, ref ModelRef, filename, cacheDir string) (string, error)
}

// ProgressHandler is called to report download progress
type ProgressHandler func(downloaded, total int64, filename string)

// DownloadObserver is told about every network fetch attempt.
type DownloadObserver func(ref ModelRef, filename string, elapsed time.Duration, err error)

// HuggingFaceResolver resolves artifacts through the local hub cache,
// downloading missing files from the HuggingFace Hub.
// It is safe for concurrent use.
type HuggingFaceResolver struct {
	cacheDir string
	token    string
	timeout  time.Duration
	retries  int
	backoff  time.Duration
	logger   *zap.Logger
	fetcher  Fetcher
	progress ProgressHandler
	observer DownloadObserver

	group    singleflight.Group
	mu       sync.RWMutex
	resolved map[string]string
}

// HFResolverOption configures the resolver
type HFResolverOption func(*HuggingFaceResolver)

// WithCacheDir overrides the hub cache directory.
func WithCacheDir(dir string) HFResolverOption {
	return func(r *HuggingFaceResolver) {
		if dir != "" {
			r.cacheDir = dir
		}
	}
}

// WithHFToken sets the HuggingFace API token for gated models
func WithHFToken(token string) HFResolverOption {
	return func(r *HuggingFaceResolver) { r.token = token }
}

// WithTimeout bounds each Resolve call.
func WithTimeout(d time.Duration) HFResolverOption {
	return func(r *HuggingFaceResolver) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// WithRetries sets the number of attempts and the initial backoff.
func WithRetries(attempts int, backoff time.Duration) HFResolverOption {
	return func(r *HuggingFaceResolver) {
		if attempts > 0 {
			r.retries = attempts
		}
		r.backoff = backoff
	}
}

// WithLogger sets the logger
func WithLogger(logger *zap.Logger) HFResolverOption {
	return func(r *HuggingFaceResolver) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithFetcher replaces the hub client, mostly for tests.
func WithFetcher(f Fetcher) HFResolverOption {
	return func(r *HuggingFaceResolver) { r.fetcher = f }
}

// WithProgressHandler sets the progress handler for downloads
func WithProgressHandler(h ProgressHandler) HFResolverOption {
	return func(r *HuggingFaceResolver) { r.progress = h }
}

// WithDownloadObserver registers a callback for fetch attempts.
func WithDownloadObserver(o DownloadObserver) HFResolverOption {
	return func(r *HuggingFaceResolver) { r.observer = o }
}

// NewHuggingFaceResolver creates a resolver backed by the hub cache.
func NewHuggingFaceResolver(opts ...HFResolverOption) *HuggingFaceResolver {
	r := &HuggingFaceResolver{
		cacheDir: DefaultCacheDir(),
		token:    os.Getenv("HF_TOKEN"),
		timeout:  DefaultDownloadTimeout,
		retries:  DefaultRetries,
		backoff:  defaultBackoff,
		logger:   zap.NewNop(),
		resolved: make(map[string]string),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.fetcher == nil {
		r.fetcher = &hubFetcher{token: r.token}
	}
	return r
}

// CacheDir returns the hub cache directory in use.
func (r *HuggingFaceResolver) CacheDir() string {
	return r.cacheDir
}

// Resolve returns the local path of filename in ref. The in-process map and
// the on-disk cache are consulted before any network access; concurrent
// calls for the same file share one download.
func (r *HuggingFaceResolver) Resolve(ctx context.Context, ref ModelRef, filename string) (string, error) {
	if err := ref.Validate(); err != nil {
		return "", err
	}
	key := ref.String() + "|" + filename

	if path, ok := r.lookup(key); ok {
		return path, nil
	}
	if path, ok := CachedFile(r.cacheDir, ref, filename); ok {
		r.logger.Debug("Resolved artifact from hub cache",
			zap.String("model", ref.String()),
			zap.String("file", filename))
		r.remember(key, path)
		return path, nil
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	ch := r.group.DoChan(key, func() (any, error) {
		// One caller's cancellation must not fail the others sharing
		// this download.
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
		defer cancel()
		path, err := r.fetchWithRetry(fetchCtx, ref, filename)
		if err != nil {
			return "", err
		}
		r.remember(key, path)
		return path, nil
	})

	select {
	case <-ctx.Done():
		return "", fmt.Errorf("resolving %s from %s: %w", filename, ref, ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	}
}

func (r *HuggingFaceResolver) lookup(key string) (string, bool) {
	r.mu.RLock()
	path, ok := r.resolved[key]
	r.mu.RUnlock()
	if !ok {
		return "", false
	}
	if _, err := os.Stat(path); err != nil {
		r.mu.Lock()
		delete(r.resolved, key)
		r.mu.Unlock()
		return "", false
	}
	return path, true
}

func (r *HuggingFaceResolver) remember(key, path string) {
	r.mu.Lock()
	r.resolved[key] = path
	r.mu.Unlock()
}

// fetchWithRetry retries transient failures with exponential backoff.
// Missing files are not retried.
func (r *HuggingFaceResolver) fetchWithRetry(ctx context.Context, ref ModelRef, filename string) (string, error) {
	backoff := r.backoff
	var lastErr error
	for attempt := 1; attempt <= r.retries; attempt++ {
		start := time.Now()
		r.logger.Info("Downloading artifact",
			zap.String("model", ref.String()),
			zap.String("file", filename),
			zap.Int("attempt", attempt))

		path, err := r.fetcher.Fetch(ctx, ref, filename, r.cacheDir)
		if err == nil {
			if _, statErr := os.Stat(path); statErr != nil {
				err = fmt.Errorf("downloaded file missing: %w", statErr)
			}
		}
		if r.observer != nil {
			r.observer(ref, filename, time.Since(start), err)
		}
		if err == nil {
			r.reportProgress(path, filename)
			return path, nil
		}

		lastErr = err
		if errors.Is(err, ErrNotFound) || ctx.Err() != nil {
			break
		}
		if attempt < r.retries {
			r.logger.Warn("Download failed, retrying",
				zap.String("file", filename),
				zap.Duration("backoff", backoff),
				zap.Error(err))
			select {
			case <-ctx.Done():
				return "", fmt.Errorf("downloading %s from %s: %w", filename, ref, ctx.Err())
			case <-time.After(backoff):
			}
			backoff *= 2
		}
	}
	return "", fmt.Errorf("downloading %s from %s: %w", filename, ref, lastErr)
}

func (r *HuggingFaceResolver) reportProgress(path, filename string) {
	if r.progress == nil {
		return
	}
	if info, err := os.Stat(path); err == nil {
		r.progress(info.Size(), info.Size(), filename)
	}
}

// Pull resolves every file of ref into the cache. Optional files that do not
// exist upstream are skipped. When destDir is set, the files are also copied
// to destDir/owner/name keeping their repository layout, producing a
// directory usable as a local model path. Returns the directory holding the
// model files.
func (r *HuggingFaceResolver) Pull(ctx context.Context, ref ModelRef, required, optional []string, destDir string) (string, error) {
	paths := make(map[string]string, len(required)+len(optional))
	for _, f := range required {
		path, err := r.Resolve(ctx, ref, f)
		if err != nil {
			return "", err
		}
		paths[f] = path
	}
	for _, f := range optional {
		path, err := r.Resolve(ctx, ref, f)
		if errors.Is(err, ErrNotFound) {
			r.logger.Debug("Optional artifact not present", zap.String("file", f))
			continue
		}
		if err != nil {
			return "", err
		}
		paths[f] = path
	}

	if destDir == "" {
		return SnapshotRoot(paths), nil
	}

	modelDir := filepath.Join(destDir, ref.DirPath())
	for name, src := range paths {
		dst := filepath.Join(modelDir, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
			return "", fmt.Errorf("creating directory: %w", err)
		}
		if err := copyFile(src, dst); err != nil {
			return "", fmt.Errorf("copying %s: %w", name, err)
		}
	}
	return modelDir, nil
}

// SnapshotRoot returns the repository root directory of resolved files,
// given a map from repository-relative names to local paths.
func SnapshotRoot(paths map[string]string) string {
	for name, path := range paths {
		root := path
		for range strings.Split(name, "/") {
			root = filepath.Dir(root)
		}
		return root
	}
	return ""
}

// copyFile copies src to dst through a temporary file so dst is never partial.
func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()

	tmp, err := os.CreateTemp(filepath.Dir(dst), ".partial-*")
	if err != nil {
		return err
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	if _, err := io.Copy(tmp, in); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), dst)
}

// hubFetcher downloads through go-huggingface, which writes the hub cache
// layout and renames completed downloads into place.
type hubFetcher struct {
	token string
}

func (f *hubFetcher) Fetch(ctx context.Context, ref ModelRef, filename, cacheDir string) (string, error) {
	repo := hub.New(ref.RepoID()).WithRevision(ref.Rev()).WithCacheDir(cacheDir)
	if f.token != "" {
		repo = repo.WithAuth(f.token)
	}

	type result struct {
		path string
		err  error
	}
	done := make(chan result, 1)
	go func() {
		path, err := repo.DownloadFile(filename)
		done <- result{path, err}
	}()

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-done:
		if res.err != nil && isNotFound(res.err) {
			return "", fmt.Errorf("%w: %s in %s: %v", ErrNotFound, filename, ref, res.err)
		}
		return res.path, res.err
	}
}

// isNotFound recognizes the hub's 404 responses, which are not typed.
func isNotFound(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "404") ||
		strings.Contains(msg, "not found") ||
		strings.Contains(msg, "entry not found")
}
