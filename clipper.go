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

// Package clipper computes CLIP embeddings for images and text. Images and
// captions that describe each other end up close under cosine similarity.
//
// An Embedder resolves the model artifacts (a local directory or a
// HuggingFace repository), selects a compute device, loads both CLIP towers
// and the tokenizer once, and then serves single-item embedding calls:
//
//	e, err := clipper.New(ctx, clipper.Options{UseCPU: true})
//	if err != nil { ... }
//	defer e.Close()
//	img, err := e.ImageEmbedding(ctx, "cat.jpg")
//	txt, err := e.TextEmbedding(ctx, "a photo of a cat")
//	sim := clipper.CosineSimilarity(img, txt)
//
// Returned vectors have Dimension() finite values and unit L2 norm.
package clipper

import (
	"context"
	"errors"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/antflydb/clipper/lib/backends"
	"github.com/antflydb/clipper/lib/clip"
	"github.com/antflydb/clipper/lib/modelregistry"
	"github.com/antflydb/clipper/lib/pipelines"
	"github.com/gomlx/go-huggingface/tokenizers"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Options configures New. The zero value downloads the default model and
// picks the best available device.
type Options struct {
	// ModelPath is a local model directory. Empty means download Model.
	ModelPath string
	// TokenizerPath is a local tokenizer.json or directory. Empty means use
	// the one shipped with the model.
	TokenizerPath string
	// UseCPU forces CPU execution and skips GPU probing.
	UseCPU bool
	// Device requests a device by name: "", "auto", "cpu", "cuda" or "metal".
	// An unavailable GPU falls back to CPU.
	Device string
	// Model is the HuggingFace repository used for remote artifacts.
	// The zero value means modelregistry.DefaultModelRef().
	Model modelregistry.ModelRef
	// CacheDir overrides the hub cache directory.
	CacheDir string
	// HFToken authenticates against gated repositories.
	HFToken string
	// NumThreads limits inference threads (0 = backend default).
	NumThreads int
	Logger     *zap.Logger

	// Resolver replaces the HuggingFace resolver.
	Resolver modelregistry.Resolver
	// Selector replaces the default hardware probe.
	Selector *backends.Selector
	// Backend replaces the registered session backends.
	Backend backends.Backend
	// Tokenizer replaces the tokenizer loaded from disk. It is not closed by
	// the Embedder.
	Tokenizer tokenizers.Tokenizer
}

// Embedder computes normalized CLIP embeddings. It is safe for concurrent
// use; a failed call leaves it usable.
type Embedder struct {
	model     *clip.Model
	images    *pipelines.ImageProcessor
	text      *pipelines.TextProcessor
	tokenizer tokenizers.Tokenizer
	ownsTok   bool
	ref       string
	logger    *zap.Logger

	mu     sync.RWMutex
	closed bool
}

// artifacts are the local paths construction works from.
type artifacts struct {
	modelDir  string
	tokenizer string
}

// New resolves artifacts, selects a device and loads the model and
// tokenizer. Construction is all or nothing: on failure everything opened so
// far is released and the returned error has KindConstruction, wrapping the
// error of the failing stage.
func New(ctx context.Context, opts Options) (*Embedder, error) {
	const op = "New"
	start := time.Now()
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	fail := func(kind Kind, err error) (*Embedder, error) {
		RecordModelLoad("none", time.Since(start), err)
		logger.Warn("Failed to construct embedder", zap.Stringer("stage", kind), zap.Error(err))
		if kind == KindConstruction {
			return nil, newError(KindConstruction, op, err)
		}
		return nil, newError(KindConstruction, op, newError(kind, op, err))
	}

	ref := opts.Model
	if ref == (modelregistry.ModelRef{}) {
		ref = modelregistry.DefaultModelRef()
	}

	// Options are checked before anything is resolved or loaded.
	want, auto, err := parseDeviceOption(opts.Device)
	if err != nil {
		return fail(KindConstruction, err)
	}

	arts, err := resolveArtifacts(ctx, opts, ref, logger)
	if err != nil {
		return fail(KindResolution, err)
	}
	if err := ctx.Err(); err != nil {
		return fail(KindResolution, err)
	}

	selector := opts.Selector
	if selector == nil {
		selector = &backends.Selector{}
	}
	if selector.Logger == nil {
		selector.Logger = logger
	}
	var device backends.Device
	if opts.UseCPU || auto {
		device = selector.Select(opts.UseCPU)
	} else {
		device = selector.SelectPreferred(want)
	}

	loadOpts := []clip.LoadOption{
		clip.WithLogger(logger),
		clip.WithNumThreads(opts.NumThreads),
	}
	if opts.Backend != nil {
		loadOpts = append(loadOpts, clip.WithBackend(opts.Backend))
	}
	model, err := clip.Load(arts.modelDir, device, loadOpts...)
	if err != nil {
		return fail(KindModelLoad, err)
	}

	e := &Embedder{model: model, ref: ref.String(), logger: logger}
	if opts.ModelPath != "" {
		e.ref = arts.modelDir
	}

	imageConfig, err := pipelines.LoadImageConfig(arts.modelDir)
	if err == nil && imageConfig.Size != model.Config().ImageSize {
		err = fmt.Errorf("%w: preprocessor size %d, model size %d",
			clip.ErrConfigMismatch, imageConfig.Size, model.Config().ImageSize)
	}
	if err != nil {
		_ = e.release()
		return fail(KindModelLoad, err)
	}
	e.images = pipelines.NewImageProcessor(imageConfig)

	e.tokenizer = opts.Tokenizer
	if e.tokenizer == nil {
		e.tokenizer, err = pipelines.LoadTokenizer(arts.tokenizer)
		if err != nil {
			_ = e.release()
			return fail(KindModelLoad, err)
		}
		e.ownsTok = true
	}
	e.text, err = pipelines.NewTextProcessor(e.tokenizer, model.Config().ContextLength)
	if err != nil {
		_ = e.release()
		return fail(KindModelLoad, err)
	}

	RecordModelLoad(device.String(), time.Since(start), nil)
	logger.Info("CLIP embedder ready",
		zap.String("model", e.ref),
		zap.String("device", device.String()),
		zap.String("backend", string(model.Backend())),
		zap.Int("dimension", model.Config().EmbedDim),
		zap.Duration("elapsed", time.Since(start)))
	return e, nil
}

// parseDeviceOption returns the requested device, or auto for "" and "auto".
func parseDeviceOption(s string) (d backends.Device, auto bool, err error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "auto":
		return backends.DeviceCPU, true, nil
	}
	d, err = backends.ParseDevice(s)
	return d, false, err
}

// resolveArtifacts turns the configured sources into local paths. Remote
// files are resolved concurrently; optional files missing upstream are
// skipped.
func resolveArtifacts(ctx context.Context, opts Options, ref modelregistry.ModelRef, logger *zap.Logger) (artifacts, error) {
	var arts artifacts
	needTokenizer := opts.Tokenizer == nil

	var tokenizerSource modelregistry.Source
	if opts.TokenizerPath != "" {
		tokenizerSource = modelregistry.LocalPath{Path: opts.TokenizerPath}
	}

	if opts.ModelPath != "" {
		path, err := modelregistry.ResolveSource(ctx, nil, modelregistry.LocalPath{Path: opts.ModelPath}, "")
		if err != nil {
			return arts, fmt.Errorf("model path: %w", err)
		}
		if info, err := os.Stat(path); err == nil && !info.IsDir() {
			path = filepath.Dir(path)
		}
		arts.modelDir = path
		if tokenizerSource == nil {
			tokenizerSource = modelregistry.LocalPath{Path: path}
		}
		if needTokenizer {
			tok, err := modelregistry.ResolveSource(ctx, nil, tokenizerSource, modelregistry.TokenizerFile)
			if err != nil {
				return arts, fmt.Errorf("tokenizer: %w", err)
			}
			arts.tokenizer = tok
		}
		return arts, nil
	}

	resolver := opts.Resolver
	if resolver == nil {
		resolverOpts := []modelregistry.HFResolverOption{
			modelregistry.WithCacheDir(opts.CacheDir),
			modelregistry.WithLogger(logger),
			modelregistry.WithDownloadObserver(func(ref modelregistry.ModelRef, file string, _ time.Duration, err error) {
				RecordArtifactDownload(ref.RepoID(), file, err)
			}),
		}
		if opts.HFToken != "" {
			resolverOpts = append(resolverOpts, modelregistry.WithHFToken(opts.HFToken))
		}
		resolver = modelregistry.NewHuggingFaceResolver(resolverOpts...)
	}

	required := []string{modelregistry.VisionModelFile, modelregistry.TextModelFile}
	optional := []string{modelregistry.ConfigFile, modelregistry.PreprocessorFile}
	if needTokenizer && tokenizerSource == nil {
		required = append(required, modelregistry.TokenizerFile)
		optional = append(optional, modelregistry.TokenizerConfigFile)
	}

	var (
		mu    sync.Mutex
		paths = make(map[string]string, len(required)+len(optional))
	)
	g, gctx := errgroup.WithContext(ctx)
	for _, file := range slices.Concat(required, optional) {
		isOptional := slices.Contains(optional, file)
		g.Go(func() error {
			path, err := modelregistry.ResolveSource(gctx, resolver, modelregistry.Remote{Ref: ref}, file)
			if isOptional && errors.Is(err, modelregistry.ErrNotFound) {
				logger.Debug("Optional artifact not present", zap.String("file", file))
				return nil
			}
			if err != nil {
				return fmt.Errorf("resolving %s: %w", file, err)
			}
			mu.Lock()
			paths[file] = path
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return arts, err
	}

	// Files of one revision share a snapshot directory.
	arts.modelDir = modelregistry.SnapshotRoot(paths)

	if needTokenizer {
		if tokenizerSource != nil {
			tok, err := modelregistry.ResolveSource(ctx, resolver, tokenizerSource, modelregistry.TokenizerFile)
			if err != nil {
				return arts, fmt.Errorf("tokenizer: %w", err)
			}
			arts.tokenizer = tok
		} else {
			arts.tokenizer = paths[modelregistry.TokenizerFile]
		}
	}
	return arts, nil
}

// ImageEmbedding embeds the image file at path.
func (e *Embedder) ImageEmbedding(ctx context.Context, path string) ([]float32, error) {
	return e.embedImage(ctx, "ImageEmbedding", func() (pipelines.ImageTensor, error) {
		return e.images.ProcessFile(path)
	})
}

// ImageEmbeddingFromBytes embeds an encoded image (jpeg, png, gif, bmp, tiff
// or webp).
func (e *Embedder) ImageEmbeddingFromBytes(ctx context.Context, data []byte) ([]float32, error) {
	return e.embedImage(ctx, "ImageEmbeddingFromBytes", func() (pipelines.ImageTensor, error) {
		return e.images.ProcessBytes(data)
	})
}

// ImageEmbeddingFromImage embeds an already decoded image.
func (e *Embedder) ImageEmbeddingFromImage(ctx context.Context, img image.Image) ([]float32, error) {
	return e.embedImage(ctx, "ImageEmbeddingFromImage", func() (pipelines.ImageTensor, error) {
		return e.images.Process(img)
	})
}

func (e *Embedder) embedImage(ctx context.Context, op string, preprocess func() (pipelines.ImageTensor, error)) (embedding []float32, err error) {
	start := time.Now()
	defer func() { RecordEmbeddingRequest("image", e.model.Device().String(), time.Since(start), err) }()

	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return nil, newError(KindInference, op, ErrClosed)
	}

	tensor, err := preprocess()
	if err != nil {
		return nil, newError(KindDecode, op, err)
	}
	raw, err := e.model.EncodeImage(ctx, tensor)
	if err != nil {
		return nil, newError(KindInference, op, err)
	}
	return e.finish(op, raw)
}

// TextEmbedding embeds one caption. Text longer than the context length is
// truncated; empty or whitespace-only text is rejected.
func (e *Embedder) TextEmbedding(ctx context.Context, text string) (embedding []float32, err error) {
	const op = "TextEmbedding"
	start := time.Now()
	defer func() { RecordEmbeddingRequest("text", e.model.Device().String(), time.Since(start), err) }()

	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return nil, newError(KindInference, op, ErrClosed)
	}

	tensor, err := e.text.Process(text)
	if err != nil {
		return nil, newError(KindTokenization, op, err)
	}
	if tensor.Truncated {
		e.logger.Debug("Caption truncated to context length",
			zap.Int("contextLength", e.text.ContextLength()))
	}
	raw, err := e.model.EncodeText(ctx, tensor)
	if err != nil {
		return nil, newError(KindInference, op, err)
	}
	return e.finish(op, raw)
}

func (e *Embedder) finish(op string, raw []float32) ([]float32, error) {
	if len(raw) != e.Dimension() {
		return nil, newError(KindInference, op,
			fmt.Errorf("%w: embedding has %d values, want %d", clip.ErrShapeMismatch, len(raw), e.Dimension()))
	}
	if err := backends.NormalizeL2(raw); err != nil {
		return nil, newError(KindInference, op, err)
	}
	return raw, nil
}

// Device returns the device selected at construction.
func (e *Embedder) Device() backends.Device {
	return e.model.Device()
}

// Dimension returns the embedding length.
func (e *Embedder) Dimension() int {
	return e.model.Config().EmbedDim
}

// Model identifies the loaded model: a repository reference or a local path.
func (e *Embedder) Model() string {
	return e.ref
}

// Close releases the model and tokenizer. Calls made after Close fail with
// ErrClosed. Close is idempotent.
func (e *Embedder) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	return e.release()
}

func (e *Embedder) release() error {
	var errs []error
	if e.model != nil {
		errs = append(errs, e.model.Close())
	}
	if e.ownsTok && e.tokenizer != nil {
		errs = append(errs, pipelines.CloseTokenizer(e.tokenizer))
	}
	return errors.Join(errs...)
}
