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

// Package clip runs the two CLIP towers over preprocessed tensors.
package clip

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/antflydb/clipper/lib/backends"
	"github.com/antflydb/clipper/lib/pipelines"
	"go.uber.org/zap"
)

var (
	// ErrShapeMismatch is returned when a tensor does not have the shape the
	// model requires.
	ErrShapeMismatch = errors.New("tensor shape mismatch")
	// ErrDeviceMismatch is returned when a session runs on a different device
	// than the model was loaded for.
	ErrDeviceMismatch = errors.New("device mismatch")
	// ErrNoProjection is returned for exports that only expose hidden states.
	ErrNoProjection = errors.New("model has no projection output")
)

// Tensor names of the CLIP ONNX exports.
const (
	inputPixelValues   = "pixel_values"
	inputIDs           = "input_ids"
	inputAttentionMask = "attention_mask"
	outputImageEmbeds  = "image_embeds"
	outputTextEmbeds   = "text_embeds"
)

// LoadOption configures Load.
type LoadOption func(*loadConfig)

type loadConfig struct {
	expected   Config
	backend    backends.Backend
	numThreads int
	logger     *zap.Logger
}

// WithExpectedConfig overrides the architecture the model must match.
func WithExpectedConfig(cfg Config) LoadOption {
	return func(c *loadConfig) { c.expected = cfg }
}

// WithBackend forces a session backend instead of the best one for the device.
func WithBackend(b backends.Backend) LoadOption {
	return func(c *loadConfig) { c.backend = b }
}

// WithNumThreads sets the intra-op thread count (0 = auto).
func WithNumThreads(n int) LoadOption {
	return func(c *loadConfig) { c.numThreads = n }
}

// WithLogger sets the logger
func WithLogger(logger *zap.Logger) LoadOption {
	return func(c *loadConfig) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// tower is one encoder session and the IO names it was validated with.
type tower struct {
	session  backends.Session
	output   string
	pooling  backends.PoolingStrategy // empty when the output is already pooled
	withMask bool
}

// Model owns the vision and text sessions of one CLIP model.
// Safe for concurrent use; each session serializes its own runs.
type Model struct {
	cfg     Config
	device  backends.Device
	backend backends.BackendType
	vision  tower
	text    tower
	logger  *zap.Logger
}

// Load creates sessions for both towers found in dir on the given device
// and validates their inputs and outputs against the expected architecture.
func Load(dir string, device backends.Device, opts ...LoadOption) (*Model, error) {
	lc := &loadConfig{expected: ViTB32(), logger: zap.NewNop()}
	for _, opt := range opts {
		opt(lc)
	}
	logger := lc.logger
	start := time.Now()

	if err := lc.expected.Validate(); err != nil {
		return nil, err
	}
	cfg, found, err := LoadConfig(dir, lc.expected)
	if err != nil {
		return nil, err
	}
	if cfg != lc.expected {
		return nil, fmt.Errorf("%w: config.json describes %+v, expected %+v", ErrConfigMismatch, cfg, lc.expected)
	}

	visionPath := pipelines.FindONNXFile(dir, pipelines.VisionModelCandidates)
	if visionPath == "" {
		return nil, fmt.Errorf("vision model not found in %s (expected one of %v)", dir, pipelines.VisionModelCandidates)
	}
	textPath := pipelines.FindONNXFile(dir, pipelines.TextModelCandidates)
	if textPath == "" {
		return nil, fmt.Errorf("text model not found in %s (expected one of %v)", dir, pipelines.TextModelCandidates)
	}

	backend := lc.backend
	if backend == nil {
		backend, err = backends.BackendFor(device)
		if err != nil {
			return nil, err
		}
	}

	logger.Info("Loading CLIP model",
		zap.String("path", dir),
		zap.String("device", device.String()),
		zap.String("backend", backend.Name()),
		zap.Bool("hasConfig", found))

	sessionOpts := []backends.SessionOption{
		backends.WithSessionLogger(logger),
		backends.WithSessionThreads(lc.numThreads),
	}

	m := &Model{cfg: cfg, device: device, backend: backend.Type(), logger: logger}

	visionSession, err := openSession(backend, visionPath, device, sessionOpts)
	if err != nil {
		return nil, fmt.Errorf("loading vision model: %w", err)
	}
	m.vision, err = m.validateVision(visionSession)
	if err != nil {
		_ = visionSession.Close()
		return nil, fmt.Errorf("validating vision model %s: %w", visionPath, err)
	}

	textSession, err := openSession(backend, textPath, device, sessionOpts)
	if err != nil {
		_ = visionSession.Close()
		return nil, fmt.Errorf("loading text model: %w", err)
	}
	m.text, err = m.validateText(textSession)
	if err != nil {
		_ = visionSession.Close()
		_ = textSession.Close()
		return nil, fmt.Errorf("validating text model %s: %w", textPath, err)
	}

	logger.Info("Loaded CLIP model",
		zap.String("device", device.String()),
		zap.Int("embedDim", cfg.EmbedDim),
		zap.Bool("textAttentionMask", m.text.withMask),
		zap.Duration("elapsed", time.Since(start)))

	return m, nil
}

func openSession(b backends.Backend, path string, device backends.Device, opts []backends.SessionOption) (backends.Session, error) {
	s, err := b.NewSession(path, device, opts...)
	if err != nil {
		return nil, err
	}
	if s.Device() != device {
		_ = s.Close()
		return nil, fmt.Errorf("%w: session on %s, model on %s", ErrDeviceMismatch, s.Device(), device)
	}
	return s, nil
}

func (m *Model) validateVision(s backends.Session) (tower, error) {
	in, ok := backends.FindTensorInfo(s.InputInfo(), inputPixelValues)
	if !ok {
		return tower{}, fmt.Errorf("%w: missing input %q", ErrShapeMismatch, inputPixelValues)
	}
	size := int64(m.cfg.ImageSize)
	if !dimsCompatible(in.Shape, []int64{-1, 3, size, size}) {
		return tower{}, fmt.Errorf("%w: %s has shape %v, want [batch 3 %d %d]",
			ErrShapeMismatch, inputPixelValues, in.Shape, size, size)
	}

	t := tower{session: s}
	return t, m.pickOutput(&t, outputImageEmbeds)
}

func (m *Model) validateText(s backends.Session) (tower, error) {
	in, ok := backends.FindTensorInfo(s.InputInfo(), inputIDs)
	if !ok {
		return tower{}, fmt.Errorf("%w: missing input %q", ErrShapeMismatch, inputIDs)
	}
	if !dimsCompatible(in.Shape, []int64{-1, int64(m.cfg.ContextLength)}) {
		return tower{}, fmt.Errorf("%w: %s has shape %v, want [batch %d]",
			ErrShapeMismatch, inputIDs, in.Shape, m.cfg.ContextLength)
	}
	for _, info := range s.InputInfo() {
		switch info.Name {
		case inputIDs:
		case inputAttentionMask:
		default:
			return tower{}, fmt.Errorf("%w: unexpected text input %q", ErrShapeMismatch, info.Name)
		}
	}
	_, hasMask := backends.FindTensorInfo(s.InputInfo(), inputAttentionMask)

	t := tower{session: s, withMask: hasMask}
	return t, m.pickOutput(&t, outputTextEmbeds)
}

// pickOutput selects the projected embedding output: the named one, else the
// only rank-2 output. A rank-3 projected output is pooled at the end-of-text
// position. Exports without a projection are rejected.
func (m *Model) pickOutput(t *tower, preferred string) error {
	outputs := t.session.OutputInfo()
	dim := int64(m.cfg.EmbedDim)

	if info, ok := backends.FindTensorInfo(outputs, preferred); ok {
		switch len(info.Shape) {
		case 2:
			if !dimsCompatible(info.Shape, []int64{-1, dim}) {
				return fmt.Errorf("%w: %s has shape %v, want [batch %d]", ErrShapeMismatch, preferred, info.Shape, dim)
			}
			t.output = preferred
			return nil
		case 3:
			if !dimsCompatible(info.Shape, []int64{-1, -1, dim}) {
				return fmt.Errorf("%w: %s has shape %v, want [batch seq %d]", ErrShapeMismatch, preferred, info.Shape, dim)
			}
			if preferred != outputTextEmbeds {
				return fmt.Errorf("%w: per-token %s cannot be pooled", ErrShapeMismatch, preferred)
			}
			t.output = preferred
			t.pooling = backends.PoolingEOS
			return nil
		default:
			return fmt.Errorf("%w: %s has rank %d", ErrShapeMismatch, preferred, len(info.Shape))
		}
	}

	var candidates []backends.TensorInfo
	for _, info := range outputs {
		if len(info.Shape) == 2 && dimsCompatible(info.Shape, []int64{-1, dim}) {
			candidates = append(candidates, info)
		}
	}
	if len(candidates) == 1 && candidates[0].Name != "pooler_output" {
		t.output = candidates[0].Name
		m.logger.Debug("Using unnamed embedding output", zap.String("output", t.output))
		return nil
	}
	return fmt.Errorf("%w: no %q output among %v", ErrNoProjection, preferred, tensorNames(outputs))
}

// dimsCompatible compares shapes treating negative dimensions as dynamic.
func dimsCompatible(got, want []int64) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range got {
		if got[i] < 0 || want[i] < 0 {
			continue
		}
		if got[i] != want[i] {
			return false
		}
	}
	return true
}

func tensorNames(infos []backends.TensorInfo) []string {
	names := make([]string, len(infos))
	for i, info := range infos {
		names[i] = info.Name
	}
	return names
}

// Config returns the architecture the model was validated against.
func (m *Model) Config() Config {
	return m.cfg
}

// Device returns the device both towers run on.
func (m *Model) Device() backends.Device {
	return m.device
}

// Backend returns the session backend in use.
func (m *Model) Backend() backends.BackendType {
	return m.backend
}

// EncodeImage runs the vision tower on one preprocessed image and returns
// its projected embedding. The result is not normalized.
func (m *Model) EncodeImage(ctx context.Context, img pipelines.ImageTensor) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	size := m.cfg.ImageSize
	if img.Channels != 3 || img.Height != size || img.Width != size || len(img.Pixels) != 3*size*size {
		return nil, fmt.Errorf("%w: image tensor %dx%dx%d (%d values), want 3x%dx%d",
			ErrShapeMismatch, img.Channels, img.Height, img.Width, len(img.Pixels), size, size)
	}

	inputs := []backends.NamedTensor{{
		Name:  inputPixelValues,
		Shape: img.Shape(),
		Data:  img.Pixels,
	}}
	return m.run(m.vision, inputs, nil)
}

// EncodeText runs the text tower on one tokenized caption and returns its
// projected embedding. The result is not normalized.
func (m *Model) EncodeText(ctx context.Context, text pipelines.TextTensor) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	n := m.cfg.ContextLength
	if len(text.InputIDs) != n || len(text.AttentionMask) != n {
		return nil, fmt.Errorf("%w: text tensor has %d ids and %d mask values, want %d",
			ErrShapeMismatch, len(text.InputIDs), len(text.AttentionMask), n)
	}

	inputs := []backends.NamedTensor{{
		Name:  inputIDs,
		Shape: text.Shape(),
		Data:  text.InputIDs,
	}}
	if m.text.withMask {
		inputs = append(inputs, backends.NamedTensor{
			Name:  inputAttentionMask,
			Shape: text.Shape(),
			Data:  text.AttentionMask,
		})
	}
	return m.run(m.text, inputs, text.InputIDs)
}

// run executes a tower and extracts one validated embedding.
func (m *Model) run(t tower, inputs []backends.NamedTensor, ids []int64) ([]float32, error) {
	if t.session == nil {
		return nil, fmt.Errorf("model is closed")
	}
	if d := t.session.Device(); d != m.device {
		return nil, fmt.Errorf("%w: session on %s, model on %s", ErrDeviceMismatch, d, m.device)
	}

	outputs, err := t.session.Run(inputs)
	if err != nil {
		return nil, fmt.Errorf("running session: %w", err)
	}

	var out *backends.NamedTensor
	for i := range outputs {
		if outputs[i].Name == t.output {
			out = &outputs[i]
			break
		}
	}
	if out == nil {
		return nil, fmt.Errorf("%w: output %q missing from results", ErrShapeMismatch, t.output)
	}
	data, err := out.Float32s()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrShapeMismatch, err)
	}

	dim := m.cfg.EmbedDim
	var embedding []float32
	switch {
	case t.pooling == backends.PoolingEOS:
		if len(out.Shape) != 3 || out.Shape[0] != 1 || out.Shape[2] != int64(dim) {
			return nil, fmt.Errorf("%w: %s has shape %v, want [1 %d %d]", ErrShapeMismatch, out.Name, out.Shape, len(ids), dim)
		}
		embedding, err = backends.PoolEOS(data, ids, dim)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrShapeMismatch, err)
		}
	default:
		if len(out.Shape) != 2 || out.Shape[0] != 1 || out.Shape[1] != int64(dim) || len(data) != dim {
			return nil, fmt.Errorf("%w: %s has shape %v (%d values), want [1 %d]", ErrShapeMismatch, out.Name, out.Shape, len(data), dim)
		}
		embedding = make([]float32, dim)
		copy(embedding, data)
	}

	if i, ok := backends.IsFinite(embedding); !ok {
		return nil, fmt.Errorf("%w: non-finite value at index %d of %s", backends.ErrDegenerateEmbedding, i, out.Name)
	}
	return embedding, nil
}

// Close releases both sessions.
func (m *Model) Close() error {
	var errs []error
	if m.vision.session != nil {
		errs = append(errs, m.vision.session.Close())
		m.vision.session = nil
	}
	if m.text.session != nil {
		errs = append(errs, m.text.session.Close())
		m.text.session = nil
	}
	return errors.Join(errs...)
}
