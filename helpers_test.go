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

package clipper

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/antflydb/clipper/lib/backends"
	"github.com/antflydb/clipper/lib/modelregistry"
	"github.com/gomlx/go-huggingface/tokenizers/api"
	"github.com/stretchr/testify/require"
)

const (
	startOfText = 49406
	endOfText   = 49407
)

// fakeSession returns a positive embedding derived from its inputs.
type fakeSession struct {
	mu      sync.Mutex
	inputs  []backends.TensorInfo
	outputs []backends.TensorInfo
	device  backends.Device
	closed  bool
	runs    atomic.Int64
	last    []backends.NamedTensor
	// produce overrides the embedding values.
	produce func() []float32
}

func (s *fakeSession) Run(in []backends.NamedTensor) ([]backends.NamedTensor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, errors.New("session closed")
	}
	s.runs.Add(1)
	s.last = in

	var out []float32
	if s.produce != nil {
		out = s.produce()
	} else {
		var seed float64
		switch data := in[0].Data.(type) {
		case []float32:
			for _, v := range data[:64] {
				seed += math.Abs(float64(v))
			}
		case []int64:
			for i, v := range data {
				seed += float64((int64(i+1) * v) % 101)
			}
		}
		out = make([]float32, 512)
		for i := range out {
			out[i] = float32(i%13) + 1 + float32(math.Mod(seed, 17))
		}
	}
	return []backends.NamedTensor{{Name: s.outputs[0].Name, Shape: []int64{1, int64(len(out))}, Data: out}}, nil
}

func (s *fakeSession) InputInfo() []backends.TensorInfo  { return s.inputs }
func (s *fakeSession) OutputInfo() []backends.TensorInfo { return s.outputs }
func (s *fakeSession) Device() backends.Device           { return s.device }

func (s *fakeSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// lastInput returns the named tensor passed to the most recent Run.
func (s *fakeSession) lastInput(name string) (backends.NamedTensor, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.last {
		if t.Name == name {
			return t, true
		}
	}
	return backends.NamedTensor{}, false
}

func (s *fakeSession) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// fakeBackend hands out one vision and one text session.
type fakeBackend struct {
	vision, text *fakeSession
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		vision: &fakeSession{
			inputs:  []backends.TensorInfo{{Name: "pixel_values", Shape: []int64{-1, 3, 224, 224}, DataType: backends.DataTypeFloat32}},
			outputs: []backends.TensorInfo{{Name: "image_embeds", Shape: []int64{-1, 512}}},
		},
		text: &fakeSession{
			inputs: []backends.TensorInfo{
				{Name: "input_ids", Shape: []int64{-1, 77}, DataType: backends.DataTypeInt64},
				{Name: "attention_mask", Shape: []int64{-1, 77}, DataType: backends.DataTypeInt64},
			},
			outputs: []backends.TensorInfo{{Name: "text_embeds", Shape: []int64{-1, 512}}},
		},
	}
}

func (b *fakeBackend) Type() backends.BackendType      { return "fake" }
func (b *fakeBackend) Name() string                    { return "fake" }
func (b *fakeBackend) Priority() int                   { return 0 }
func (b *fakeBackend) Supports(d backends.Device) bool { return true }

func (b *fakeBackend) NewSession(path string, d backends.Device, _ ...backends.SessionOption) (backends.Session, error) {
	var s *fakeSession
	switch filepath.Base(path) {
	case "vision_model.onnx":
		s = b.vision
	case "text_model.onnx":
		s = b.text
	default:
		return nil, fmt.Errorf("unexpected model %s", path)
	}
	s.device = d
	return s, nil
}

// wordTokenizer maps each lowercase word to a stable id and adds markers.
type wordTokenizer struct {
	mu    sync.Mutex
	vocab map[string]int
}

func newWordTokenizer() *wordTokenizer {
	return &wordTokenizer{vocab: make(map[string]int)}
}

func (w *wordTokenizer) Encode(text string) []int {
	w.mu.Lock()
	defer w.mu.Unlock()
	ids := []int{startOfText}
	for _, word := range strings.Fields(strings.ToLower(text)) {
		id, ok := w.vocab[word]
		if !ok {
			id = 1000 + len(w.vocab)
			w.vocab[word] = id
		}
		ids = append(ids, id)
	}
	return append(ids, endOfText)
}

func (w *wordTokenizer) Decode(ids []int) string {
	return fmt.Sprint(ids)
}

func (w *wordTokenizer) SpecialTokenID(token api.SpecialToken) (int, error) {
	switch token {
	case api.TokBeginningOfSentence:
		return startOfText, nil
	case api.TokEndOfSentence, api.TokPad:
		return endOfText, nil
	default:
		return 0, fmt.Errorf("unknown special token %s", token)
	}
}

// writeModelDir lays out a model directory with placeholder tower files.
func writeModelDir(t *testing.T, extra map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	files := map[string]string{
		"onnx/vision_model.onnx": "onnx",
		"onnx/text_model.onnx":   "onnx",
	}
	for name, content := range extra {
		files[name] = content
	}
	for name, content := range files {
		path := filepath.Join(dir, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	}
	return dir
}

// fakeResolver serves files from a snapshot-like directory and counts calls.
type fakeResolver struct {
	root    string
	present map[string]bool
	fail    error
	calls   atomic.Int64
}

func newFakeResolver(t *testing.T, files ...string) *fakeResolver {
	t.Helper()
	r := &fakeResolver{root: t.TempDir(), present: make(map[string]bool)}
	for _, f := range files {
		path := filepath.Join(r.root, filepath.FromSlash(f))
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
		require.NoError(t, os.WriteFile(path, []byte("artifact"), 0644))
		r.present[f] = true
	}
	return r
}

func (r *fakeResolver) Resolve(ctx context.Context, ref modelregistry.ModelRef, filename string) (string, error) {
	r.calls.Add(1)
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if r.fail != nil {
		return "", r.fail
	}
	if !r.present[filename] {
		return "", fmt.Errorf("%w: %s in %s", modelregistry.ErrNotFound, filename, ref)
	}
	return filepath.Join(r.root, filepath.FromSlash(filename)), nil
}

// countingProbe records GPU probe calls.
type countingProbe struct {
	calls atomic.Int64
	info  backends.GPUInfo
}

func (p *countingProbe) probe() backends.GPUInfo {
	p.calls.Add(1)
	return p.info
}

func solidImage(c color.Color) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, 64, 48))
	for y := range 48 {
		for x := range 64 {
			img.Set(x, y, c)
		}
	}
	return img
}

func encodePNG(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func l2Norm(v []float32) float64 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	return math.Sqrt(sum)
}
