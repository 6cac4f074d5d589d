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

package cmd

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/antflydb/clipper/lib/backends"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeReportEmbedder embeds by input length. skew perturbs byte embeddings.
type fakeReportEmbedder struct {
	skew bool
	fail error
}

func (f *fakeReportEmbedder) ImageEmbedding(_ context.Context, path string) ([]float32, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return []float32{float32(len(data)), 1, 0}, nil
}

func (f *fakeReportEmbedder) ImageEmbeddingFromBytes(_ context.Context, data []byte) ([]float32, error) {
	if f.skew {
		return []float32{0, 0, float32(len(data))}, nil
	}
	return []float32{float32(len(data)), 1, 0}, nil
}

func (f *fakeReportEmbedder) TextEmbedding(_ context.Context, text string) ([]float32, error) {
	if f.fail != nil {
		return nil, f.fail
	}
	return []float32{float32(len(text)), 0, 1}, nil
}

func (f *fakeReportEmbedder) Dimension() int { return 3 }

func writeImages(t *testing.T, names ...string) []string {
	t.Helper()
	dir := t.TempDir()
	var paths []string
	for _, n := range names {
		p := filepath.Join(dir, n)
		require.NoError(t, os.WriteFile(p, []byte(n), 0644))
		paths = append(paths, p)
	}
	return paths
}

func TestBuildReport(t *testing.T) {
	images := writeImages(t, "cat.png", "doggo.png")
	report, err := buildReport(context.Background(), &fakeReportEmbedder{}, images, []string{"a cat", "a dog"})
	require.NoError(t, err)

	assert.Equal(t, 3, report.Dimension)
	require.Len(t, report.Images, 2)
	require.Len(t, report.Texts, 2)
	require.Len(t, report.Similarity, 2)
	assert.Len(t, report.Similarity[0], 2)
	for _, c := range report.Consistency {
		assert.True(t, c.Consistent)
		assert.Zero(t, c.L1Diff)
	}

	var out bytes.Buffer
	report.Model, report.Device = "acme/clip@main", "cpu"
	printReport(&out, report)
	assert.Contains(t, out.String(), "Dimension: 3")
	assert.Contains(t, out.String(), "Cosine similarity (image x text)")
	assert.Contains(t, out.String(), `"a dog"`)
	assert.NotContains(t, out.String(), "MISMATCH")
}

func TestBuildReportFlagsInconsistentImages(t *testing.T) {
	images := writeImages(t, "cat.png")
	report, err := buildReport(context.Background(), &fakeReportEmbedder{skew: true}, images, nil)
	require.ErrorIs(t, err, errInconsistent)
	require.NotNil(t, report)
	assert.False(t, report.Consistency[0].Consistent)
	assert.Empty(t, report.Similarity)

	var out bytes.Buffer
	printReport(&out, report)
	assert.Contains(t, out.String(), "MISMATCH")
}

func TestBuildReportFailures(t *testing.T) {
	_, err := buildReport(context.Background(), &fakeReportEmbedder{}, []string{filepath.Join(t.TempDir(), "missing.png")}, nil)
	assert.Error(t, err)

	boom := errors.New("boom")
	_, err = buildReport(context.Background(), &fakeReportEmbedder{fail: boom}, nil, []string{"a cat"})
	assert.ErrorIs(t, err, boom)
}

func TestSelectConfiguredDevice(t *testing.T) {
	cuda := func() backends.GPUInfo { return backends.GPUInfo{Available: true, Type: "cuda"} }
	all := func() []backends.Backend { return []backends.Backend{anyDeviceBackend{}} }

	tests := []struct {
		name      string
		useCPU    bool
		requested string
		want      backends.Device
		wantErr   bool
	}{
		{name: "auto", requested: "auto", want: backends.DeviceCUDA},
		{name: "empty", requested: "", want: backends.DeviceCUDA},
		{name: "cpu flag wins", useCPU: true, requested: "cuda", want: backends.DeviceCPU},
		{name: "explicit cpu", requested: "cpu", want: backends.DeviceCPU},
		{name: "metal unavailable", requested: "metal", want: backends.DeviceCPU},
		{name: "unknown", requested: "tpu", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := &backends.Selector{Probe: cuda, Backends: all, GOOS: "linux"}
			got, err := selectConfiguredDevice(s, tt.useCPU, tt.requested)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

type anyDeviceBackend struct{}

func (anyDeviceBackend) Type() backends.BackendType    { return "any" }
func (anyDeviceBackend) Name() string                  { return "any" }
func (anyDeviceBackend) Priority() int                 { return 0 }
func (anyDeviceBackend) Supports(backends.Device) bool { return true }
func (anyDeviceBackend) NewSession(string, backends.Device, ...backends.SessionOption) (backends.Session, error) {
	return nil, errors.New("not implemented")
}

func TestPrintDevices(t *testing.T) {
	var out bytes.Buffer
	gpu := backends.GPUInfo{Available: true, Type: "cuda", DeviceName: "Tesla T4", DriverVer: "535.1", CUDAVersion: "12.2"}
	printDevices(&out, gpu, []backends.Backend{anyDeviceBackend{}}, backends.DeviceCUDA)

	assert.Contains(t, out.String(), "GPU: Tesla T4 (cuda)")
	assert.Contains(t, out.String(), "CUDA 12.2")
	assert.Contains(t, out.String(), "Selected device: cuda")
}

func TestFormatBytes(t *testing.T) {
	assert.Equal(t, "512 B", formatBytes(512))
	assert.Equal(t, "1.5 KiB", formatBytes(1536))
	assert.Equal(t, "335.0 MiB", formatBytes(335<<20))
}
