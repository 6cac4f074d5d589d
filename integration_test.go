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
	"context"
	"image/color"
	"testing"
	"time"

	"github.com/antflydb/clipper/lib/modelregistry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// requireCachedModel skips unless the default model is already in the hub
// cache, so the test never downloads.
func requireCachedModel(t *testing.T) {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping model test in short mode")
	}
	ref := modelregistry.DefaultModelRef()
	for _, f := range modelregistry.RequiredFiles {
		if _, ok := modelregistry.CachedFile(modelregistry.DefaultCacheDir(), ref, f); !ok {
			t.Skipf("%s not cached; run 'clipper pull' first", ref)
		}
	}
}

func TestCrossModalSimilarity(t *testing.T) {
	requireCachedModel(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	e, err := New(ctx, Options{UseCPU: true, Logger: zaptest.NewLogger(t)})
	require.NoError(t, err)
	defer e.Close()
	require.Equal(t, 512, e.Dimension())

	red, err := e.ImageEmbeddingFromImage(ctx, solidImage(color.RGBA{230, 20, 20, 255}))
	require.NoError(t, err)
	assert.InDelta(t, 1.0, l2Norm(red), 1e-3)

	redText, err := e.TextEmbedding(ctx, "a plain red image")
	require.NoError(t, err)
	blueText, err := e.TextEmbedding(ctx, "a plain blue image")
	require.NoError(t, err)

	assert.Greater(t, CosineSimilarity(red, redText), CosineSimilarity(red, blueText))

	again, err := e.ImageEmbeddingFromBytes(ctx, encodePNG(t, solidImage(color.RGBA{230, 20, 20, 255})))
	require.NoError(t, err)
	assert.Greater(t, CosineSimilarity(red, again), float32(0.999))
}
