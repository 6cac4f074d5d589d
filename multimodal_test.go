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

	"github.com/antflydb/antfly-go/libaf/ai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMultimodalEmbedder(t *testing.T) {
	e := newLocalEmbedder(t, newFakeBackend())
	m := NewMultimodalEmbedder(e)
	ctx := context.Background()

	png := encodePNG(t, solidImage(color.RGBA{0, 200, 0, 255}))
	got, err := m.Embed(ctx, [][]ai.ContentPart{
		{ai.TextContent{Text: "a green square"}},
		{ai.BinaryContent{MIMEType: "image/png", Data: png}},
		{ai.TextContent{Text: ""}, ai.TextContent{Text: "second part wins"}},
	})
	require.NoError(t, err)
	require.Len(t, got, 3)

	wantText, err := e.TextEmbedding(ctx, "a green square")
	require.NoError(t, err)
	wantImage, err := e.ImageEmbeddingFromBytes(ctx, png)
	require.NoError(t, err)
	assert.Equal(t, wantText, got[0])
	assert.Equal(t, wantImage, got[1])
	assert.Len(t, got[2], m.Dimension())
}

func TestMultimodalEmbedderRejectsBadItems(t *testing.T) {
	m := NewMultimodalEmbedder(newLocalEmbedder(t, newFakeBackend()))
	ctx := context.Background()

	tests := []struct {
		name  string
		items [][]ai.ContentPart
	}{
		{name: "empty item", items: [][]ai.ContentPart{{}}},
		{name: "audio", items: [][]ai.ContentPart{{ai.BinaryContent{MIMEType: "audio/wav", Data: []byte("RIFF")}}}},
		{name: "corrupt image", items: [][]ai.ContentPart{{ai.BinaryContent{MIMEType: "image/png", Data: []byte("nope")}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := m.Embed(ctx, tt.items)
			assert.Error(t, err)
		})
	}

	_, err := m.Embed(ctx, [][]ai.ContentPart{{ai.BinaryContent{MIMEType: "image/png", Data: []byte("nope")}}})
	assert.ErrorIs(t, err, ErrDecode)
}

func TestMultimodalCapabilities(t *testing.T) {
	m := NewMultimodalEmbedder(newLocalEmbedder(t, newFakeBackend()))
	var types []string
	for _, s := range m.Capabilities().SupportedMIMETypes {
		types = append(types, s.MIMEType)
	}
	assert.Contains(t, types, "text/plain")
	assert.Contains(t, types, "image/png")
	assert.Contains(t, types, "image/jpeg")
}
