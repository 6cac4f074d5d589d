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
	"fmt"
	"strings"

	"github.com/antflydb/antfly-go/libaf/ai"
	"github.com/antflydb/antfly-go/libaf/embeddings"
)

var _ embeddings.Embedder = (*MultimodalEmbedder)(nil)

// MultimodalEmbedder exposes an Embedder through the libaf embeddings
// interface. Each item must hold a text part or an image part; the first
// usable part wins.
type MultimodalEmbedder struct {
	embedder *Embedder
	caps     embeddings.EmbedderCapabilities
}

// NewMultimodalEmbedder wraps e. Closing the adapter closes e.
func NewMultimodalEmbedder(e *Embedder) *MultimodalEmbedder {
	return &MultimodalEmbedder{
		embedder: e,
		caps: embeddings.EmbedderCapabilities{
			SupportedMIMETypes: []embeddings.MIMETypeSupport{
				{MIMEType: "text/plain"},
				{MIMEType: "image/jpeg"},
				{MIMEType: "image/png"},
				{MIMEType: "image/gif"},
				{MIMEType: "image/bmp"},
				{MIMEType: "image/tiff"},
				{MIMEType: "image/webp"},
				{MIMEType: "image/*"},
			},
		},
	}
}

// Capabilities returns the accepted MIME types.
func (m *MultimodalEmbedder) Capabilities() embeddings.EmbedderCapabilities {
	return m.caps
}

// Embed returns one normalized vector per item, in order.
func (m *MultimodalEmbedder) Embed(ctx context.Context, contents [][]ai.ContentPart) ([][]float32, error) {
	results := make([][]float32, len(contents))
	for i, parts := range contents {
		text, data, err := extractContent(parts)
		if err != nil {
			return nil, fmt.Errorf("extracting content at index %d: %w", i, err)
		}

		var vec []float32
		switch {
		case text != "":
			vec, err = m.embedder.TextEmbedding(ctx, text)
		case data != nil:
			vec, err = m.embedder.ImageEmbeddingFromBytes(ctx, data)
		default:
			return nil, fmt.Errorf("no text or image content found at index %d", i)
		}
		if err != nil {
			return nil, fmt.Errorf("embedding item %d: %w", i, err)
		}
		results[i] = vec
	}
	return results, nil
}

// Dimension returns the embedding length.
func (m *MultimodalEmbedder) Dimension() int {
	return m.embedder.Dimension()
}

// Close closes the wrapped Embedder.
func (m *MultimodalEmbedder) Close() error {
	return m.embedder.Close()
}

func extractContent(parts []ai.ContentPart) (string, []byte, error) {
	for _, part := range parts {
		switch c := part.(type) {
		case ai.TextContent:
			if c.Text != "" {
				return c.Text, nil, nil
			}
		case ai.BinaryContent:
			if !isImageMIME(c.MIMEType) {
				return "", nil, fmt.Errorf("unsupported MIME type %q", c.MIMEType)
			}
			if len(c.Data) > 0 {
				return "", c.Data, nil
			}
		}
	}
	return "", nil, nil
}

func isImageMIME(mimeType string) bool {
	return strings.HasPrefix(mimeType, "image/")
}
