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
	"encoding/base64"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/antflydb/antfly-go/libaf/ai"
	"github.com/antflydb/antfly-go/libaf/embeddings"
	"github.com/antflydb/clipper"
	"github.com/bytedance/sonic"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// stubEmbedder returns [len(text)] or [len(data), 1] per item.
type stubEmbedder struct {
	err      error
	received [][]ai.ContentPart
}

func (s *stubEmbedder) Capabilities() embeddings.EmbedderCapabilities {
	return embeddings.EmbedderCapabilities{SupportedMIMETypes: []embeddings.MIMETypeSupport{
		{MIMEType: "text/plain"},
		{MIMEType: "image/png"},
		{MIMEType: "image/jpeg"},
	}}
}

func (s *stubEmbedder) Embed(_ context.Context, contents [][]ai.ContentPart) ([][]float32, error) {
	s.received = contents
	if s.err != nil {
		return nil, s.err
	}
	out := make([][]float32, len(contents))
	for i, parts := range contents {
		switch p := parts[0].(type) {
		case ai.TextContent:
			out[i] = []float32{float32(len(p.Text))}
		case ai.BinaryContent:
			out[i] = []float32{float32(len(p.Data)), 1}
		}
	}
	return out, nil
}

func newTestServer(t *testing.T, e embeddings.Embedder) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(newEmbedServer(e, "acme/clip@main", "cpu", 512, zaptest.NewLogger(t)).routes())
	t.Cleanup(srv.Close)
	return srv
}

func postEmbed(t *testing.T, url, body string) (int, map[string]any) {
	t.Helper()
	resp, err := http.Post(url+"/v1/embed", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()

	var buf bytes.Buffer
	_, err = buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	var out map[string]any
	require.NoError(t, sonic.Unmarshal(buf.Bytes(), &out), buf.String())
	return resp.StatusCode, out
}

// pngHeader is enough for content sniffing.
var pngHeader = []byte("\x89PNG\r\n\x1a\n0000")

func TestServerEmbedsTextAndImages(t *testing.T) {
	stub := &stubEmbedder{}
	srv := newTestServer(t, stub)

	img := base64.StdEncoding.EncodeToString(pngHeader)
	body := fmt.Sprintf(`{"input": [{"text": "a cat"}, {"image": %q}, {"image": "data:image/jpeg;base64,%s"}]}`, img, img)

	status, out := postEmbed(t, srv.URL, body)
	require.Equal(t, http.StatusOK, status, out)
	assert.Equal(t, "acme/clip@main", out["model"])
	assert.EqualValues(t, 512, out["dimension"])
	assert.Len(t, out["embeddings"], 3)

	require.Len(t, stub.received, 3)
	assert.Equal(t, ai.TextContent{Text: "a cat"}, stub.received[0][0])
	assert.Equal(t, "image/png", stub.received[1][0].(ai.BinaryContent).MIMEType, "sniffed")
	assert.Equal(t, "image/jpeg", stub.received[2][0].(ai.BinaryContent).MIMEType, "from data URI")
	assert.Equal(t, pngHeader, stub.received[2][0].(ai.BinaryContent).Data)
}

func TestServerRejectsBadRequests(t *testing.T) {
	srv := newTestServer(t, &stubEmbedder{})

	tests := []struct {
		name string
		body string
	}{
		{name: "not json", body: "nope"},
		{name: "empty input", body: `{"input": []}`},
		{name: "empty item", body: `{"input": [{}]}`},
		{name: "text and image", body: `{"input": [{"text": "a", "image": "AAAA"}]}`},
		{name: "bad base64", body: `{"input": [{"image": "!!!"}]}`},
		{name: "unsupported mime", body: `{"input": [{"image": "AAAA", "mime_type": "audio/wav"}]}`},
		{name: "data uri without base64", body: `{"input": [{"image": "data:image/png,abc"}]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, out := postEmbed(t, srv.URL, tt.body)
			assert.Equal(t, http.StatusBadRequest, status)
			assert.NotEmpty(t, out["error"])
		})
	}
}

func TestServerMapsEmbedderErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{name: "tokenization", err: &clipper.Error{Kind: clipper.KindTokenization, Op: "TextEmbedding"}, want: http.StatusBadRequest},
		{name: "decode", err: fmt.Errorf("item 0: %w", &clipper.Error{Kind: clipper.KindDecode}), want: http.StatusBadRequest},
		{name: "inference", err: &clipper.Error{Kind: clipper.KindInference}, want: http.StatusInternalServerError},
		{name: "closed", err: &clipper.Error{Kind: clipper.KindInference, Err: clipper.ErrClosed}, want: http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newTestServer(t, &stubEmbedder{err: tt.err})
			status, out := postEmbed(t, srv.URL, `{"input": [{"text": "a cat"}]}`)
			assert.Equal(t, tt.want, status)
			assert.NotEmpty(t, out["error"])
		})
	}
}

func TestServerInfo(t *testing.T) {
	srv := newTestServer(t, &stubEmbedder{})

	resp, err := http.Get(srv.URL + "/v1/info")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var info infoResponse
	var buf bytes.Buffer
	_, err = buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	require.NoError(t, sonic.Unmarshal(buf.Bytes(), &info))
	assert.Equal(t, "cpu", info.Device)
	assert.Contains(t, info.MIMETypes, "image/png")
}

func TestServerRejectsWrongMethod(t *testing.T) {
	srv := newTestServer(t, &stubEmbedder{})
	resp, err := http.Get(srv.URL + "/v1/embed")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}
