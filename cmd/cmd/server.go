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
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/antflydb/antfly-go/libaf/ai"
	"github.com/antflydb/antfly-go/libaf/embeddings"
	"github.com/antflydb/clipper"
	"github.com/bytedance/sonic/decoder"
	"github.com/bytedance/sonic/encoder"
	"go.uber.org/zap"
)

const (
	maxRequestBytes = 32 << 20
	maxInputs       = 256
)

// embedRequest is the body of POST /v1/embed.
type embedRequest struct {
	Input []embedInput `json:"input"`
}

// embedInput holds a caption or an image. Image is standard base64 or a
// data URI; MIMEType is sniffed when empty.
type embedInput struct {
	Text     string `json:"text,omitempty"`
	Image    string `json:"image,omitempty"`
	MIMEType string `json:"mime_type,omitempty"`
}

type embedResponse struct {
	Model      string      `json:"model"`
	Dimension  int         `json:"dimension"`
	Embeddings [][]float32 `json:"embeddings"`
}

type infoResponse struct {
	Model     string   `json:"model"`
	Device    string   `json:"device"`
	Dimension int      `json:"dimension"`
	MIMETypes []string `json:"mime_types"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// embedServer serves the HTTP embedding API.
type embedServer struct {
	embedder  embeddings.Embedder
	model     string
	device    string
	dimension int
	logger    *zap.Logger
}

func newEmbedServer(e embeddings.Embedder, model, device string, dimension int, logger *zap.Logger) *embedServer {
	return &embedServer{embedder: e, model: model, device: device, dimension: dimension, logger: logger}
}

func (s *embedServer) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/embed", s.handleEmbed)
	mux.HandleFunc("GET /v1/info", s.handleInfo)
	return mux
}

func (s *embedServer) handleEmbed(w http.ResponseWriter, r *http.Request) {
	defer func() { _ = r.Body.Close() }()

	var req embedRequest
	if err := decoder.NewStreamDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes)).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("decoding request: %w", err))
		return
	}
	contents, err := parseEmbedInput(req.Input)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := validateContentTypes(contents, s.embedder.Capabilities()); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}

	embeds, err := s.embedder.Embed(r.Context(), contents)
	if err != nil {
		s.writeError(w, statusFor(err), err)
		return
	}

	s.writeJSON(w, http.StatusOK, embedResponse{
		Model:      s.model,
		Dimension:  s.dimension,
		Embeddings: embeds,
	})
}

func (s *embedServer) handleInfo(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, infoResponse{
		Model:     s.model,
		Device:    s.device,
		Dimension: s.dimension,
		MIMETypes: getMIMETypeList(s.embedder.Capabilities()),
	})
}

// parseEmbedInput converts request items into content parts.
func parseEmbedInput(items []embedInput) ([][]ai.ContentPart, error) {
	if len(items) == 0 {
		return nil, errors.New("input must contain at least one item")
	}
	if len(items) > maxInputs {
		return nil, fmt.Errorf("too many inputs: %d (max %d)", len(items), maxInputs)
	}

	contents := make([][]ai.ContentPart, len(items))
	for i, item := range items {
		switch {
		case item.Text != "" && item.Image != "":
			return nil, fmt.Errorf("input %d has both text and image", i)
		case item.Text != "":
			contents[i] = []ai.ContentPart{ai.TextContent{Text: item.Text}}
		case item.Image != "":
			mimeType, data, err := decodeImage(item.Image, item.MIMEType)
			if err != nil {
				return nil, fmt.Errorf("input %d: %w", i, err)
			}
			contents[i] = []ai.ContentPart{ai.BinaryContent{MIMEType: mimeType, Data: data}}
		default:
			return nil, fmt.Errorf("input %d has neither text nor image", i)
		}
	}
	return contents, nil
}

// decodeImage accepts "data:<mime>;base64,<payload>" or bare base64.
func decodeImage(s, mimeType string) (string, []byte, error) {
	payload := s
	if rest, ok := strings.CutPrefix(s, "data:"); ok {
		meta, data, found := strings.Cut(rest, ",")
		if !found || !strings.HasSuffix(meta, ";base64") {
			return "", nil, errors.New("image data URI must be base64 encoded")
		}
		if mimeType == "" {
			mimeType = strings.TrimSuffix(meta, ";base64")
		}
		payload = data
	}

	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return "", nil, fmt.Errorf("decoding base64 image: %w", err)
	}
	if mimeType == "" {
		mimeType, _, _ = strings.Cut(http.DetectContentType(data), ";")
	}
	return mimeType, data, nil
}

// validateContentTypes checks every part against the embedder's capabilities.
func validateContentTypes(contents [][]ai.ContentPart, caps embeddings.EmbedderCapabilities) error {
	supported := make(map[string]bool)
	for _, m := range caps.SupportedMIMETypes {
		supported[m.MIMEType] = true
	}

	for i, parts := range contents {
		for _, part := range parts {
			switch p := part.(type) {
			case ai.TextContent:
				if !supported["text/plain"] {
					return fmt.Errorf("model does not support text input")
				}
			case ai.BinaryContent:
				if !supported[p.MIMEType] {
					return fmt.Errorf("unsupported MIME type at index %d: %s (model supports: %v)",
						i, p.MIMEType, getMIMETypeList(caps))
				}
			}
		}
	}
	return nil
}

func getMIMETypeList(caps embeddings.EmbedderCapabilities) []string {
	types := make([]string, len(caps.SupportedMIMETypes))
	for i, m := range caps.SupportedMIMETypes {
		types[i] = m.MIMEType
	}
	return types
}

// statusFor maps embedding errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, clipper.ErrDecode), errors.Is(err, clipper.ErrTokenization):
		return http.StatusBadRequest
	case errors.Is(err, clipper.ErrClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *embedServer) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := encoder.NewStreamEncoder(w).Encode(v); err != nil {
		s.logger.Error("encoding response", zap.Error(err))
	}
}

func (s *embedServer) writeError(w http.ResponseWriter, status int, err error) {
	if status >= http.StatusInternalServerError {
		s.logger.Error("Embedding request failed", zap.Error(err))
	} else {
		s.logger.Debug("Rejected embedding request", zap.Error(err))
	}
	s.writeJSON(w, status, errorResponse{Error: err.Error()})
}
