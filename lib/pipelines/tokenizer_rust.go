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

//go:build onnx && ORT

package pipelines

import (
	"fmt"
	"os"

	"github.com/daulet/tokenizers"
	goTokenizers "github.com/gomlx/go-huggingface/tokenizers"
	"github.com/gomlx/go-huggingface/tokenizers/api"
)

// nativeTokenizer runs CLIP's byte-level BPE through the HuggingFace Rust
// library. Marker ids are looked up once when the tokenizer is loaded.
type nativeTokenizer struct {
	tk      *tokenizers.Tokenizer
	markers map[api.SpecialToken]int
}

var _ goTokenizers.Tokenizer = (*nativeTokenizer)(nil)

func loadRustTokenizer(tokenizerJSONPath string, config *api.Config) (goTokenizers.Tokenizer, error) {
	data, err := os.ReadFile(tokenizerJSONPath)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", tokenizerJSONPath, err)
	}
	tk, err := tokenizers.FromBytes(data)
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", tokenizerJSONPath, err)
	}

	t := &nativeTokenizer{tk: tk, markers: make(map[api.SpecialToken]int)}
	for token, text := range markerTokens(config) {
		enc := tk.EncodeWithOptions(text, false)
		if len(enc.IDs) != 1 {
			continue
		}
		t.markers[token] = int(enc.IDs[0])
	}
	for _, required := range []api.SpecialToken{api.TokBeginningOfSentence, api.TokEndOfSentence} {
		if _, ok := t.markers[required]; !ok {
			_ = tk.Close()
			return nil, fmt.Errorf("%s has no single-token %s marker", tokenizerJSONPath, required)
		}
	}
	return t, nil
}

// Encode runs the post-processor, which frames CLIP text with its markers.
func (t *nativeTokenizer) Encode(text string) []int {
	enc := t.tk.EncodeWithOptions(text, true)
	ids := make([]int, len(enc.IDs))
	for i, id := range enc.IDs {
		ids[i] = int(id)
	}
	return ids
}

func (t *nativeTokenizer) Decode(ids []int) string {
	raw := make([]uint32, len(ids))
	for i, id := range ids {
		raw[i] = uint32(id)
	}
	return t.tk.Decode(raw, true)
}

func (t *nativeTokenizer) SpecialTokenID(token api.SpecialToken) (int, error) {
	if id, ok := t.markers[token]; ok {
		return id, nil
	}
	return 0, fmt.Errorf("tokenizer has no %s marker", token)
}

func (t *nativeTokenizer) Close() error {
	return t.tk.Close()
}

// rustTokenizerAvailable is false when CLIPPER_TOKENIZER=go.
func rustTokenizerAvailable() bool {
	return os.Getenv("CLIPPER_TOKENIZER") != "go"
}
