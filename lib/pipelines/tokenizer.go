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

package pipelines

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/bytedance/sonic"
	esentencepiece "github.com/eliben/go-sentencepiece"
	"github.com/gomlx/go-huggingface/tokenizers"
	"github.com/gomlx/go-huggingface/tokenizers/api"
	"github.com/gomlx/go-huggingface/tokenizers/hftokenizer"
)

// LoadTokenizer loads a tokenizer from a model directory or from a
// tokenizer.json file. tokenizer_config.json next to it supplies the special
// tokens. Builds with the onnx,ORT tags use the Rust tokenizer unless
// CLIPPER_TOKENIZER=go; other builds use the pure Go one.
func LoadTokenizer(path string) (tokenizers.Tokenizer, error) {
	dir := path
	tokenizerJSONPath := filepath.Join(path, "tokenizer.json")
	if info, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("tokenizer path: %w", err)
	} else if !info.IsDir() {
		dir = filepath.Dir(path)
		tokenizerJSONPath = path
	}

	var config *api.Config
	configPath := filepath.Join(dir, "tokenizer_config.json")
	if _, err := os.Stat(configPath); err == nil {
		normalizedContent, err := normalizeTokenizerConfig(configPath)
		if err != nil {
			return nil, fmt.Errorf("normalizing tokenizer config: %w", err)
		}
		config, err = api.ParseConfigContent(normalizedContent)
		if err != nil {
			return nil, fmt.Errorf("parsing tokenizer config: %w", err)
		}
		config.ConfigFile = configPath
	}

	if _, err := os.Stat(tokenizerJSONPath); err == nil {
		if rustTokenizerAvailable() {
			if tok, err := loadRustTokenizer(tokenizerJSONPath, config); err == nil && tok != nil {
				return tok, nil
			}
		}

		tok, err := hftokenizer.NewFromFile(config, tokenizerJSONPath)
		if err != nil {
			return nil, fmt.Errorf("loading tokenizer.json: %w", err)
		}
		return tok, nil
	}

	spModelPath := filepath.Join(dir, "tokenizer.model")
	if _, err := os.Stat(spModelPath); err == nil {
		proc, err := esentencepiece.NewProcessorFromPath(spModelPath)
		if err != nil {
			return nil, fmt.Errorf("loading tokenizer.model: %w", err)
		}
		return &sentencepieceTokenizer{
			Processor: proc,
			Info:      proc.ModelInfo(),
		}, nil
	}

	return nil, fmt.Errorf("no tokenizer found in %s (expected tokenizer.json or tokenizer.model)", dir)
}

// sentencepieceTokenizer wraps esentencepiece.Processor to implement tokenizers.Tokenizer.
type sentencepieceTokenizer struct {
	*esentencepiece.Processor
	Info *esentencepiece.ModelInfo
}

var _ tokenizers.Tokenizer = (*sentencepieceTokenizer)(nil)

func (t *sentencepieceTokenizer) Encode(text string) []int {
	tokens := t.Processor.Encode(text)
	result := make([]int, len(tokens))
	for i, tok := range tokens {
		result[i] = tok.ID
	}
	return result
}

func (t *sentencepieceTokenizer) Decode(ids []int) string {
	return t.Processor.Decode(ids)
}

func (t *sentencepieceTokenizer) SpecialTokenID(token api.SpecialToken) (int, error) {
	switch token {
	case api.TokUnknown:
		return t.Info.UnknownID, nil
	case api.TokPad:
		return t.Info.PadID, nil
	case api.TokBeginningOfSentence:
		return t.Info.BeginningOfSentenceID, nil
	case api.TokEndOfSentence:
		return t.Info.EndOfSentenceID, nil
	default:
		return 0, fmt.Errorf("unknown special token: %s (%d)", token, int(token))
	}
}

// CLIP text markers, used when tokenizer_config.json does not name them.
const (
	clipStartMarker = "<|startoftext|>"
	clipEndMarker   = "<|endoftext|>"
)

// markerTokens returns the text of each special token the tokenizer must
// resolve. Padding falls back to the end marker, as CLIP pads with it.
func markerTokens(config *api.Config) map[api.SpecialToken]string {
	markers := map[api.SpecialToken]string{
		api.TokBeginningOfSentence: clipStartMarker,
		api.TokEndOfSentence:       clipEndMarker,
		api.TokPad:                 clipEndMarker,
	}
	if config == nil {
		return markers
	}
	if config.BosToken != "" {
		markers[api.TokBeginningOfSentence] = config.BosToken
	}
	if config.EosToken != "" {
		markers[api.TokEndOfSentence] = config.EosToken
		markers[api.TokPad] = config.EosToken
	}
	if config.PadToken != "" {
		markers[api.TokPad] = config.PadToken
	}
	if config.UnkToken != "" {
		markers[api.TokUnknown] = config.UnkToken
	}
	return markers
}

// CloseTokenizer releases tokenizers that hold native resources.
func CloseTokenizer(tok tokenizers.Tokenizer) error {
	if c, ok := tok.(interface{ Close() error }); ok {
		return c.Close()
	}
	return nil
}

// normalizeTokenizerConfig flattens HuggingFace AddedToken objects
// ({"__type": "AddedToken", "content": "<|endoftext|>"}) to plain strings.
func normalizeTokenizerConfig(configPath string) ([]byte, error) {
	content, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var raw map[string]any
	if err := sonic.Unmarshal(content, &raw); err != nil {
		return nil, fmt.Errorf("parsing config JSON: %w", err)
	}

	for _, field := range []string{
		"bos_token", "eos_token", "pad_token", "unk_token",
		"cls_token", "sep_token", "mask_token",
	} {
		if val, ok := raw[field]; ok {
			raw[field] = extractTokenContent(val)
		}
	}

	return sonic.Marshal(raw)
}

func extractTokenContent(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case map[string]any:
		if content, ok := val["content"].(string); ok {
			return content
		}
	}
	return ""
}
