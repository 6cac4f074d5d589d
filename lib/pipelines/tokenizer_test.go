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
	"os"
	"path/filepath"
	"testing"

	"github.com/bytedance/sonic"
	"github.com/gomlx/go-huggingface/tokenizers/api"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeTokenizerConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tokenizer_config.json")
	content := `{
		"bos_token": {"__type": "AddedToken", "content": "<|startoftext|>", "lstrip": false},
		"eos_token": "<|endoftext|>",
		"pad_token": "<|endoftext|>",
		"model_max_length": 77
	}`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	out, err := normalizeTokenizerConfig(path)
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, sonic.Unmarshal(out, &got))
	assert.Equal(t, "<|startoftext|>", got["bos_token"])
	assert.Equal(t, "<|endoftext|>", got["eos_token"])
	assert.EqualValues(t, 77, got["model_max_length"])
}

func TestMarkerTokens(t *testing.T) {
	tests := []struct {
		name   string
		config *api.Config
		want   map[api.SpecialToken]string
	}{
		{
			name: "no config uses CLIP markers",
			want: map[api.SpecialToken]string{
				api.TokBeginningOfSentence: "<|startoftext|>",
				api.TokEndOfSentence:       "<|endoftext|>",
				api.TokPad:                 "<|endoftext|>",
			},
		},
		{
			name:   "pad follows eos",
			config: &api.Config{BosToken: "<s>", EosToken: "</s>", UnkToken: "<unk>"},
			want: map[api.SpecialToken]string{
				api.TokBeginningOfSentence: "<s>",
				api.TokEndOfSentence:       "</s>",
				api.TokPad:                 "</s>",
				api.TokUnknown:             "<unk>",
			},
		},
		{
			name:   "explicit pad",
			config: &api.Config{PadToken: "!"},
			want: map[api.SpecialToken]string{
				api.TokBeginningOfSentence: "<|startoftext|>",
				api.TokEndOfSentence:       "<|endoftext|>",
				api.TokPad:                 "!",
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, markerTokens(tt.config))
		})
	}
}

func TestLoadTokenizerMissing(t *testing.T) {
	_, err := LoadTokenizer(filepath.Join(t.TempDir(), "nope"))
	require.Error(t, err)

	_, err = LoadTokenizer(t.TempDir())
	require.Error(t, err)
}

func TestFindONNXFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "onnx"), 0755))
	visual := filepath.Join(dir, "onnx", "visual_model.onnx")
	require.NoError(t, os.WriteFile(visual, nil, 0644))

	assert.Equal(t, visual, FindONNXFile(dir, VisionModelCandidates))
	assert.Empty(t, FindONNXFile(dir, TextModelCandidates))

	text := filepath.Join(dir, "text_model.onnx")
	require.NoError(t, os.WriteFile(text, nil, 0644))
	assert.Equal(t, text, FindONNXFile(dir, TextModelCandidates))
}
