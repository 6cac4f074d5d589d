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
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/gomlx/go-huggingface/tokenizers"
	"github.com/gomlx/go-huggingface/tokenizers/api"
)

var (
	// ErrEmptyText is returned for empty or whitespace-only captions.
	ErrEmptyText = errors.New("empty text")
	// ErrInvalidUTF8 is returned for captions that are not valid UTF-8.
	ErrInvalidUTF8 = errors.New("invalid UTF-8 text")
)

// CLIP vocabulary ids of the start and end markers, used when the tokenizer
// configuration does not name them.
const (
	clipStartOfText = 49406
	clipEndOfText   = 49407
)

// TextTensor is a tokenized caption padded to the context length.
type TextTensor struct {
	InputIDs      []int64
	AttentionMask []int64
	// Length counts real tokens, markers included.
	Length int
	// Truncated is set when the caption did not fit the context.
	Truncated bool
}

// Shape returns the batched tensor shape [1, contextLength].
func (t TextTensor) Shape() []int64 {
	return []int64{1, int64(len(t.InputIDs))}
}

// TextProcessor tokenizes captions into fixed-length id sequences.
// Safe for concurrent use when the tokenizer is.
type TextProcessor struct {
	tokenizer     tokenizers.Tokenizer
	contextLength int
	bos, eos, pad int64
}

// NewTextProcessor creates a TextProcessor. Marker ids come from the
// tokenizer's special tokens; pad falls back to the end marker.
func NewTextProcessor(tok tokenizers.Tokenizer, contextLength int) (*TextProcessor, error) {
	if tok == nil {
		return nil, fmt.Errorf("tokenizer is required")
	}
	if contextLength < 3 {
		return nil, fmt.Errorf("context length must be at least 3, got %d", contextLength)
	}

	p := &TextProcessor{
		tokenizer:     tok,
		contextLength: contextLength,
		bos:           specialTokenID(tok, api.TokBeginningOfSentence, clipStartOfText),
		eos:           specialTokenID(tok, api.TokEndOfSentence, clipEndOfText),
	}
	p.pad = specialTokenID(tok, api.TokPad, p.eos)
	if p.bos == p.eos {
		return nil, fmt.Errorf("start and end markers share id %d", p.bos)
	}
	return p, nil
}

func specialTokenID(tok tokenizers.Tokenizer, which api.SpecialToken, fallback int64) int64 {
	id, err := tok.SpecialTokenID(which)
	if err != nil || id < 0 {
		return fallback
	}
	return int64(id)
}

// ContextLength returns the fixed sequence length.
func (p *TextProcessor) ContextLength() int {
	return p.contextLength
}

// EndOfText returns the end marker id.
func (p *TextProcessor) EndOfText() int64 {
	return p.eos
}

// Process tokenizes text, guarantees the start marker first and the end
// marker last, truncates to the context length keeping the end marker, and
// pads the remainder with mask 0.
func (p *TextProcessor) Process(text string) (TextTensor, error) {
	if !utf8.ValidString(text) {
		return TextTensor{}, ErrInvalidUTF8
	}
	if strings.TrimSpace(text) == "" {
		return TextTensor{}, ErrEmptyText
	}

	encoded := p.tokenizer.Encode(text)
	ids := make([]int64, 0, len(encoded)+2)
	if len(encoded) == 0 || int64(encoded[0]) != p.bos {
		ids = append(ids, p.bos)
	}
	for _, id := range encoded {
		ids = append(ids, int64(id))
	}
	if ids[len(ids)-1] != p.eos {
		ids = append(ids, p.eos)
	}
	if len(ids) <= 2 {
		return TextTensor{}, fmt.Errorf("%w: no tokens in %q", ErrEmptyText, text)
	}

	truncated := false
	if len(ids) > p.contextLength {
		ids = ids[:p.contextLength]
		ids[p.contextLength-1] = p.eos
		truncated = true
	}

	inputIDs := make([]int64, p.contextLength)
	mask := make([]int64, p.contextLength)
	copy(inputIDs, ids)
	for i := range ids {
		mask[i] = 1
	}
	for i := len(ids); i < p.contextLength; i++ {
		inputIDs[i] = p.pad
	}

	return TextTensor{
		InputIDs:      inputIDs,
		AttentionMask: mask,
		Length:        len(ids),
		Truncated:     truncated,
	}, nil
}
