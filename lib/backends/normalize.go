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

package backends

import (
	"errors"
	"fmt"
	"math"

	"github.com/ajroetker/go-highway/hwy/contrib/vec"
)

// ErrDegenerateEmbedding is returned for vectors that cannot be normalized.
var ErrDegenerateEmbedding = errors.New("degenerate embedding")

// NormalizeL2 scales v to unit length in place.
// Vectors with non-finite components or zero norm are rejected.
func NormalizeL2(v []float32) error {
	if len(v) == 0 {
		return fmt.Errorf("%w: empty vector", ErrDegenerateEmbedding)
	}
	if i, ok := IsFinite(v); !ok {
		return fmt.Errorf("%w: non-finite value at index %d", ErrDegenerateEmbedding, i)
	}
	var sumSq float64
	for _, x := range v {
		sumSq += float64(x) * float64(x)
	}
	if sumSq == 0 {
		return fmt.Errorf("%w: zero norm", ErrDegenerateEmbedding)
	}
	vec.Normalize(v)
	return nil
}

// IsFinite reports whether every element is finite. On failure it also
// returns the index of the first NaN or Inf.
func IsFinite(v []float32) (int, bool) {
	for i, x := range v {
		f := float64(x)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return i, false
		}
	}
	return -1, true
}

// EOSIndex returns the position CLIP pools text features from: the first
// occurrence of the largest token id, which is the end-of-text token.
func EOSIndex(inputIDs []int64) int {
	best := 0
	for i, id := range inputIDs {
		if id > inputIDs[best] {
			best = i
		}
	}
	return best
}

// PoolEOS extracts the hidden state at the end-of-text token from a
// [1, seqLen, hidden] tensor flattened row-major.
func PoolEOS(hidden []float32, inputIDs []int64, hiddenSize int) ([]float32, error) {
	seqLen := len(inputIDs)
	if hiddenSize <= 0 || len(hidden) != seqLen*hiddenSize {
		return nil, fmt.Errorf("hidden state has %d values, want %d x %d", len(hidden), seqLen, hiddenSize)
	}
	idx := EOSIndex(inputIDs)
	out := make([]float32, hiddenSize)
	copy(out, hidden[idx*hiddenSize:(idx+1)*hiddenSize])
	return out, nil
}
