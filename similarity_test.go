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
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCosineSimilarity(t *testing.T) {
	tests := []struct {
		name string
		a, b []float32
		want float32
	}{
		{name: "identical", a: []float32{1, 2, 3}, b: []float32{1, 2, 3}, want: 1},
		{name: "scaled", a: []float32{1, 2, 3}, b: []float32{2, 4, 6}, want: 1},
		{name: "orthogonal", a: []float32{1, 0}, b: []float32{0, 1}, want: 0},
		{name: "opposite", a: []float32{1, -1}, b: []float32{-1, 1}, want: -1},
		{name: "zero norm", a: []float32{0, 0, 0}, b: []float32{1, 2, 3}, want: 0},
		{name: "length mismatch", a: []float32{1, 2}, b: []float32{1, 2, 3}, want: 0},
		{name: "empty", a: nil, b: nil, want: 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, CosineSimilarity(tt.a, tt.b), 1e-6)
		})
	}
}

func TestSimilarityMatrix(t *testing.T) {
	rows := [][]float32{{1, 0}, {0, 1}}
	cols := [][]float32{{1, 0}, {1, 1}, {0, 2}}

	m := SimilarityMatrix(rows, cols)
	assert.Len(t, m, 2)
	assert.Len(t, m[0], 3)
	assert.InDelta(t, 1, m[0][0], 1e-6)
	assert.InDelta(t, 0.70710678, m[0][1], 1e-6)
	assert.InDelta(t, 1, m[1][2], 1e-6)
}
