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
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeL2(t *testing.T) {
	v := []float32{3, 4}
	require.NoError(t, NormalizeL2(v))
	assert.InDelta(t, 0.6, v[0], 1e-6)
	assert.InDelta(t, 0.8, v[1], 1e-6)

	long := make([]float32, 512)
	for i := range long {
		long[i] = float32(i%7) - 3
	}
	require.NoError(t, NormalizeL2(long))
	var sum float64
	for _, x := range long {
		sum += float64(x) * float64(x)
	}
	assert.InDelta(t, 1.0, math.Sqrt(sum), 1e-4)
}

func TestNormalizeL2Degenerate(t *testing.T) {
	nan := float32(math.NaN())
	inf := float32(math.Inf(1))

	for name, v := range map[string][]float32{
		"empty": {},
		"zero":  {0, 0, 0},
		"nan":   {1, nan, 2},
		"inf":   {inf, 1},
	} {
		t.Run(name, func(t *testing.T) {
			err := NormalizeL2(v)
			require.ErrorIs(t, err, ErrDegenerateEmbedding)
		})
	}
}

func TestIsFinite(t *testing.T) {
	idx, ok := IsFinite([]float32{1, 2, float32(math.NaN())})
	assert.False(t, ok)
	assert.Equal(t, 2, idx)

	_, ok = IsFinite([]float32{1, 2, 3})
	assert.True(t, ok)
}

func TestPoolEOS(t *testing.T) {
	// bos, "a", eos, pad(eos), pad(eos)
	ids := []int64{49406, 320, 49407, 49407, 49407}
	hidden := make([]float32, len(ids)*2)
	for i := range ids {
		hidden[i*2] = float32(i)
		hidden[i*2+1] = float32(i) * 10
	}

	assert.Equal(t, 2, EOSIndex(ids), "first end-of-text token wins")

	pooled, err := PoolEOS(hidden, ids, 2)
	require.NoError(t, err)
	assert.Equal(t, []float32{2, 20}, pooled)

	_, err = PoolEOS(hidden[:3], ids, 2)
	require.Error(t, err)
}
