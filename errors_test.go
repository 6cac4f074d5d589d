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
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorKinds(t *testing.T) {
	cause := errors.New("boom")
	stage := newError(KindResolution, "New", cause)
	outer := newError(KindConstruction, "New", stage)

	assert.ErrorIs(t, outer, ErrConstruction)
	assert.ErrorIs(t, outer, ErrResolution)
	assert.ErrorIs(t, outer, cause)
	assert.NotErrorIs(t, outer, ErrInference)
	assert.Equal(t, KindConstruction, KindOf(outer))
	assert.Equal(t, KindResolution, KindOf(stage))
	assert.Equal(t, Kind(0), KindOf(cause))
	assert.Equal(t, KindConstruction, KindOf(fmt.Errorf("wrapped: %w", outer)))

	assert.Contains(t, outer.Error(), "construction error")
	assert.Contains(t, outer.Error(), "boom")
}

func TestKindString(t *testing.T) {
	for k, want := range map[Kind]string{
		KindResolution:   "resolution",
		KindModelLoad:    "model load",
		KindDecode:       "decode",
		KindTokenization: "tokenization",
		KindInference:    "inference",
		KindConstruction: "construction",
		Kind(99):         "Kind(99)",
	} {
		assert.Equal(t, want, k.String())
	}
}
