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
)

// Kind classifies the stage an error came from.
type Kind int

const (
	KindResolution Kind = iota + 1
	KindModelLoad
	KindDecode
	KindTokenization
	KindInference
	KindConstruction
)

func (k Kind) String() string {
	switch k {
	case KindResolution:
		return "resolution"
	case KindModelLoad:
		return "model load"
	case KindDecode:
		return "decode"
	case KindTokenization:
		return "tokenization"
	case KindInference:
		return "inference"
	case KindConstruction:
		return "construction"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Sentinels for errors.Is. An *Error matches the sentinel of its own kind and,
// through Unwrap, any kind it wraps.
var (
	ErrResolution   = errors.New("artifact resolution failed")
	ErrModelLoad    = errors.New("model load failed")
	ErrDecode       = errors.New("image decode failed")
	ErrTokenization = errors.New("tokenization failed")
	ErrInference    = errors.New("inference failed")
	ErrConstruction = errors.New("embedder construction failed")

	// ErrClosed is returned by calls made after Close.
	ErrClosed = errors.New("embedder is closed")
)

var kindSentinels = map[Kind]error{
	KindResolution:   ErrResolution,
	KindModelLoad:    ErrModelLoad,
	KindDecode:       ErrDecode,
	KindTokenization: ErrTokenization,
	KindInference:    ErrInference,
	KindConstruction: ErrConstruction,
}

// Error is returned by every Embedder operation.
type Error struct {
	Kind Kind
	// Op names the operation, e.g. "TextEmbedding" or "New".
	Op  string
	Err error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("clipper: %s: %s error", e.Op, e.Kind)
	}
	return fmt.Sprintf("clipper: %s: %s error: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches the sentinel for e.Kind.
func (e *Error) Is(target error) bool {
	sentinel, ok := kindSentinels[e.Kind]
	return ok && target == sentinel
}

func newError(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the kind of the outermost *Error in err's chain, or 0.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}
