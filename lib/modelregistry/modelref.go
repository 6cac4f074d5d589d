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

// Package modelregistry resolves CLIP model artifacts to local files,
// downloading them from the HuggingFace Hub into the shared hub cache.
package modelregistry

import (
	"fmt"
	"path/filepath"
	"strings"
)

const (
	// DefaultOwner and DefaultName identify the ONNX export of ViT-B/32.
	DefaultOwner = "Xenova"
	DefaultName  = "clip-vit-base-patch32"
	// DefaultRevision is the branch resolved when a reference names none.
	DefaultRevision = "main"
)

// Files of a CLIP export, relative to the repository root.
const (
	VisionModelFile     = "onnx/vision_model.onnx"
	TextModelFile       = "onnx/text_model.onnx"
	TokenizerFile       = "tokenizer.json"
	TokenizerConfigFile = "tokenizer_config.json"
	ConfigFile          = "config.json"
	PreprocessorFile    = "preprocessor_config.json"
)

// RequiredFiles must exist for a model to load.
var RequiredFiles = []string{VisionModelFile, TextModelFile, TokenizerFile}

// OptionalFiles improve fidelity when present; a 404 is tolerated.
var OptionalFiles = []string{TokenizerConfigFile, ConfigFile, PreprocessorFile}

// ModelRef identifies a repository on the HuggingFace Hub.
type ModelRef struct {
	// Owner is the namespace/organization (e.g., "Xenova", "openai")
	Owner string
	// Name is the repository name (e.g., "clip-vit-base-patch32")
	Name string
	// Revision is a branch, tag or commit hash. Empty means DefaultRevision.
	Revision string
}

// DefaultModelRef returns the reference of the default CLIP model.
func DefaultModelRef() ModelRef {
	return ModelRef{Owner: DefaultOwner, Name: DefaultName, Revision: DefaultRevision}
}

// RepoID returns "owner/name" format (e.g., "Xenova/clip-vit-base-patch32")
func (r ModelRef) RepoID() string {
	if r.Owner == "" {
		return r.Name
	}
	return r.Owner + "/" + r.Name
}

// Rev returns the revision, defaulting to DefaultRevision.
func (r ModelRef) Rev() string {
	if r.Revision == "" {
		return DefaultRevision
	}
	return r.Revision
}

// DirPath returns the owner/name path used for flattened model directories.
func (r ModelRef) DirPath() string {
	if r.Owner == "" {
		return r.Name
	}
	return filepath.Join(r.Owner, r.Name)
}

// String returns "owner/name@revision".
func (r ModelRef) String() string {
	return r.RepoID() + "@" + r.Rev()
}

// Validate checks that the reference names a repository.
func (r ModelRef) Validate() error {
	if r.Owner == "" || r.Name == "" {
		return fmt.Errorf("model reference must be owner/name, got %q", r.RepoID())
	}
	if strings.ContainsAny(r.Owner+r.Name, " \t\n:@") {
		return fmt.Errorf("model reference %q contains invalid characters", r.RepoID())
	}
	return nil
}

// ParseModelRef parses model references:
//
//	"Xenova/clip-vit-base-patch32"            -> revision main
//	"openai/clip-vit-base-patch32@refs/pr/15" -> explicit revision
//	"hf:Xenova/clip-vit-base-patch32"         -> optional hub prefix
func ParseModelRef(ref string) (ModelRef, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return ModelRef{}, fmt.Errorf("empty model reference")
	}
	ref = strings.TrimPrefix(ref, "hf:")

	result := ModelRef{}
	if idx := strings.Index(ref, "@"); idx != -1 {
		result.Revision = ref[idx+1:]
		ref = ref[:idx]
		if result.Revision == "" {
			return ModelRef{}, fmt.Errorf("model reference has empty revision")
		}
	}

	owner, name, ok := strings.Cut(ref, "/")
	if !ok {
		return ModelRef{}, fmt.Errorf("model reference %q must be owner/name", ref)
	}
	result.Owner = owner
	result.Name = name
	if err := result.Validate(); err != nil {
		return ModelRef{}, err
	}
	return result, nil
}

// MustParseModelRef parses a model reference or panics
func MustParseModelRef(ref string) ModelRef {
	r, err := ParseModelRef(ref)
	if err != nil {
		panic(err)
	}
	return r
}
