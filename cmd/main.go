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

// Command clipper computes CLIP image and text embeddings.
//
// Usage:
//
//	clipper embed --images cat.jpg --sequences "a cat,a dog"   # Embed and compare
//	clipper pull [owner/name[@revision]]                       # Prefetch model files
//	clipper devices                                            # Show device selection
//	clipper serve                                              # Start the HTTP API
package main

import (
	"io"

	json "github.com/antflydb/antfly-go/libaf/json"
	"github.com/antflydb/clipper/cmd/cmd"
	gojson "github.com/goccy/go-json"
)

func init() {
	// Configure the JSON wrapper to use goccy/go-json for performance
	json.SetConfig(json.Config{
		Marshal:   gojson.Marshal,
		Unmarshal: gojson.Unmarshal,
		MarshalString: func(v any) (string, error) {
			data, err := gojson.Marshal(v)
			if err != nil {
				return "", err
			}
			return string(data), nil
		},
		UnmarshalString: func(s string, v any) error {
			return gojson.Unmarshal([]byte(s), v)
		},
		NewEncoder: func(w io.Writer) json.Encoder {
			return gojson.NewEncoder(w)
		},
		NewDecoder: func(r io.Reader) json.Decoder {
			return gojson.NewDecoder(r)
		},
	})
}

// main.version is set by GoReleaser from the current git tag.
var version = "dev"

func main() {
	cmd.Version = version
	cmd.Execute()
}
