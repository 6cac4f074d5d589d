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

package clip

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/bytedance/sonic"
)

// ErrConfigMismatch is returned when config.json describes a different
// architecture than the one expected.
var ErrConfigMismatch = errors.New("model config mismatch")

// Config holds the architecture constants the pipeline depends on.
type Config struct {
	// EmbedDim is the dimension of the joint embedding space.
	EmbedDim int
	// ImageSize is the square input resolution of the vision tower.
	ImageSize int
	// PatchSize is the ViT patch edge; ImageSize must be a multiple of it.
	PatchSize int
	// ContextLength is the number of text positions.
	ContextLength int
}

// ViTB32 returns the configuration of CLIP ViT-B/32.
func ViTB32() Config {
	return Config{
		EmbedDim:      512,
		ImageSize:     224,
		PatchSize:     32,
		ContextLength: 77,
	}
}

// Validate checks internal consistency.
func (c Config) Validate() error {
	if c.EmbedDim <= 0 || c.ImageSize <= 0 || c.PatchSize <= 0 || c.ContextLength <= 0 {
		return fmt.Errorf("%w: non-positive dimension in %+v", ErrConfigMismatch, c)
	}
	if c.ImageSize%c.PatchSize != 0 {
		return fmt.Errorf("%w: image size %d not divisible by patch size %d",
			ErrConfigMismatch, c.ImageSize, c.PatchSize)
	}
	return nil
}

// rawConfig represents the CLIP fields of config.json.
type rawConfig struct {
	ProjectionDim int `json:"projection_dim"`
	VisionConfig  struct {
		ImageSize int `json:"image_size"`
		PatchSize int `json:"patch_size"`
	} `json:"vision_config"`
	TextConfig struct {
		MaxPositionEmbeddings int `json:"max_position_embeddings"`
	} `json:"text_config"`
}

// LoadConfig reads config.json from dir, filling fields it omits from base.
// found is false when the file does not exist.
func LoadConfig(dir string, base Config) (cfg Config, found bool, err error) {
	data, err := os.ReadFile(filepath.Join(dir, "config.json"))
	if os.IsNotExist(err) {
		return base, false, nil
	}
	if err != nil {
		return base, false, fmt.Errorf("reading config.json: %w", err)
	}

	var raw rawConfig
	if err := sonic.Unmarshal(data, &raw); err != nil {
		return base, true, fmt.Errorf("parsing config.json: %w", err)
	}

	cfg = base
	if raw.ProjectionDim > 0 {
		cfg.EmbedDim = raw.ProjectionDim
	}
	if raw.VisionConfig.ImageSize > 0 {
		cfg.ImageSize = raw.VisionConfig.ImageSize
	}
	if raw.VisionConfig.PatchSize > 0 {
		cfg.PatchSize = raw.VisionConfig.PatchSize
	}
	if raw.TextConfig.MaxPositionEmbeddings > 0 {
		cfg.ContextLength = raw.TextConfig.MaxPositionEmbeddings
	}
	return cfg, true, cfg.Validate()
}
