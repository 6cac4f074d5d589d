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

// Package pipelines turns raw images and captions into the fixed-shape
// tensors the CLIP towers consume.
package pipelines

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/bytedance/sonic"
)

// CLIP normalization statistics (OpenAI training set).
var (
	CLIPMean = [3]float32{0.48145466, 0.4578275, 0.40821073}
	CLIPStd  = [3]float32{0.26862954, 0.26130258, 0.27577711}
)

const (
	// DefaultImageSize is the ViT-B/32 input resolution.
	DefaultImageSize = 224
	// DefaultContextLength is the CLIP text context length.
	DefaultContextLength = 77
)

// ImageConfig holds image preprocessing parameters.
type ImageConfig struct {
	// Size is the square target resolution.
	Size int
	// Mean is the per-channel mean for normalization.
	Mean [3]float32
	// Std is the per-channel standard deviation for normalization.
	Std [3]float32
	// RescaleFactor scales pixel values (1/255 maps 0-255 to 0-1).
	RescaleFactor float32
}

// DefaultImageConfig returns the CLIP ViT-B/32 preprocessing parameters.
func DefaultImageConfig() *ImageConfig {
	return &ImageConfig{
		Size:          DefaultImageSize,
		Mean:          CLIPMean,
		Std:           CLIPStd,
		RescaleFactor: 1.0 / 255.0,
	}
}

// Validate checks the configuration is usable.
func (c *ImageConfig) Validate() error {
	if c.Size <= 0 {
		return fmt.Errorf("image size must be positive, got %d", c.Size)
	}
	for i, s := range c.Std {
		if s == 0 {
			return fmt.Errorf("std[%d] is zero", i)
		}
	}
	return nil
}

// rawPreprocessorConfig represents preprocessor_config.json
type rawPreprocessorConfig struct {
	ImageMean     []float32 `json:"image_mean"`
	ImageStd      []float32 `json:"image_std"`
	RescaleFactor float32   `json:"rescale_factor"`
	Size          any       `json:"size"`
}

// LoadImageConfig reads preprocessor_config.json from dir and overlays it on
// the CLIP defaults. A missing file yields the defaults.
func LoadImageConfig(dir string) (*ImageConfig, error) {
	cfg := DefaultImageConfig()

	data, err := os.ReadFile(filepath.Join(dir, "preprocessor_config.json"))
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading preprocessor_config.json: %w", err)
	}

	var raw rawPreprocessorConfig
	if err := sonic.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parsing preprocessor_config.json: %w", err)
	}

	if len(raw.ImageMean) == 3 {
		copy(cfg.Mean[:], raw.ImageMean)
	}
	if len(raw.ImageStd) == 3 {
		copy(cfg.Std[:], raw.ImageStd)
	}
	if raw.RescaleFactor > 0 {
		cfg.RescaleFactor = raw.RescaleFactor
	}
	if size := parseSize(raw.Size); size > 0 {
		cfg.Size = size
	}
	return cfg, cfg.Validate()
}

// parseSize handles both "size": 224 and "size": {"shortest_edge": 224}.
func parseSize(v any) int {
	switch s := v.(type) {
	case float64:
		return int(s)
	case map[string]any:
		for _, key := range []string{"shortest_edge", "height", "width"} {
			if f, ok := s[key].(float64); ok {
				return int(f)
			}
		}
	}
	return 0
}
