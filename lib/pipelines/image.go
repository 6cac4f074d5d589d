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
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/gif"  // Register GIF decoder
	_ "image/jpeg" // Register JPEG decoder
	_ "image/png"  // Register PNG decoder
	"io"
	"os"

	_ "golang.org/x/image/bmp" // Register BMP decoder
	"golang.org/x/image/draw"
	_ "golang.org/x/image/tiff" // Register TIFF decoder
	_ "golang.org/x/image/webp" // Register WebP decoder
)

// ErrDecode is returned for unreadable, corrupt or unsupported images.
var ErrDecode = errors.New("image decode failed")

// DefaultMaxImagePixels bounds the decoded size of an image (64 megapixels).
const DefaultMaxImagePixels = 64 << 20

// ImageTensor is a normalized image in channel-first layout.
type ImageTensor struct {
	// Pixels holds Channels*Height*Width values, channel-major.
	Pixels   []float32
	Channels int
	Height   int
	Width    int
}

// Shape returns the batched tensor shape [1, C, H, W].
func (t ImageTensor) Shape() []int64 {
	return []int64{1, int64(t.Channels), int64(t.Height), int64(t.Width)}
}

// ImageProcessor handles image preprocessing for the vision tower.
// It is stateless and safe for concurrent use.
type ImageProcessor struct {
	Config *ImageConfig

	// MaxPixels rejects images whose header declares more pixels than this
	// before any pixel data is decoded. Zero means DefaultMaxImagePixels.
	MaxPixels int64
}

// NewImageProcessor creates an ImageProcessor with the given configuration.
func NewImageProcessor(config *ImageConfig) *ImageProcessor {
	if config == nil {
		config = DefaultImageConfig()
	}
	return &ImageProcessor{Config: config}
}

// ProcessFile reads and preprocesses an image file.
func (p *ImageProcessor) ProcessFile(path string) (ImageTensor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return ImageTensor{}, fmt.Errorf("%w: reading %s: %v", ErrDecode, path, err)
	}
	return p.ProcessBytes(data)
}

// ProcessBytes preprocesses an encoded image.
func (p *ImageProcessor) ProcessBytes(data []byte) (ImageTensor, error) {
	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return ImageTensor{}, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	if limit := p.maxPixels(); int64(cfg.Width)*int64(cfg.Height) > limit {
		return ImageTensor{}, fmt.Errorf("%w: %s image %dx%d exceeds %d pixels",
			ErrDecode, format, cfg.Width, cfg.Height, limit)
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return ImageTensor{}, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return p.Process(img)
}

// ProcessReader preprocesses an image from a reader.
func (p *ImageProcessor) ProcessReader(r io.Reader) (ImageTensor, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return ImageTensor{}, fmt.Errorf("%w: reading image: %v", ErrDecode, err)
	}
	return p.ProcessBytes(data)
}

func (p *ImageProcessor) maxPixels() int64 {
	if p.MaxPixels > 0 {
		return p.MaxPixels
	}
	return DefaultMaxImagePixels
}

// Process resizes img to Size x Size with bilinear filtering, ignoring the
// aspect ratio, and normalizes it per channel.
func (p *ImageProcessor) Process(img image.Image) (ImageTensor, error) {
	if img == nil {
		return ImageTensor{}, fmt.Errorf("%w: nil image", ErrDecode)
	}
	bounds := img.Bounds()
	if bounds.Dx() <= 0 || bounds.Dy() <= 0 {
		return ImageTensor{}, fmt.Errorf("%w: empty image %dx%d", ErrDecode, bounds.Dx(), bounds.Dy())
	}

	resized := resize(img, p.Config.Size)
	return p.toTensor(resized), nil
}

// resize scales img to size x size. The destination is non-premultiplied so
// translucent pixels keep their colour, as RGB conversion does.
func resize(img image.Image, size int) *image.NRGBA {
	dst := image.NewNRGBA(image.Rect(0, 0, size, size))
	draw.BiLinear.Scale(dst, dst.Bounds(), img, img.Bounds(), draw.Src, nil)
	return dst
}

// toTensor converts an image to a normalized float tensor in CHW format.
func (p *ImageProcessor) toTensor(img *image.NRGBA) ImageTensor {
	bounds := img.Bounds()
	width, height := bounds.Dx(), bounds.Dy()
	plane := height * width
	cfg := p.Config

	pixels := make([]float32, 3*plane)
	for y := 0; y < height; y++ {
		row := img.Pix[y*img.Stride : y*img.Stride+width*4]
		for x := 0; x < width; x++ {
			px := row[x*4 : x*4+3]
			for c := 0; c < 3; c++ {
				v := float32(px[c]) * cfg.RescaleFactor
				pixels[c*plane+y*width+x] = (v - cfg.Mean[c]) / cfg.Std[c]
			}
		}
	}

	return ImageTensor{
		Pixels:   pixels,
		Channels: 3,
		Height:   height,
		Width:    width,
	}
}
