package engine

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
)

// GenerateParams is the per-item input to a diffusion run. Seed is always
// concrete by the time it reaches an engine.
type GenerateParams struct {
	ModelPath      string  `json:"model_path"`
	Prompt         string  `json:"prompt"`
	NegativePrompt string  `json:"negative_prompt,omitempty"`
	Width          int     `json:"width"`
	Height         int     `json:"height"`
	Steps          int     `json:"steps"`
	Guidance       float64 `json:"guidance,omitempty"`
	Seed           int64   `json:"seed"`
}

// Engine renders one image per call. Implementations must be safe for
// concurrent use across jobs.
type Engine interface {
	GenerateOne(ctx context.Context, p GenerateParams) ([]byte, error)
}

// FakeEngine produces a deterministic solid-color PNG derived from the seed.
// It keeps the whole pipeline testable without GPU hardware.
type FakeEngine struct{}

func NewFakeEngine() *FakeEngine { return &FakeEngine{} }

func (e *FakeEngine) GenerateOne(ctx context.Context, p GenerateParams) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c := color.NRGBA{
		R: uint8(p.Seed % 256),
		G: uint8((p.Seed / 3) % 256),
		B: uint8((p.Seed / 7) % 256),
		A: 255,
	}
	img := image.NewNRGBA(image.Rect(0, 0, p.Width, p.Height))
	for y := 0; y < p.Height; y++ {
		for x := 0; x < p.Width; x++ {
			img.SetNRGBA(x, y, c)
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodePNG decodes and returns image dimensions alongside the image.
func DecodePNG(data []byte) (image.Image, int, int, error) {
	img, err := png.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, 0, 0, err
	}
	b := img.Bounds()
	return img, b.Dx(), b.Dy(), nil
}

// EncodePNG renders an image back to PNG bytes.
func EncodePNG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// IsFlat reports whether every pixel of the PNG is identical. Real engine
// output should never be flat; a flat frame usually means the sampler
// silently collapsed.
func IsFlat(data []byte) (bool, error) {
	img, w, h, err := DecodePNG(data)
	if err != nil {
		return false, err
	}
	if w == 0 || h == 0 {
		return true, nil
	}
	b := img.Bounds()
	r0, g0, b0, a0 := img.At(b.Min.X, b.Min.Y).RGBA()
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			r, g, bb, a := img.At(x, y).RGBA()
			if r != r0 || g != g0 || bb != b0 || a != a0 {
				return false, nil
			}
		}
	}
	return true, nil
}
