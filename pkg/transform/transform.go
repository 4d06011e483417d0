// Package transform normalizes uploaded images into square, compact avatars.
package transform

import (
	"bytes"
	"errors"
	"fmt"
	"image"

	"github.com/disintegration/imaging"
	_ "golang.org/x/image/webp" // registers image/webp with image.Decode

	"github.com/platinummonkey/portrait/pkg/model"
)

const (
	DefaultSize      = 400
	DefaultQuality   = 80
	DefaultMaxBytes  = 10 << 20
	DefaultMaxPixels = 50_000_000

	// ContentType and Ext describe every Output
	ContentType = "image/jpeg"
	Ext         = ".jpg"
)

// Transformer crops, scales and re-encodes images
type Transformer struct {
	// Size is the side of the output square
	Size int
	// Quality is the JPEG quality, 1-100
	Quality int
	// MaxInputBytes rejects larger payloads before decoding
	MaxInputBytes int64
	// MaxPixels rejects images whose declared dimensions exceed it
	MaxPixels int
}

// Output is the encoded result of Process
type Output struct {
	Data        []byte
	ContentType string
	Ext         string
	Width       int
	Height      int
}

// New returns a Transformer with zero fields filled from defaults
func New(size, quality int, maxInputBytes int64) Transformer {
	t := Transformer{Size: size, Quality: quality, MaxInputBytes: maxInputBytes}
	return t.withDefaults()
}

func (t Transformer) withDefaults() Transformer {
	if t.Size <= 0 {
		t.Size = DefaultSize
	}
	if t.Quality <= 0 || t.Quality > 100 {
		t.Quality = DefaultQuality
	}
	if t.MaxInputBytes <= 0 {
		t.MaxInputBytes = DefaultMaxBytes
	}
	if t.MaxPixels <= 0 {
		t.MaxPixels = DefaultMaxPixels
	}
	return t
}

func invalid(err error) error {
	return model.E("transform.Process", model.ErrInvalidAsset, err)
}

// Process decodes raw, applies EXIF orientation, center-crops to a square,
// downscales to Size and encodes as JPEG. Images smaller than Size are
// not upscaled. Every failure is model.ErrInvalidAsset.
func (t Transformer) Process(raw []byte) (Output, error) {
	t = t.withDefaults()

	if len(raw) == 0 {
		return Output{}, invalid(errors.New("empty payload"))
	}
	if int64(len(raw)) > t.MaxInputBytes {
		return Output{}, invalid(fmt.Errorf("payload of %d bytes exceeds limit of %d", len(raw), t.MaxInputBytes))
	}

	cfg, format, err := image.DecodeConfig(bytes.NewReader(raw))
	if err != nil {
		return Output{}, invalid(fmt.Errorf("failed to read image header: %w", err))
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return Output{}, invalid(fmt.Errorf("%s image has no pixels", format))
	}
	if cfg.Width*cfg.Height > t.MaxPixels {
		return Output{}, invalid(fmt.Errorf("%s image of %dx%d exceeds pixel limit", format, cfg.Width, cfg.Height))
	}

	img, err := imaging.Decode(bytes.NewReader(raw), imaging.AutoOrientation(true))
	if err != nil {
		return Output{}, invalid(fmt.Errorf("failed to decode %s image: %w", format, err))
	}

	bounds := img.Bounds()
	side := min(bounds.Dx(), bounds.Dy())
	square := imaging.CropCenter(img, side, side)

	var out image.Image = square
	if side > t.Size {
		out = imaging.Resize(square, t.Size, t.Size, imaging.Lanczos)
	}

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, out, imaging.JPEG, imaging.JPEGQuality(t.Quality)); err != nil {
		return Output{}, fmt.Errorf("failed to encode avatar: %w", err)
	}

	b := out.Bounds()
	return Output{
		Data:        buf.Bytes(),
		ContentType: ContentType,
		Ext:         Ext,
		Width:       b.Dx(),
		Height:      b.Dy(),
	}, nil
}
