// Package encode turns overlay pixel buffers into image bytes a browser map
// can display.
package encode

import (
	"bytes"
	"fmt"
	"image"
	"image/png"

	"github.com/gen2brain/webp"
)

// Encoder encodes an image into bytes.
type Encoder interface {
	Encode(img image.Image) ([]byte, error)

	// Format returns the format name ("png", "webp").
	Format() string

	// ContentType returns the MIME type of the encoded bytes.
	ContentType() string
}

// NewEncoder creates an encoder for the given format. quality only applies
// to lossy WebP; zero or less selects lossless WebP.
func NewEncoder(format string, quality int) (Encoder, error) {
	switch format {
	case "", "png":
		return &PNGEncoder{}, nil
	case "webp":
		return &WebPEncoder{Quality: quality}, nil
	default:
		return nil, fmt.Errorf("unsupported overlay format: %q (supported: png, webp)", format)
	}
}

// PNGEncoder encodes overlays as PNG, keeping the alpha channel exact.
type PNGEncoder struct{}

func (e *PNGEncoder) Encode(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	enc := &png.Encoder{CompressionLevel: png.BestSpeed}
	if err := enc.Encode(&buf, img); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (e *PNGEncoder) Format() string      { return "png" }
func (e *PNGEncoder) ContentType() string { return "image/png" }

// WebPEncoder encodes overlays with gen2brain/webp, which needs no CGo.
type WebPEncoder struct {
	Quality int
}

func (e *WebPEncoder) Encode(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	opts := webp.Options{
		Lossless: e.Quality <= 0,
		Quality:  e.Quality,
	}
	if err := webp.Encode(&buf, img, opts); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (e *WebPEncoder) Format() string      { return "webp" }
func (e *WebPEncoder) ContentType() string { return "image/webp" }
