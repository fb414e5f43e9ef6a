// Package codec describes the image decode/resize/encode capability the
// pipeline depends on. The libvips-backed implementation lives in vips.go;
// tests use codectest.Fake.
package codec

import (
	"context"
	"errors"
)

var (
	// ErrDecode is returned when metadata cannot be read from a source file.
	ErrDecode = errors.New("codec: decode failed")

	// ErrEncode is returned when a resize or encode step fails.
	ErrEncode = errors.New("codec: encode failed")

	// ErrUnsupportedFormat is returned for formats without an encoder.
	ErrUnsupportedFormat = errors.New("codec: unsupported format")
)

// Metadata describes a decoded source image.
type Metadata struct {
	Format   string `json:"format"`
	Width    int    `json:"width"`
	Height   int    `json:"height"`
	HasAlpha bool   `json:"hasAlpha"`
}

// Params holds format-specific encoder settings. Fields that do not apply
// to a format are ignored by its encoder.
type Params struct {
	Quality     int  `json:"quality,omitempty"`
	Progressive bool `json:"progressive,omitempty"`
	Compression int  `json:"compression,omitempty"`
	Lossless    bool `json:"lossless,omitempty"`
}

// Codec decodes metadata and produces resized, re-encoded derivatives.
type Codec interface {
	// Metadata reads format, dimensions and alpha presence from path.
	Metadata(path string) (Metadata, error)

	// Encode loads src, resizes it to width preserving aspect ratio and
	// encodes it as format.
	Encode(ctx context.Context, src string, width int, format string, params Params) ([]byte, error)
}

// formats lists every format with an encoder, in a fixed order.
var formats = []string{"jpeg", "webp", "png"}

// Formats returns the names of all encodable formats.
func Formats() []string {
	out := make([]string, len(formats))
	copy(out, formats)
	return out
}

// Supported reports whether format has an encoder.
func Supported(format string) bool {
	for _, f := range formats {
		if f == format {
			return true
		}
	}
	return false
}

// MIME returns the media type used in <source type="...">.
func MIME(format string) string {
	return "image/" + format
}
