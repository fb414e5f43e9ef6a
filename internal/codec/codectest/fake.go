// Package codectest provides a Codec that stores images as JSON documents,
// for tests that must not depend on libvips.
package codectest

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"phim/internal/codec"
)

// Image is the on-disk form understood by Fake. Width and height scale the
// same way a real resize would.
type Image struct {
	Format   string `json:"format"`
	Width    int    `json:"width"`
	Height   int    `json:"height"`
	HasAlpha bool   `json:"hasAlpha"`
}

// Marshal returns the bytes of a fake image file.
func (i Image) Marshal() []byte {
	data, _ := json.Marshal(i)
	return data
}

// WriteImage writes a fake image to path.
func WriteImage(path string, img Image) error {
	return os.WriteFile(path, img.Marshal(), 0644)
}

// ReadImage decodes a fake image from path.
func ReadImage(path string) (Image, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Image{}, err
	}
	var img Image
	if err := json.Unmarshal(data, &img); err != nil {
		return Image{}, err
	}
	return img, nil
}

// Call records one Encode invocation.
type Call struct {
	Src    string
	Width  int
	Format string
	Params codec.Params
}

// Fake implements codec.Codec.
type Fake struct {
	// FailFormat makes every Encode for that format fail.
	FailFormat string

	mu    sync.Mutex
	calls []Call
}

func (f *Fake) Metadata(path string) (codec.Metadata, error) {
	img, err := ReadImage(path)
	if err != nil {
		return codec.Metadata{}, fmt.Errorf("%w: %s: %v", codec.ErrDecode, path, err)
	}
	return codec.Metadata(img), nil
}

func (f *Fake) Encode(ctx context.Context, src string, width int, format string, params codec.Params) ([]byte, error) {
	f.mu.Lock()
	f.calls = append(f.calls, Call{Src: src, Width: width, Format: format, Params: params})
	f.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !codec.Supported(format) {
		return nil, fmt.Errorf("%w: %s", codec.ErrUnsupportedFormat, format)
	}
	if format == f.FailFormat {
		return nil, fmt.Errorf("%w: injected failure for %s", codec.ErrEncode, format)
	}

	img, err := ReadImage(src)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", codec.ErrEncode, src, err)
	}
	out := Image{Format: format, Width: width, HasAlpha: img.HasAlpha}
	if img.Width > 0 {
		out.Height = img.Height * width / img.Width
	}
	return out.Marshal(), nil
}

// Calls returns a copy of every Encode invocation so far.
func (f *Fake) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Call, len(f.calls))
	copy(out, f.calls)
	return out
}
