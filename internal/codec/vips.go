package codec

import (
	"context"
	"fmt"

	"github.com/cshum/vipsgen/vips"
	"go.uber.org/zap"
)

type encodeFunc func(image *vips.Image, params Params) ([]byte, error)

// Vips implements Codec on top of libvips. vips.Startup must have been
// called before any method is used.
type Vips struct {
	logger   *zap.Logger
	encoders map[string]encodeFunc
}

func NewVips(logger *zap.Logger) *Vips {
	return &Vips{
		logger: logger,
		encoders: map[string]encodeFunc{
			"jpeg": encodeJpeg,
			"webp": encodeWebp,
			"png":  encodePng,
		},
	}
}

func (v *Vips) Metadata(path string) (Metadata, error) {
	image, err := vips.NewImageFromFile(path, nil)
	if err != nil {
		return Metadata{}, fmt.Errorf("%w: %s: %v", ErrDecode, path, err)
	}
	defer image.Close()

	return Metadata{
		Format:   formatName(image.Format()),
		Width:    image.Width(),
		Height:   image.Height(),
		HasAlpha: image.HasAlpha(),
	}, nil
}

func (v *Vips) Encode(ctx context.Context, src string, width int, format string, params Params) ([]byte, error) {
	encode, ok := v.encoders[format]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, format)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	image, err := vips.NewImageFromFile(src, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", ErrEncode, src, err)
	}
	defer image.Close()

	if image.Width() != width {
		resizeOpts := vips.DefaultResizeOptions()
		resizeOpts.Kernel = vips.KernelLanczos3
		if err := image.Resize(float64(width)/float64(image.Width()), resizeOpts); err != nil {
			return nil, fmt.Errorf("%w: resize to %d: %v", ErrEncode, width, err)
		}
	}

	data, err := encode(image, params)
	if err != nil {
		return nil, fmt.Errorf("%w: export %s: %v", ErrEncode, format, err)
	}

	v.logger.Debug("encoded",
		zap.String("src", src),
		zap.String("format", format),
		zap.Int("width", width),
		zap.Int("bytes", len(data)),
	)
	return data, nil
}

func encodeJpeg(image *vips.Image, params Params) ([]byte, error) {
	opts := vips.DefaultJpegsaveBufferOptions()
	if params.Quality > 0 {
		opts.Q = params.Quality
	}
	opts.Interlace = params.Progressive
	return image.JpegsaveBuffer(opts)
}

func encodeWebp(image *vips.Image, params Params) ([]byte, error) {
	opts := vips.DefaultWebpsaveBufferOptions()
	if params.Quality > 0 {
		opts.Q = params.Quality
	}
	opts.Lossless = params.Lossless
	return image.WebpsaveBuffer(opts)
}

func encodePng(image *vips.Image, params Params) ([]byte, error) {
	opts := vips.DefaultPngsaveBufferOptions()
	if params.Compression > 0 {
		opts.Compression = params.Compression
	}
	opts.Interlace = params.Progressive
	return image.PngsaveBuffer(opts)
}

func formatName(t vips.ImageType) string {
	switch t {
	case vips.ImageTypeJpeg:
		return "jpeg"
	case vips.ImageTypePng:
		return "png"
	case vips.ImageTypeWebp:
		return "webp"
	case vips.ImageTypeGif:
		return "gif"
	case vips.ImageTypeTiff:
		return "tiff"
	default:
		return "unknown"
	}
}
