package variant

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"phim/internal/cache"
	"phim/internal/codec"
	"phim/internal/config"
)

// Source is a resolved original ready for encoding.
type Source struct {
	// Key is the extensionless cache name of the untouched original. Every
	// encode reads from it, never from Filename, which the fallback overwrites.
	Key      string
	Filename string
	Meta     codec.Metadata
}

// Variant is one encoded derivative as referenced from markup.
type Variant struct {
	MIME   string `json:"mime"`
	Path   string `json:"path"`
	File   string `json:"file"`
	Width  int    `json:"width"`
	Media  string `json:"media"`
	Format string `json:"format"`
	Label  string `json:"label"`
}

type Options struct {
	// Workers bounds concurrent encodes across every image handled by the
	// encoder.
	Workers          int
	FallbackMaxWidth int
	ReuseCache       bool
}

type Encoder struct {
	opts      Options
	transform config.Transform
	codec     codec.Codec
	store     *cache.Store
	sem       *semaphore.Weighted
	logger    *zap.Logger
}

func NewEncoder(opts Options, transform config.Transform, c codec.Codec, store *cache.Store, logger *zap.Logger) *Encoder {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.FallbackMaxWidth <= 0 {
		opts.FallbackMaxWidth = config.DefaultFallbackMaxWidth
	}
	return &Encoder{
		opts:      opts,
		transform: transform,
		codec:     c,
		store:     store,
		sem:       semaphore.NewWeighted(int64(opts.Workers)),
		logger:    logger,
	}
}

// Plan returns the jobs for src under the encoder's transform.
func (e *Encoder) Plan(src Source) []Job {
	return Plan(src.Meta, e.transform)
}

// Encode produces every job plus the same-format fallback. With ReuseCache,
// jobs whose file already exists are skipped. The call returns
// once all encodes have finished; any failure fails the whole batch.
// Variants are returned in job order.
func (e *Encoder) Encode(ctx context.Context, src Source, jobs []Job) ([]Variant, error) {
	if !codec.Supported(src.Meta.Format) {
		return nil, fmt.Errorf("%w: fallback for %s: %w", codec.ErrEncode, src.Key, codec.ErrUnsupportedFormat)
	}
	fallbackParams := codec.Params{}
	if f, ok := e.transform.Format(src.Meta.Format); ok {
		fallbackParams = f.Params
	}

	variants := make([]Variant, len(jobs))
	g, gctx := errgroup.WithContext(ctx)

	for i, job := range jobs {
		name := Filename(src.Key, job)
		variants[i] = Variant{
			MIME:   codec.MIME(job.Format),
			Path:   e.store.URL(name),
			File:   e.store.Path(name),
			Width:  job.Width,
			Media:  job.Media,
			Format: job.Format,
			Label:  job.Label,
		}

		g.Go(func() error {
			if e.opts.ReuseCache {
				ok, err := e.store.Exists(name)
				if err != nil {
					return err
				}
				if ok {
					return nil
				}
			}
			return e.encodeTo(gctx, src.Key, name, job.Width, job.Format, job.Params)
		})
	}

	// The fallback is encoded on every run, reuse or not. Filename may still
	// hold the resolver's full-size copy from an earlier run that failed.
	width := FallbackWidth(src.Meta.Width, e.opts.FallbackMaxWidth)
	g.Go(func() error {
		return e.encodeTo(gctx, src.Key, src.Filename, width, src.Meta.Format, fallbackParams)
	})

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return variants, nil
}

func (e *Encoder) encodeTo(ctx context.Context, srcKey, name string, width int, format string, params codec.Params) error {
	if err := e.sem.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("%w: %s: %w", codec.ErrEncode, name, err)
	}
	defer e.sem.Release(1)

	data, err := e.codec.Encode(ctx, e.store.Path(srcKey), width, format, params)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", codec.ErrEncode, name, err)
	}
	if err := e.store.WriteFile(name, data); err != nil {
		return fmt.Errorf("%w: %s: %w", codec.ErrEncode, name, err)
	}

	e.logger.Debug("Wrote variant",
		zap.String("file", name),
		zap.String("format", format),
		zap.Int("width", width),
	)
	return nil
}
