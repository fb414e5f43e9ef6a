// Package pipeline ties acquisition, format resolution and variant encoding
// together for a single source reference.
package pipeline

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"phim/internal/cache"
	"phim/internal/codec"
	"phim/internal/config"
	"phim/internal/source"
	"phim/internal/variant"
)

// Result is the outcome of processing one reference.
type Result struct {
	Ref      string            `json:"ref"`
	Image    Resolved          `json:"image"`
	Fallback string            `json:"fallback"`
	Variants []variant.Variant `json:"variants"`
}

type Pipeline struct {
	cfg      *config.Config
	store    *cache.Store
	acquirer *source.Acquirer
	resolver *Resolver
	encoder  *variant.Encoder
	logger   *zap.Logger

	group singleflight.Group
}

// New builds a pipeline from a validated configuration.
func New(cfg *config.Config, c codec.Codec, fetcher source.Fetcher, logger *zap.Logger) (*Pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	store := cache.NewStore(cfg.Root, config.CacheDirName)
	acquirer := source.New(source.Options{
		Root:             cfg.Root,
		ReuseCache:       cfg.ReuseCache,
		StripRemoteQuery: cfg.StripRemoteQuery,
		KeyLength:        cfg.KeyLength,
	}, store, fetcher, logger)
	encoder := variant.NewEncoder(variant.Options{
		Workers:          cfg.Workers,
		FallbackMaxWidth: cfg.FallbackMaxWidth,
		ReuseCache:       cfg.ReuseCache,
	}, cfg.Transform, c, store, logger)

	return &Pipeline{
		cfg:      cfg,
		store:    store,
		acquirer: acquirer,
		resolver: NewResolver(store, c, cfg.ReuseCache, logger),
		encoder:  encoder,
		logger:   logger,
	}, nil
}

// Store returns the cache store the pipeline writes to.
func (p *Pipeline) Store() *cache.Store {
	return p.store
}

// Process runs acquire, resolve, plan and encode for ref. Concurrent calls
// for the same reference share one run. The shared run does not inherit
// any caller's cancellation; a caller whose ctx ends stops waiting and
// gets ctx.Err() while the others keep theirs.
func (p *Pipeline) Process(ctx context.Context, ref string) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	ch := p.group.DoChan(ref, func() (interface{}, error) {
		return p.process(context.WithoutCancel(ctx), ref)
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Result), nil
	}
}

func (p *Pipeline) process(ctx context.Context, ref string) (*Result, error) {
	p.logger.Debug("Processing", zap.String("ref", ref))

	if err := p.store.Init(); err != nil {
		return nil, err
	}

	orig, err := p.acquirer.Acquire(ctx, ref)
	if err != nil {
		return nil, err
	}

	resolved, err := p.resolver.Resolve(orig.Key)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", ref, err)
	}

	src := variant.Source{
		Key:      resolved.OrigKey,
		Filename: resolved.Filename,
		Meta:     resolved.Metadata,
	}
	jobs := p.encoder.Plan(src)

	variants, err := p.encoder.Encode(ctx, src, jobs)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", ref, err)
	}

	p.logger.Debug("Processed",
		zap.String("ref", ref),
		zap.String("key", orig.Key),
		zap.String("format", resolved.Format),
		zap.Int("variants", len(variants)),
	)

	return &Result{
		Ref:      ref,
		Image:    resolved,
		Fallback: p.store.URL(resolved.Filename),
		Variants: variants,
	}, nil
}

// Purge removes every cached artifact.
func (p *Pipeline) Purge() error {
	if err := p.store.Purge(); err != nil {
		return err
	}
	p.logger.Info("Cache purged", zap.String("dir", p.store.Dir()))
	return nil
}
