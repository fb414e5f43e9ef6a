package pipeline

import (
	"fmt"

	"go.uber.org/zap"

	"phim/internal/cache"
	"phim/internal/codec"
)

// Resolved is a cached original whose real format is known.
type Resolved struct {
	// Filename is <key>.<format>, the extension-bearing copy.
	Filename string         `json:"filename"`
	Format   string         `json:"format"`
	OrigKey  string         `json:"origKey"`
	Metadata codec.Metadata `json:"metadata"`
	// Copied reports whether Filename was (re)created from the original.
	Copied bool `json:"copied"`
}

// Resolver detects the real format of a cached original and gives it a
// matching extension. The reference's own extension is never trusted.
type Resolver struct {
	store      *cache.Store
	codec      codec.Codec
	reuseCache bool
	logger     *zap.Logger
}

func NewResolver(store *cache.Store, c codec.Codec, reuseCache bool, logger *zap.Logger) *Resolver {
	return &Resolver{
		store:      store,
		codec:      c,
		reuseCache: reuseCache,
		logger:     logger,
	}
}

func (r *Resolver) Resolve(key string) (Resolved, error) {
	meta, err := r.codec.Metadata(r.store.Path(key))
	if err != nil {
		return Resolved{}, err
	}

	filename := key + "." + meta.Format
	res := Resolved{
		Filename: filename,
		Format:   meta.Format,
		OrigKey:  key,
		Metadata: meta,
	}

	if r.reuseCache {
		ok, err := r.store.Exists(filename)
		if err != nil {
			return Resolved{}, err
		}
		if ok {
			return res, nil
		}
	}

	if err := r.store.CopyFile(r.store.Path(key), filename); err != nil {
		return Resolved{}, fmt.Errorf("copy %s to %s: %w", key, filename, err)
	}
	res.Copied = true

	r.logger.Debug("Resolved format",
		zap.String("key", key),
		zap.String("format", meta.Format),
		zap.Int("width", meta.Width),
		zap.Bool("alpha", meta.HasAlpha),
	)
	return res, nil
}
