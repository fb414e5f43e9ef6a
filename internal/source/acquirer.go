// Package source turns a source reference into a cached original file.
package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"phim/internal/cache"
)

// ErrAcquisition is returned when a reference cannot be fetched or copied.
var ErrAcquisition = errors.New("source: acquisition failed")

// Original is a source image stored in the cache under its key.
type Original struct {
	Ref   string
	Key   string
	Path  string
	Local bool
	// Hit is true when the cached file was reused without fetching or copying.
	Hit bool
}

type Options struct {
	Root             string
	ReuseCache       bool
	StripRemoteQuery bool
	KeyLength        int
}

type Acquirer struct {
	opts    Options
	store   *cache.Store
	fetcher Fetcher
	logger  *zap.Logger
}

func New(opts Options, store *cache.Store, fetcher Fetcher, logger *zap.Logger) *Acquirer {
	return &Acquirer{
		opts:    opts,
		store:   store,
		fetcher: fetcher,
		logger:  logger,
	}
}

// IsLocal reports whether ref names an existing file under the root.
func (a *Acquirer) IsLocal(ref string) bool {
	return a.localName(ref) != ""
}

// localName returns ref relative to the root, or "" when ref does not name
// a regular file inside it. Lookups go through os.Root, so neither ".."
// segments nor symlinks can reach files outside the root.
func (a *Acquirer) localName(ref string) string {
	name := filepath.FromSlash(strings.TrimLeft(ref, "/"))
	if !filepath.IsLocal(name) {
		return ""
	}

	root, err := os.OpenRoot(a.opts.Root)
	if err != nil {
		return ""
	}
	defer root.Close()

	info, err := root.Stat(name)
	if err != nil || !info.Mode().IsRegular() {
		return ""
	}
	return name
}

func (a *Acquirer) copyLocal(name, key string) error {
	root, err := os.OpenRoot(a.opts.Root)
	if err != nil {
		return err
	}
	defer root.Close()

	in, err := root.Open(name)
	if err != nil {
		return err
	}
	defer in.Close()

	return a.store.WriteFrom(key, func(w io.Writer) error {
		_, err := io.Copy(w, in)
		return err
	})
}

// Key returns the cache key for ref.
func (a *Acquirer) Key(ref string) string {
	return cache.Key(ref, a.IsLocal(ref), a.opts.StripRemoteQuery, a.opts.KeyLength)
}

// Acquire stores ref in the cache as <key> and returns its location.
func (a *Acquirer) Acquire(ctx context.Context, ref string) (Original, error) {
	name := a.localName(ref)
	local := name != ""
	key := cache.Key(ref, local, a.opts.StripRemoteQuery, a.opts.KeyLength)
	orig := Original{Ref: ref, Key: key, Path: a.store.Path(key), Local: local}

	if a.opts.ReuseCache {
		ok, err := a.store.Exists(key)
		if err != nil {
			return Original{}, err
		}
		if ok {
			a.logger.Debug("Original cache hit", zap.String("ref", ref), zap.String("key", key))
			orig.Hit = true
			return orig, nil
		}
	}

	if local {
		if err := a.copyLocal(name, key); err != nil {
			return Original{}, fmt.Errorf("%w: copy %s: %v", ErrAcquisition, ref, err)
		}
		a.logger.Debug("Copied local original", zap.String("ref", ref), zap.String("key", key))
		return orig, nil
	}

	if !isHTTP(ref) {
		return Original{}, fmt.Errorf("%w: %s: source not found", ErrAcquisition, ref)
	}

	err := a.store.WriteFrom(key, func(w io.Writer) error {
		return a.fetcher.Fetch(ctx, ref, w)
	})
	if err != nil {
		return Original{}, fmt.Errorf("%w: fetch %s: %w", ErrAcquisition, ref, err)
	}
	a.logger.Debug("Fetched remote original", zap.String("ref", ref), zap.String("key", key))
	return orig, nil
}

func isHTTP(ref string) bool {
	u, err := url.Parse(ref)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}
