package cache

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"

	"github.com/google/uuid"
	"go.uber.org/multierr"
)

// ErrStore wraps filesystem failures inside the cache directory.
var ErrStore = errors.New("cache: store error")

// Store is the on-disk derivative cache.
// Structure: {root}/__phim/{key}[.{ext}][-{label}.{format}]
type Store struct {
	dir     string
	urlBase string
}

// NewStore returns a store for dirName under root. The directory is not
// created; call Init before writing.
func NewStore(root, dirName string) *Store {
	return &Store{
		dir:     filepath.Join(root, dirName),
		urlBase: "/" + dirName,
	}
}

// Init creates the cache directory if needed.
func (s *Store) Init() error {
	if err := os.MkdirAll(s.dir, 0755); err != nil {
		return fmt.Errorf("%w: failed to create cache directory: %v", ErrStore, err)
	}
	return nil
}

// Dir returns the cache directory on disk.
func (s *Store) Dir() string {
	return s.dir
}

// Path returns the filesystem path of a cached file.
func (s *Store) Path(name string) string {
	return filepath.Join(s.dir, name)
}

// URL returns the site-absolute URL a document should use for name.
func (s *Store) URL(name string) string {
	return path.Join(s.urlBase, name)
}

// Exists reports whether name is present in the cache.
func (s *Store) Exists(name string) (bool, error) {
	_, err := os.Stat(s.Path(name))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, fmt.Errorf("%w: stat %s: %v", ErrStore, name, err)
}

// WriteFrom streams write's output into name. Data goes to a temporary file
// in the cache directory that is renamed over name only after write returns
// nil, so readers never observe a partial file. Concurrent writers of the
// same name each rename a complete file; the last rename wins.
func (s *Store) WriteFrom(name string, write func(w io.Writer) error) error {
	if err := s.Init(); err != nil {
		return err
	}

	filePath := s.Path(name)
	tmpPath := fmt.Sprintf("%s.%s.tmp", filePath, uuid.NewString())

	f, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return fmt.Errorf("%w: create temp file for %s: %v", ErrStore, name, err)
	}

	if err := write(f); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("%w: close temp file for %s: %v", ErrStore, name, err)
	}

	if err := os.Rename(tmpPath, filePath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("%w: rename into %s: %v", ErrStore, name, err)
	}
	return nil
}

// WriteFile atomically stores data as name.
func (s *Store) WriteFile(name string, data []byte) error {
	return s.WriteFrom(name, func(w io.Writer) error {
		if _, err := w.Write(data); err != nil {
			return fmt.Errorf("%w: write %s: %v", ErrStore, name, err)
		}
		return nil
	})
}

// CopyFile atomically copies src, which may live anywhere, into name.
func (s *Store) CopyFile(src, name string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("%w: open %s: %v", ErrStore, src, err)
	}
	defer in.Close()

	return s.WriteFrom(name, func(w io.Writer) error {
		if _, err := io.Copy(w, in); err != nil {
			return fmt.Errorf("%w: copy %s: %v", ErrStore, src, err)
		}
		return nil
	})
}

// Purge deletes every entry in the cache directory. A missing directory is
// reported as ErrStore so callers can tell "never initialised" from "empty".
func (s *Store) Purge() error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("%w: read cache directory: %v", ErrStore, err)
	}

	var errs error
	for _, entry := range entries {
		if err := os.RemoveAll(s.Path(entry.Name())); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("%w: remove %s: %v", ErrStore, entry.Name(), err))
		}
	}
	return errs
}
