// Package scan warms the derivative cache for every image under a root.
package scan

import (
	"context"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"phim/internal/pipeline"
)

var extensions = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
	".webp": true,
}

// Processor runs the image pipeline for one source reference.
type Processor interface {
	Process(ctx context.Context, ref string) (*pipeline.Result, error)
}

// Summary reports the outcome of a warm run.
type Summary struct {
	Found     int
	Processed int
	Failed    int
}

type Scanner struct {
	root     string
	skipDir  string
	workers  int
	pipeline Processor
	logger   *zap.Logger
}

// New returns a scanner for root. skipDir is a directory name, such as the
// cache directory, that is never descended into.
func New(root, skipDir string, workers int, p Processor, logger *zap.Logger) *Scanner {
	if workers <= 0 {
		workers = 1
	}
	return &Scanner{
		root:     root,
		skipDir:  skipDir,
		workers:  workers,
		pipeline: p,
		logger:   logger,
	}
}

// Scan returns root-relative references ("/dir/file.jpg") for every image
// file under the root, in lexical order.
func (s *Scanner) Scan() ([]string, error) {
	var refs []string
	err := filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			s.logger.Warn("Error walking path", zap.String("path", path), zap.Error(err))
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			if path != s.root && d.Name() == s.skipDir {
				return fs.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() || !extensions[strings.ToLower(filepath.Ext(path))] {
			return nil
		}

		rel, err := filepath.Rel(s.root, path)
		if err != nil {
			return nil
		}
		refs = append(refs, "/"+filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan root directory: %w", err)
	}
	return refs, nil
}

// Warm processes every scanned image with at most workers images in flight.
// Individual failures are logged and counted, not returned.
func (s *Scanner) Warm(ctx context.Context) (Summary, error) {
	refs, err := s.Scan()
	if err != nil {
		return Summary{}, err
	}

	s.logger.Info("Starting cache warmup", zap.Int("images", len(refs)), zap.Int("workers", s.workers))

	workerChan := make(chan struct{}, s.workers)
	var wg sync.WaitGroup
	var processed, failed atomic.Int64

slots:
	for _, ref := range refs {
		if ctx.Err() != nil {
			break
		}
		select {
		case workerChan <- struct{}{}: // Acquire worker slot
		case <-ctx.Done():
			break slots
		}
		wg.Add(1)

		go func(ref string) {
			defer wg.Done()
			defer func() { <-workerChan }() // Release worker slot

			res, err := s.pipeline.Process(ctx, ref)
			if err != nil {
				failed.Add(1)
				s.logger.Warn("Warmup image failed", zap.String("ref", ref), zap.Error(err))
				return
			}
			processed.Add(1)
			s.logger.Debug("Warmed image", zap.String("ref", ref), zap.Int("variants", len(res.Variants)))
		}(ref)
	}

	wg.Wait()

	summary := Summary{
		Found:     len(refs),
		Processed: int(processed.Load()),
		Failed:    int(failed.Load()),
	}
	s.logger.Info("Cache warmup completed",
		zap.Int("processed", summary.Processed),
		zap.Int("failed", summary.Failed),
	)
	return summary, ctx.Err()
}
