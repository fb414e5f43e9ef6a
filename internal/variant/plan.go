// Package variant decides which responsive derivatives an image needs and
// encodes them.
package variant

import (
	"phim/internal/codec"
	"phim/internal/config"
)

// Job is one planned derivative.
type Job struct {
	Format string
	Label  string
	Width  int
	Media  string
	Params codec.Params
}

// Plan returns the derivatives to produce for an image, in format order
// then size order. A format is used when it is always emitted or matches the
// source format, and only if it can carry the source's alpha channel. Sizes
// wider than the source are skipped.
func Plan(meta codec.Metadata, transform config.Transform) []Job {
	var jobs []Job
	for _, f := range transform.Formats {
		if !f.Always && f.Name != meta.Format {
			continue
		}
		if meta.HasAlpha && !f.Alpha {
			continue
		}
		for _, s := range transform.Sizes {
			if s.Width > meta.Width {
				continue
			}
			jobs = append(jobs, Job{
				Format: f.Name,
				Label:  s.Label,
				Width:  s.Width,
				Media:  s.Media,
				Params: f.Params,
			})
		}
	}
	return jobs
}

// FallbackWidth caps the width of the same-format fallback image.
func FallbackWidth(sourceWidth, maxWidth int) int {
	if maxWidth > 0 && sourceWidth > maxWidth {
		return maxWidth
	}
	return sourceWidth
}

// Filename is the cache name of a derivative: <key>-<label>.<format>.
func Filename(key string, job Job) string {
	return key + "-" + job.Label + "." + job.Format
}
