package rewrite

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"phim/internal/cache"
	"phim/internal/codec/codectest"
	"phim/internal/config"
	"phim/internal/pipeline"
	"phim/internal/source"
	"phim/internal/variant"
)

type stubProcessor struct {
	mu    sync.Mutex
	seen  []string
	fail  map[string]error
	delay map[string]time.Duration
}

func (s *stubProcessor) Process(ctx context.Context, ref string) (*pipeline.Result, error) {
	s.mu.Lock()
	s.seen = append(s.seen, ref)
	s.mu.Unlock()

	if d := s.delay[ref]; d > 0 {
		time.Sleep(d)
	}
	if err := s.fail[ref]; err != nil {
		return nil, err
	}
	name := strings.TrimPrefix(ref, "/")
	return &pipeline.Result{
		Ref:      ref,
		Fallback: "/__phim/" + name + ".opt",
		Variants: []variant.Variant{
			{MIME: "image/webp", Path: "/__phim/" + name + "-sm.webp", Width: 480, Media: "(max-width: 600px)"},
			{MIME: "image/webp", Path: "/__phim/" + name + "-md.webp", Width: 960},
		},
	}, nil
}

func (s *stubProcessor) refs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.seen...)
}

func TestRewriteFragment(t *testing.T) {
	p := &stubProcessor{}
	r := New(p, zap.NewNop())

	out, err := r.RewriteFragment(context.Background(), `<p>hi</p><img src="/a.jpg" alt="A">`)
	require.NoError(t, err)

	assert.Equal(t, `<p>hi</p><picture>`+
		`<source type="image/webp" srcset="/__phim/a.jpg-sm.webp 480w" media="(max-width: 600px)"/>`+
		`<source type="image/webp" srcset="/__phim/a.jpg-md.webp 960w"/>`+
		`<img src="/__phim/a.jpg.opt" alt="A"/>`+
		`</picture>`, out)
}

func TestRewriteDocument(t *testing.T) {
	p := &stubProcessor{}
	r := New(p, zap.NewNop())

	out, err := r.RewriteDocument(context.Background(), `<!DOCTYPE html><html><head><title>t</title></head><body><div><img src="/x.png"></div></body></html>`)
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(out, "<!DOCTYPE html><html><head><title>t</title></head><body><div><picture>"))
	assert.Contains(t, out, `<img src="/__phim/x.png.opt"/></picture></div>`)
}

func TestRewriteSkipsIneligibleImages(t *testing.T) {
	p := &stubProcessor{}
	r := New(p, zap.NewNop())

	in := `<picture><source type="image/webp" srcset="/b.webp"/><img src="/b.jpg"/></picture>` +
		`<img alt="no src"/><img src=""/><img src="data:image/png;base64,AAAA"/>`
	out, err := r.RewriteFragment(context.Background(), in)
	require.NoError(t, err)

	assert.Equal(t, in, out)
	assert.Empty(t, p.refs())
}

func TestRewriteIsIdempotent(t *testing.T) {
	p := &stubProcessor{}
	r := New(p, zap.NewNop())

	once, err := r.RewriteDocument(context.Background(), `<img src="/a.jpg"><p><img src="/b.jpg"></p>`)
	require.NoError(t, err)
	twice, err := r.RewriteDocument(context.Background(), once)
	require.NoError(t, err)

	assert.Equal(t, once, twice)
	assert.Equal(t, 2, strings.Count(twice, "<picture>"))
	assert.Len(t, p.refs(), 2)
}

func TestRewriteIsolatesFailures(t *testing.T) {
	boom := errors.New("boom")
	p := &stubProcessor{fail: map[string]error{"/bad.jpg": boom}}
	r := New(p, zap.NewNop())

	out, err := r.RewriteFragment(context.Background(), `<img src="/good.jpg"><img src="/bad.jpg">`)
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "/bad.jpg")

	assert.Contains(t, out, `<img src="/__phim/good.jpg.opt"/></picture>`)
	assert.Contains(t, out, `<img src="/bad.jpg"/>`)
	assert.Equal(t, 1, strings.Count(out, "<picture>"))
}

func TestRewriteCollectsEveryFailure(t *testing.T) {
	p := &stubProcessor{fail: map[string]error{
		"/a.jpg": errors.New("a failed"),
		"/b.jpg": errors.New("b failed"),
	}}
	r := New(p, zap.NewNop())

	_, err := r.RewriteFragment(context.Background(), `<img src="/a.jpg"><img src="/b.jpg">`)
	assert.Len(t, multierr.Errors(err), 2)
}

func TestRewriteRunsImagesConcurrently(t *testing.T) {
	p := &stubProcessor{delay: map[string]time.Duration{
		"/a.jpg": 100 * time.Millisecond,
		"/b.jpg": 100 * time.Millisecond,
		"/c.jpg": 100 * time.Millisecond,
	}}
	r := New(p, zap.NewNop())

	start := time.Now()
	out, err := r.RewriteFragment(context.Background(), `<img src="/a.jpg"><img src="/b.jpg"><img src="/c.jpg">`)
	require.NoError(t, err)

	assert.Less(t, time.Since(start), 250*time.Millisecond)
	// Document order is kept regardless of completion order.
	assert.Less(t, strings.Index(out, "a.jpg.opt"), strings.Index(out, "b.jpg.opt"))
	assert.Less(t, strings.Index(out, "b.jpg.opt"), strings.Index(out, "c.jpg.opt"))
}

func TestRewriteDocumentEndToEnd(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, codectest.WriteImage(filepath.Join(root, "a.jpg"), codectest.Image{Format: "jpeg", Width: 1000, Height: 750}))

	cfg := config.Default()
	cfg.Root = root
	p, err := pipeline.New(cfg, &codectest.Fake{}, source.NewHTTPFetcher(time.Second), zap.NewNop())
	require.NoError(t, err)
	r := New(p, zap.NewNop())

	out, err := r.RewriteDocument(context.Background(), `<img src="/a.jpg">`)
	require.NoError(t, err)

	key := cache.Key("a.jpg", true, false, 20)
	assert.Equal(t, `<html><head></head><body><picture>`+
		`<source type="image/jpeg" srcset="/__phim/`+key+`-sm.jpeg 480w" media="(max-width: 600px)"/>`+
		`<source type="image/jpeg" srcset="/__phim/`+key+`-md.jpeg 960w"/>`+
		`<source type="image/webp" srcset="/__phim/`+key+`-sm.webp 480w" media="(max-width: 600px)"/>`+
		`<source type="image/webp" srcset="/__phim/`+key+`-md.webp 960w"/>`+
		`<img src="/__phim/`+key+`.jpeg"/>`+
		`</picture></body></html>`, out)

	again, err := r.RewriteDocument(context.Background(), out)
	require.NoError(t, err)
	assert.Equal(t, out, again)
}
