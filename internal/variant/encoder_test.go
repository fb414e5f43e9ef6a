package variant

import (
	"context"
	"os"
	"sort"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"phim/internal/cache"
	"phim/internal/codec"
	"phim/internal/codec/codectest"
	"phim/internal/config"
)

const testKey = "0123456789abcdef0123"

func setup(t *testing.T, img codectest.Image, opts Options) (*Encoder, *codectest.Fake, *cache.Store, Source) {
	t.Helper()
	store := cache.NewStore(t.TempDir(), "__phim")
	require.NoError(t, store.Init())
	require.NoError(t, codectest.WriteImage(store.Path(testKey), img))

	filename := testKey + "." + img.Format
	require.NoError(t, store.CopyFile(store.Path(testKey), filename))

	fake := &codectest.Fake{}
	enc := NewEncoder(opts, config.DefaultTransform(), fake, store, zap.NewNop())
	src := Source{
		Key:      testKey,
		Filename: filename,
		Meta:     codec.Metadata{Format: img.Format, Width: img.Width, Height: img.Height, HasAlpha: img.HasAlpha},
	}
	return enc, fake, store, src
}

func TestEncodeProducesVariantsAndFallback(t *testing.T) {
	enc, fake, store, src := setup(t, codectest.Image{Format: "jpeg", Width: 3000, Height: 2000}, Options{Workers: 4})

	variants, err := enc.Encode(context.Background(), src, enc.Plan(src))
	require.NoError(t, err)
	require.Len(t, variants, 6)

	assert.Equal(t, Variant{
		MIME:   "image/jpeg",
		Path:   "/__phim/" + testKey + "-sm.jpeg",
		File:   store.Path(testKey + "-sm.jpeg"),
		Width:  480,
		Media:  "(max-width: 600px)",
		Format: "jpeg",
		Label:  "sm",
	}, variants[0])
	assert.Equal(t, "image/webp", variants[5].MIME)
	assert.Equal(t, "/__phim/"+testKey+"-lg.webp", variants[5].Path)

	for _, v := range variants {
		img, err := codectest.ReadImage(v.File)
		require.NoError(t, err)
		assert.Equal(t, v.Format, img.Format)
		assert.Equal(t, v.Width, img.Width)
	}

	fallback, err := codectest.ReadImage(store.Path(src.Filename))
	require.NoError(t, err)
	assert.Equal(t, "jpeg", fallback.Format)
	assert.Equal(t, 1920, fallback.Width)

	calls := fake.Calls()
	assert.Len(t, calls, 7)
	for _, c := range calls {
		assert.Equal(t, store.Path(testKey), c.Src, "encodes must read the untouched original")
	}
}

func TestEncodeFallbackKeepsSmallWidth(t *testing.T) {
	enc, _, store, src := setup(t, codectest.Image{Format: "png", Width: 700, Height: 700, HasAlpha: true}, Options{Workers: 2})

	_, err := enc.Encode(context.Background(), src, enc.Plan(src))
	require.NoError(t, err)

	fallback, err := codectest.ReadImage(store.Path(src.Filename))
	require.NoError(t, err)
	assert.Equal(t, 700, fallback.Width)
	assert.Equal(t, "png", fallback.Format)
}

func TestEncodeFallbackUsesConfiguredCap(t *testing.T) {
	enc, _, store, src := setup(t, codectest.Image{Format: "webp", Width: 3000}, Options{Workers: 1, FallbackMaxWidth: 1200})

	_, err := enc.Encode(context.Background(), src, nil)
	require.NoError(t, err)

	fallback, err := codectest.ReadImage(store.Path(src.Filename))
	require.NoError(t, err)
	assert.Equal(t, 1200, fallback.Width)
}

func TestEncodeFailureFailsBatch(t *testing.T) {
	enc, fake, _, src := setup(t, codectest.Image{Format: "jpeg", Width: 1000}, Options{Workers: 2})
	fake.FailFormat = "webp"

	variants, err := enc.Encode(context.Background(), src, enc.Plan(src))
	assert.ErrorIs(t, err, codec.ErrEncode)
	assert.Nil(t, variants)
}

func TestEncodeUnsupportedSourceFormat(t *testing.T) {
	enc, fake, _, src := setup(t, codectest.Image{Format: "gif", Width: 1000}, Options{Workers: 2})

	_, err := enc.Encode(context.Background(), src, enc.Plan(src))
	assert.ErrorIs(t, err, codec.ErrEncode)
	assert.ErrorIs(t, err, codec.ErrUnsupportedFormat)
	assert.Empty(t, fake.Calls())
}

func TestEncodeReuseSkipsExisting(t *testing.T) {
	enc, fake, store, src := setup(t, codectest.Image{Format: "jpeg", Width: 1000}, Options{Workers: 2, ReuseCache: true})
	jobs := enc.Plan(src)

	_, err := enc.Encode(context.Background(), src, jobs)
	require.NoError(t, err)
	first := len(fake.Calls())
	assert.Equal(t, len(jobs)+1, first)

	variants, err := enc.Encode(context.Background(), src, jobs)
	require.NoError(t, err)
	assert.Len(t, variants, len(jobs))
	assert.Equal(t, first+1, len(fake.Calls()), "second run only re-encodes the fallback")
	assert.Equal(t, 1000, fake.Calls()[first].Width)
	assert.Equal(t, store.Path(testKey), fake.Calls()[first].Src)

	// A deleted variant is regenerated on its own.
	require.NoError(t, os.Remove(store.Path(testKey+"-sm.webp")))
	_, err = enc.Encode(context.Background(), src, jobs)
	require.NoError(t, err)
	assert.Equal(t, first+3, len(fake.Calls()))
}

func TestEncodeWithoutReuseAlwaysEncodes(t *testing.T) {
	enc, fake, _, src := setup(t, codectest.Image{Format: "jpeg", Width: 1000}, Options{Workers: 2})
	jobs := enc.Plan(src)

	for i := 0; i < 2; i++ {
		_, err := enc.Encode(context.Background(), src, jobs)
		require.NoError(t, err)
	}
	assert.Len(t, fake.Calls(), 2*(len(jobs)+1))
}

func TestEncodeCancelledContext(t *testing.T) {
	enc, _, _, src := setup(t, codectest.Image{Format: "jpeg", Width: 1000}, Options{Workers: 1})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := enc.Encode(ctx, src, enc.Plan(src))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestEncodeLeavesNoTempFiles(t *testing.T) {
	enc, _, store, src := setup(t, codectest.Image{Format: "jpeg", Width: 2000}, Options{Workers: 3})

	_, err := enc.Encode(context.Background(), src, enc.Plan(src))
	require.NoError(t, err)

	entries, err := os.ReadDir(store.Dir())
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		assert.False(t, strings.HasSuffix(e.Name(), ".tmp"))
		names = append(names, e.Name())
	}
	sort.Strings(names)
	assert.Equal(t, []string{
		testKey,
		testKey + "-lg.jpeg", testKey + "-lg.webp",
		testKey + "-md.jpeg", testKey + "-md.webp",
		testKey + "-sm.jpeg", testKey + "-sm.webp",
		testKey + ".jpeg",
	}, names)
}
