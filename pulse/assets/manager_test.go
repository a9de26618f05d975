package assets

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/teranos/automaton/errors"
)

// fakeDownloader writes a fixed body per URL and counts calls.
type fakeDownloader struct {
	dir    string
	bodies map[string][]byte
	errs   map[string]error
	gate   chan struct{} // when non-nil every download waits for a receive

	mu    sync.Mutex
	calls map[string]int
	began chan string
}

func newFakeDownloader(t *testing.T) *fakeDownloader {
	return &fakeDownloader{
		dir:    t.TempDir(),
		bodies: make(map[string][]byte),
		errs:   make(map[string]error),
		calls:  make(map[string]int),
		began:  make(chan string, 16),
	}
}

func (f *fakeDownloader) Download(ctx context.Context, url string) (string, error) {
	f.mu.Lock()
	f.calls[url]++
	f.mu.Unlock()
	f.began <- url

	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if err := f.errs[url]; err != nil {
		return "", err
	}

	p := filepath.Join(f.dir, FileName(url)+".tmp")
	return p, os.WriteFile(p, f.bodies[url], 0644)
}

func (f *fakeDownloader) count(url string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[url]
}

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	img.Set(0, 0, color.White)
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func newTestManager(t *testing.T, d Downloader) (*Manager, string) {
	t.Helper()
	root := t.TempDir()
	return NewManager(NewDirFileManager(root), d, zaptest.NewLogger(t).Sugar()), root
}

func TestCacheAsset_DownloadsAndSkipsCached(t *testing.T) {
	d := newFakeDownloader(t)
	d.bodies["https://cdn.example.com/a.png"] = []byte("a")
	d.bodies["https://cdn.example.com/b.png"] = []byte("b")
	m, _ := newTestManager(t, d)
	ctx := context.Background()
	urls := []string{"https://cdn.example.com/a.png", "https://cdn.example.com/b.png"}

	handle, err := m.CacheAsset(ctx, "schedule-1", urls)
	require.NoError(t, err)

	for _, u := range urls {
		local, ok := handle.CacheURL(u)
		require.True(t, ok, u)
		assert.Equal(t, FileName(u), filepath.Base(local))
	}

	_, err = m.CacheAsset(ctx, "schedule-1", urls)
	require.NoError(t, err)
	assert.Equal(t, 1, d.count(urls[0]), "cached URL is not downloaded again")
	assert.Equal(t, 1, d.count(urls[1]))
}

func TestFileName_UsesURLPath(t *testing.T) {
	assert.Equal(t, FileName("https://a.example.com/img/x.png?v=1"), FileName("https://b.example.com/img/x.png"))
	assert.NotEqual(t, FileName("https://a.example.com/img/x.png"), FileName("https://a.example.com/img/y.png"))
	assert.Len(t, FileName("https://a.example.com/img/x.png"), 64)
}

// Given: two concurrent CacheAsset calls for one identifier
// When: the first is still downloading
// Then: the second joins it, both get the same handle and each URL downloads once
func TestCacheAsset_JoinsInFlightTask(t *testing.T) {
	d := newFakeDownloader(t)
	d.gate = make(chan struct{})
	url := "https://cdn.example.com/hero.png"
	d.bodies[url] = []byte("hero")
	m, _ := newTestManager(t, d)
	ctx := context.Background()

	results := make(chan *Assets, 2)
	for i := 0; i < 2; i++ {
		go func() {
			h, err := m.CacheAsset(ctx, "s", []string{url})
			assert.NoError(t, err)
			results <- h
		}()
	}

	<-d.began
	// Give the second caller time to attach before releasing the download
	time.Sleep(20 * time.Millisecond)
	close(d.gate)

	first, second := <-results, <-results
	require.NotNil(t, first)
	assert.Same(t, first, second)
	assert.Equal(t, 1, d.count(url))
}

func TestCacheAsset_DifferentIdentifiersRunInParallel(t *testing.T) {
	d := newFakeDownloader(t)
	d.gate = make(chan struct{})
	m, _ := newTestManager(t, d)
	ctx := context.Background()

	done := make(chan struct{}, 2)
	for _, id := range []string{"one", "two"} {
		go func(id string) {
			_, err := m.CacheAsset(ctx, id, []string{"https://cdn.example.com/" + id})
			assert.NoError(t, err)
			done <- struct{}{}
		}(id)
	}

	// Both downloads start before either is released
	<-d.began
	<-d.began
	d.gate <- struct{}{}
	d.gate <- struct{}{}
	<-done
	<-done
}

func TestClearCache_ThenCacheRedownloads(t *testing.T) {
	d := newFakeDownloader(t)
	url := "https://cdn.example.com/a.png"
	d.bodies[url] = []byte("a")
	m, root := newTestManager(t, d)
	ctx := context.Background()

	_, err := m.CacheAsset(ctx, "s", []string{url})
	require.NoError(t, err)

	require.NoError(t, m.ClearCache("s"))
	_, err = os.Stat(filepath.Join(root, DirName("s")))
	assert.True(t, os.IsNotExist(err))

	handle, err := m.CacheAsset(ctx, "s", []string{url})
	require.NoError(t, err)
	assert.True(t, handle.IsCached(url))
	assert.Equal(t, 2, d.count(url))
}

func TestClearCache_NothingToClear(t *testing.T) {
	m, _ := newTestManager(t, newFakeDownloader(t))
	assert.NoError(t, m.ClearCache("never-cached"))
}

func TestClearCache_CancelsInFlightTask(t *testing.T) {
	d := newFakeDownloader(t)
	d.gate = make(chan struct{})
	first, second := "https://cdn.example.com/1.png", "https://cdn.example.com/2.png"
	m, root := newTestManager(t, d)

	type result struct {
		handle *Assets
		err    error
	}
	out := make(chan result, 1)
	go func() {
		h, err := m.CacheAsset(context.Background(), "s", []string{first, second})
		out <- result{h, err}
	}()

	<-d.began
	require.NoError(t, m.ClearCache("s"))

	r := <-out
	require.NoError(t, r.err, "cancellation returns the partial handle")
	require.NotNil(t, r.handle)
	assert.False(t, r.handle.IsCached(second))
	assert.Equal(t, 0, d.count(second), "no download after cancellation")

	_, err := os.Stat(filepath.Join(root, DirName("s")))
	assert.True(t, os.IsNotExist(err))
}

func TestCacheAsset_CallerContextDoesNotCancelTask(t *testing.T) {
	d := newFakeDownloader(t)
	d.gate = make(chan struct{})
	url := "https://cdn.example.com/a.png"
	m, _ := newTestManager(t, d)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		_, err := m.CacheAsset(ctx, "s", []string{url})
		errc <- err
	}()
	<-d.began
	cancel()
	assert.ErrorIs(t, <-errc, context.Canceled)

	// A later caller joins the still-running task
	close(d.gate)
	handle, err := m.CacheAsset(context.Background(), "s", []string{url})
	require.NoError(t, err)
	assert.True(t, handle.IsCached(url))
	assert.Equal(t, 1, d.count(url))
}

func TestCacheAsset_PermanentFailure(t *testing.T) {
	d := newFakeDownloader(t)
	url := "https://cdn.example.com/missing.png"
	d.errs[url] = errors.New("bad response code: 404")
	m, _ := newTestManager(t, d)

	_, err := m.CacheAsset(context.Background(), "s", []string{url})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrPermanent))
	assert.Equal(t, ErrorClassPermanent, ClassifyError(err))
}

func TestCacheAsset_TransientFailure(t *testing.T) {
	d := newFakeDownloader(t)
	url := "https://cdn.example.com/a.png"
	d.errs[url] = errors.New("dial tcp: connection refused")
	m, _ := newTestManager(t, d)

	_, err := m.CacheAsset(context.Background(), "s", []string{url})
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrPermanent))
	assert.Equal(t, ErrorClassTransient, ClassifyError(err))
}

func TestMediaSize(t *testing.T) {
	d := newFakeDownloader(t)
	img := "https://cdn.example.com/banner.png"
	notImg := "https://cdn.example.com/readme.txt"
	d.bodies[img] = pngBytes(t, 320, 50)
	d.bodies[notImg] = []byte("plain text")
	m, _ := newTestManager(t, d)

	handle, err := m.CacheAsset(context.Background(), "s", []string{img, notImg})
	require.NoError(t, err)

	assert.Equal(t, Size{Width: 320, Height: 50}, handle.MediaSize(img))
	assert.Equal(t, UnknownSize, handle.MediaSize(notImg))
	assert.Equal(t, UnknownSize, handle.MediaSize("https://cdn.example.com/never.png"))

	// Survives a restart through the sidecar, even if the image itself is gone
	local, _ := handle.CacheURL(img)
	require.NoError(t, os.Remove(local))
	reloaded := newAssets("s", handle.Dir, NewDirFileManager(filepath.Dir(handle.Dir)))
	assert.Equal(t, Size{Width: 320, Height: 50}, reloaded.MediaSize(img))
}

func TestWithRateLimit(t *testing.T) {
	d := newFakeDownloader(t)
	root := t.TempDir()
	m := NewManager(NewDirFileManager(root), d, nil, WithRateLimit(1000, 1))
	require.NotNil(t, m.limiter)

	urls := []string{"https://x/1", "https://x/2", "https://x/3"}
	handle, err := m.CacheAsset(context.Background(), "s", urls)
	require.NoError(t, err)
	for _, u := range urls {
		assert.True(t, handle.IsCached(u))
	}

	assert.Nil(t, NewManager(NewDirFileManager(root), d, nil, WithRateLimit(0, 0)).limiter)
}
