// Package assets caches remote media for schedules on local disk.
//
// Each identifier (normally a schedule id) owns one directory. Files inside it are
// named by the sha256 of the URL path, so caching the same URL again is a no-op.
// At most one caching task runs per identifier; concurrent callers join it.
package assets

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"net/url"
	"os"
	"path/filepath"
	"sync"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/webp"

	"github.com/teranos/automaton/errors"
)

// MetadataFile is the sidecar holding decoded media dimensions
const MetadataFile = "metadata.json"

// Size is a media width and height in pixels.
type Size struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// UnknownSize is returned when dimensions cannot be determined
var UnknownSize = Size{Width: -1, Height: -1}

// FileName returns the content-addressed file name for a remote URL
func FileName(remoteURL string) string {
	p := remoteURL
	if u, err := url.Parse(remoteURL); err == nil && u.Path != "" {
		p = u.Path
	}
	sum := sha256.Sum256([]byte(p))
	return hex.EncodeToString(sum[:])
}

// Assets resolves remote URLs to cached files for one identifier.
type Assets struct {
	ID  string
	Dir string

	files FileManager

	mu     sync.Mutex
	sizes  map[string]Size
	loaded bool
}

func newAssets(id, dir string, files FileManager) *Assets {
	return &Assets{ID: id, Dir: dir, files: files, sizes: make(map[string]Size)}
}

// CacheURL returns the local path for remoteURL and whether it is cached
func (a *Assets) CacheURL(remoteURL string) (string, bool) {
	p := filepath.Join(a.Dir, FileName(remoteURL))
	return p, a.files.Exists(p)
}

// IsCached reports whether remoteURL has been downloaded
func (a *Assets) IsCached(remoteURL string) bool {
	_, ok := a.CacheURL(remoteURL)
	return ok
}

// MediaSize returns the cached image dimensions for remoteURL.
// Dimensions are decoded from the image header on first access and then
// persisted in the sidecar. Uncached or undecodable files yield UnknownSize.
func (a *Assets) MediaSize(remoteURL string) Size {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.loadMetadataLocked()
	if size, ok := a.sizes[remoteURL]; ok {
		return size
	}

	local, ok := a.CacheURL(remoteURL)
	if !ok {
		return UnknownSize
	}

	size, err := decodeSize(local)
	if err != nil {
		return UnknownSize
	}

	a.sizes[remoteURL] = size
	a.saveMetadataLocked()
	return size
}

func decodeSize(path string) (Size, error) {
	f, err := os.Open(path)
	if err != nil {
		return UnknownSize, err
	}
	defer f.Close()

	cfg, _, err := image.DecodeConfig(f)
	if err != nil {
		return UnknownSize, errors.Wrapf(err, "failed to decode image header %s", path)
	}
	return Size{Width: cfg.Width, Height: cfg.Height}, nil
}

func (a *Assets) loadMetadataLocked() {
	if a.loaded {
		return
	}
	a.loaded = true

	data, err := os.ReadFile(filepath.Join(a.Dir, MetadataFile))
	if err != nil {
		return
	}
	var sizes map[string]Size
	if json.Unmarshal(data, &sizes) != nil {
		return
	}
	for k, v := range sizes {
		a.sizes[k] = v
	}
}

// saveMetadataLocked is best effort; a failed write only costs a re-decode later
func (a *Assets) saveMetadataLocked() {
	data, err := json.Marshal(a.sizes)
	if err != nil {
		return
	}
	tmp := filepath.Join(a.Dir, MetadataFile+".tmp")
	if os.WriteFile(tmp, data, 0644) != nil {
		return
	}
	os.Rename(tmp, filepath.Join(a.Dir, MetadataFile))
}
