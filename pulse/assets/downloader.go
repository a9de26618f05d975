package assets

import (
	"context"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	getter "github.com/hashicorp/go-getter"

	"github.com/teranos/automaton/errors"
)

// Downloader fetches one remote asset to a local temporary path.
type Downloader interface {
	Download(ctx context.Context, url string) (string, error)
}

// GetterDownloader downloads with go-getter in single-file mode.
// Only http, https and file sources are accepted and archives are never unpacked.
type GetterDownloader struct {
	TempDir    string
	HTTPClient *http.Client
}

// NewGetterDownloader creates a downloader staging files in tempDir
func NewGetterDownloader(tempDir string) *GetterDownloader {
	return &GetterDownloader{TempDir: tempDir}
}

// Download fetches src into a fresh file under TempDir
func (d *GetterDownloader) Download(ctx context.Context, src string) (string, error) {
	if err := os.MkdirAll(d.TempDir, 0755); err != nil {
		return "", errors.Wrap(err, "failed to create download directory")
	}
	dst := filepath.Join(d.TempDir, uuid.NewString()+".download")

	httpGetter := &getter.HttpGetter{Client: d.HTTPClient}
	client := &getter.Client{
		Ctx:  ctx,
		Src:  src,
		Dst:  dst,
		Mode: getter.ClientModeFile,
		Getters: map[string]getter.Getter{
			"http":  httpGetter,
			"https": httpGetter,
			"file":  &getter.FileGetter{Copy: true},
		},
		Decompressors: map[string]getter.Decompressor{},
	}

	if err := client.Get(); err != nil {
		os.Remove(dst)
		err = errors.Wrap(err, "download failed")
		return "", errors.WithDetail(err, "URL: "+src)
	}
	return dst, nil
}

// ErrorClass distinguishes download failures worth retrying
type ErrorClass string

const (
	ErrorClassTransient ErrorClass = "transient"
	ErrorClassPermanent ErrorClass = "permanent"
)

// ClassifyError categorizes a download error based on its message.
// Client errors and unsupported or missing sources are permanent, everything else is transient.
func ClassifyError(err error) ErrorClass {
	if err == nil {
		return ErrorClassTransient
	}
	if errors.Is(err, ErrPermanent) {
		return ErrorClassPermanent
	}

	errLower := strings.ToLower(err.Error())
	switch {
	case strings.Contains(errLower, "bad response code: 408"),
		strings.Contains(errLower, "bad response code: 429"):
		return ErrorClassTransient

	case strings.Contains(errLower, "bad response code: 4"),
		strings.Contains(errLower, "no such file"),
		strings.Contains(errLower, "download not supported for scheme"),
		strings.Contains(errLower, "invalid url"),
		strings.Contains(errLower, "unsupported protocol"):
		return ErrorClassPermanent

	default:
		return ErrorClassTransient
	}
}
