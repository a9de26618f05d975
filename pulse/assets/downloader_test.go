package assets

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/automaton/errors"
)

func TestGetterDownloader(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/logo.png" {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte("png-bytes"))
	}))
	defer srv.Close()

	d := NewGetterDownloader(t.TempDir())

	t.Run("downloads to temp path", func(t *testing.T) {
		p, err := d.Download(context.Background(), srv.URL+"/logo.png")
		require.NoError(t, err)
		data, err := os.ReadFile(p)
		require.NoError(t, err)
		assert.Equal(t, "png-bytes", string(data))
	})

	t.Run("not found is permanent", func(t *testing.T) {
		_, err := d.Download(context.Background(), srv.URL+"/missing.png")
		require.Error(t, err)
		assert.Equal(t, ErrorClassPermanent, ClassifyError(err))
	})
}

func TestClassifyError(t *testing.T) {
	tests := []struct {
		err  error
		want ErrorClass
	}{
		{errors.New("bad response code: 404"), ErrorClassPermanent},
		{errors.New("bad response code: 410"), ErrorClassPermanent},
		{errors.New("bad response code: 429"), ErrorClassTransient},
		{errors.New("bad response code: 503"), ErrorClassTransient},
		{errors.New("open /tmp/x: no such file or directory"), ErrorClassPermanent},
		{errors.New("download not supported for scheme 'ftp'"), ErrorClassPermanent},
		{errors.New("read tcp: connection reset by peer"), ErrorClassTransient},
		{errors.Mark(errors.New("anything"), ErrPermanent), ErrorClassPermanent},
	}

	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			assert.Equal(t, tt.want, ClassifyError(tt.err))
		})
	}
}
