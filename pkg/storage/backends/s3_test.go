package backends

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forest6511/mediaq/pkg/storage"
)

// fakeS3 answers the handful of path-style requests the backend issues.
type fakeS3 struct {
	mu      sync.Mutex
	objects map[string]string // key -> content type
}

func (f *fakeS3) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	key := strings.TrimPrefix(r.URL.Path, "/media-bucket")
	key = strings.TrimPrefix(key, "/")

	switch {
	case r.Method == http.MethodPut:
		f.objects[key] = r.Header.Get("Content-Type")
		w.Header().Set("ETag", `"etag"`)
		w.WriteHeader(http.StatusOK)
	case r.Method == http.MethodHead:
		if _, ok := f.objects[key]; !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Length", "0")
		w.WriteHeader(http.StatusOK)
	case r.Method == http.MethodGet && r.URL.Query().Get("list-type") == "2":
		prefix := r.URL.Query().Get("prefix")
		var b strings.Builder
		b.WriteString(`<?xml version="1.0" encoding="UTF-8"?><ListBucketResult xmlns="http://s3.amazonaws.com/doc/2006-03-01/"><Name>media-bucket</Name><IsTruncated>false</IsTruncated>`)
		for k := range f.objects {
			if strings.HasPrefix(k, prefix) {
				fmt.Fprintf(&b, "<Contents><Key>%s</Key><Size>1</Size></Contents>", k)
			}
		}
		b.WriteString(`</ListBucketResult>`)
		w.Header().Set("Content-Type", "application/xml")
		_, _ = w.Write([]byte(b.String()))
	default:
		w.WriteHeader(http.StatusNotImplemented)
	}
}

func newFakeS3Backend(t *testing.T) (*S3Backend, *fakeS3) {
	t.Helper()
	fake := &fakeS3{objects: make(map[string]string)}
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	b := NewS3Backend()
	require.NoError(t, b.Init(map[string]interface{}{
		"bucket":          "media-bucket",
		"prefix":          "runs/",
		"region":          "us-east-1",
		"accessKeyId":     "AKIDEXAMPLE",
		"secretAccessKey": "secret",
		"endpoint":        srv.URL,
		"usePathStyle":    true,
	}))
	return b, fake
}

func TestS3Backend_SaveExistsList(t *testing.T) {
	b, fake := newFakeS3Backend(t)
	ctx := context.Background()

	require.NoError(t, b.Save(ctx, "civitai_image_1.png", strings.NewReader("png")))

	fake.mu.Lock()
	ct, stored := fake.objects["runs/civitai_image_1.png"]
	fake.mu.Unlock()
	require.True(t, stored, "object is stored under the configured prefix")
	assert.Equal(t, "image/png", ct)

	ok, err := b.Exists(ctx, "civitai_image_1.png")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = b.Exists(ctx, "civitai_image_9.png")
	require.NoError(t, err)
	assert.False(t, ok)

	keys, err := b.List(ctx, "civitai_")
	require.NoError(t, err)
	assert.Equal(t, []string{"civitai_image_1.png"}, keys)
}

func TestS3Backend_Init(t *testing.T) {
	assert.ErrorIs(t, NewS3Backend().Init(map[string]interface{}{}), storage.ErrInvalidConfig)

	var b S3Backend
	assert.ErrorIs(t, b.Save(context.Background(), "a", strings.NewReader("x")), storage.ErrBackendNotReady)
}

func TestS3Backend_Keys(t *testing.T) {
	b := &S3Backend{prefix: "runs"}
	assert.Equal(t, "runs/a.jpg", b.buildKey("/a.jpg"))
	assert.Equal(t, "a.jpg", b.stripPrefix("runs/a.jpg"))

	b = &S3Backend{}
	assert.Equal(t, "a.jpg", b.buildKey("a.jpg"))
}
