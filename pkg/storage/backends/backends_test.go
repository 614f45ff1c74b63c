package backends

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forest6511/mediaq/pkg/config"
	"github.com/forest6511/mediaq/pkg/storage"
)

// exerciseBackend runs the behaviour every backend shares.
func exerciseBackend(t *testing.T, b storage.StorageBackend) {
	t.Helper()
	ctx := context.Background()

	require.NoError(t, b.Save(ctx, "civitai_image_1.png", bytes.NewReader([]byte("one"))))
	require.NoError(t, b.Save(ctx, "civitai_image_2.jpg", strings.NewReader("two")))
	require.NoError(t, b.Save(ctx, "thumbs/civitai_image_1.jpg", strings.NewReader("t")))

	ok, err := b.Exists(ctx, "civitai_image_1.png")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = b.Exists(ctx, "civitai_video_1.mp4")
	require.NoError(t, err)
	assert.False(t, ok)

	r, err := b.Load(ctx, "civitai_image_2.jpg")
	require.NoError(t, err)
	data, err := io.ReadAll(r)
	require.NoError(t, err)
	require.NoError(t, r.Close())
	assert.Equal(t, "two", string(data))

	_, err = b.Load(ctx, "missing.jpg")
	assert.ErrorIs(t, err, storage.ErrKeyNotFound)

	keys, err := b.List(ctx, "civitai_")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"civitai_image_1.png", "civitai_image_2.jpg"}, keys)

	keys, err = b.List(ctx, "thumbs/")
	require.NoError(t, err)
	assert.Equal(t, []string{"thumbs/civitai_image_1.jpg"}, keys)

	// Overwrite replaces.
	require.NoError(t, b.Save(ctx, "civitai_image_2.jpg", strings.NewReader("TWO")))
	r, err = b.Load(ctx, "civitai_image_2.jpg")
	require.NoError(t, err)
	data, _ = io.ReadAll(r)
	_ = r.Close()
	assert.Equal(t, "TWO", string(data))
}

func TestMemoryBackend(t *testing.T) {
	b := NewMemoryBackend()
	require.NoError(t, b.Init(nil))

	exerciseBackend(t, b)
	assert.Equal(t, 3, b.Size())
	assert.Equal(t, int64(len("one")+len("TWO")+len("t")), b.MemoryUsage())

	require.NoError(t, b.Close())
	assert.Equal(t, 0, b.Size())
}

func TestMemoryBackend_CancelledContext(t *testing.T) {
	b := NewMemoryBackend()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, b.Save(ctx, "a", strings.NewReader("x")), context.Canceled)
	_, err := b.List(ctx, "")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestFileSystemBackend(t *testing.T) {
	dir := t.TempDir()
	b := NewFileSystemBackend()
	require.NoError(t, b.Init(map[string]interface{}{"basePath": dir}))

	exerciseBackend(t, b)

	data, err := os.ReadFile(filepath.Join(dir, "thumbs", "civitai_image_1.jpg"))
	require.NoError(t, err)
	assert.Equal(t, "t", string(data))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, e := range entries {
		assert.False(t, strings.HasPrefix(e.Name(), ".mediaq-"), "temporary file left behind: %s", e.Name())
	}
}

func TestFileSystemBackend_InitErrors(t *testing.T) {
	assert.ErrorIs(t, NewFileSystemBackend().Init(map[string]interface{}{}), storage.ErrInvalidConfig)
	assert.ErrorIs(t, NewFileSystemBackend().Init(map[string]interface{}{
		"basePath":     t.TempDir(),
		"minFreeSpace": "lots",
	}), storage.ErrInvalidConfig)
}

func TestFileSystemBackend_NotReady(t *testing.T) {
	b := NewFileSystemBackend()
	assert.ErrorIs(t, b.Save(context.Background(), "a.jpg", strings.NewReader("x")), storage.ErrBackendNotReady)
	_, err := b.List(context.Background(), "")
	assert.ErrorIs(t, err, storage.ErrBackendNotReady)
}

func TestFileSystemBackend_KeysStayUnderBase(t *testing.T) {
	dir := t.TempDir()
	base := filepath.Join(dir, "media")
	b := NewFileSystemBackend()
	require.NoError(t, b.Init(map[string]interface{}{"basePath": base}))

	err := b.Save(context.Background(), "../escape.jpg", strings.NewReader("x"))
	require.Error(t, err)

	_, statErr := os.Stat(filepath.Join(dir, "escape.jpg"))
	assert.True(t, os.IsNotExist(statErr), "key must not escape the base directory")

	_, err = b.Load(context.Background(), "../../etc/passwd")
	assert.Error(t, err)
}

func TestFileSystemBackend_FreeSpaceGuard(t *testing.T) {
	dir := t.TempDir()
	b := NewFileSystemBackend()
	require.NoError(t, b.Init(map[string]interface{}{
		"basePath":     dir,
		"minFreeSpace": float64(1 << 62),
	}))

	err := b.Save(context.Background(), "big.mp4", bytes.NewReader([]byte("x")))
	require.Error(t, err)
	assert.ErrorIs(t, err, storage.ErrInsufficientSpace)

	ok, err := b.Exists(context.Background(), "big.mp4")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestFreeSpace(t *testing.T) {
	free, err := freeSpace(t.TempDir())
	require.NoError(t, err)
	assert.Greater(t, free, uint64(0))
}

func TestNew(t *testing.T) {
	for kind, want := range map[string]interface{}{
		"":           &FileSystemBackend{},
		"filesystem": &FileSystemBackend{},
		"memory":     &MemoryBackend{},
		"s3":         &S3Backend{},
		"gcs":        &GCSBackend{},
		"redis":      &RedisBackend{},
	} {
		b, err := New(kind)
		require.NoError(t, err, kind)
		assert.IsType(t, want, b, kind)
	}

	_, err := New("tape")
	assert.ErrorIs(t, err, storage.ErrUnknownBackend)
}

func TestNewFromConfig(t *testing.T) {
	dir := t.TempDir()
	b, err := NewFromConfig(config.StorageConfig{Type: "filesystem", Path: dir})
	require.NoError(t, err)
	fs, ok := b.(*FileSystemBackend)
	require.True(t, ok)
	abs, _ := filepath.Abs(dir)
	assert.Equal(t, abs, fs.BasePath())

	b, err = NewFromConfig(config.StorageConfig{Type: "memory"})
	require.NoError(t, err)
	assert.IsType(t, &MemoryBackend{}, b)

	_, err = NewFromConfig(config.StorageConfig{Type: "s3"})
	assert.ErrorIs(t, err, storage.ErrInvalidConfig)

	_, err = NewFromConfig(config.StorageConfig{Type: "gcs", Options: map[string]interface{}{}})
	assert.ErrorIs(t, err, storage.ErrInvalidConfig)
}

func TestToInt64(t *testing.T) {
	for _, v := range []interface{}{7, int64(7), float64(7), "7"} {
		n, err := toInt64(v)
		require.NoError(t, err)
		assert.Equal(t, int64(7), n)
	}
	_, err := toInt64(true)
	assert.Error(t, err)
}
