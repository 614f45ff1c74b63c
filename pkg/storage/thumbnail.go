package storage

import (
	"bytes"
	"context"
	"path"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/rs/zerolog/log"

	"github.com/forest6511/mediaq/pkg/types"
)

// ThumbnailPrefix is the key prefix thumbnails are stored under.
const ThumbnailPrefix = "thumbs/"

// ThumbnailSink forwards every blob to next and, for decodable images, also stores a
// JPEG preview that fits in a size x size box. Thumbnail failures are logged and never
// fail the save.
type ThumbnailSink struct {
	next    types.Sink
	backend StorageBackend
	size    int
}

// NewThumbnailSink wraps next. Thumbnails are written to backend under ThumbnailPrefix.
func NewThumbnailSink(next types.Sink, backend StorageBackend, size int) *ThumbnailSink {
	if size <= 0 {
		size = 256
	}
	return &ThumbnailSink{next: next, backend: backend, size: size}
}

// Save implements types.Sink.
func (t *ThumbnailSink) Save(ctx context.Context, blob *types.Blob, filename string) error {
	if err := t.next.Save(ctx, blob, filename); err != nil {
		return err
	}
	if !strings.HasPrefix(strings.ToLower(blob.ContentType), "image/") {
		return nil
	}

	key := ThumbnailKey(filename)
	if ok, err := t.backend.Exists(ctx, key); err == nil && ok {
		return nil
	}

	img, err := imaging.Decode(bytes.NewReader(blob.Data), imaging.AutoOrientation(true))
	if err != nil {
		// webp and friends are not decodable; the original is still saved.
		log.Debug().Err(err).Str("file", filename).Msg("Skipping thumbnail")
		return nil
	}

	thumb := imaging.Fit(img, t.size, t.size, imaging.Lanczos)

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, thumb, imaging.JPEG, imaging.JPEGQuality(80)); err != nil {
		log.Warn().Err(err).Str("file", filename).Msg("Failed to encode thumbnail")
		return nil
	}
	if err := t.backend.Save(ctx, key, &buf); err != nil {
		log.Warn().Err(err).Str("key", key).Msg("Failed to save thumbnail")
	}
	return nil
}

// ThumbnailKey returns the key the thumbnail of filename is stored under.
func ThumbnailKey(filename string) string {
	base := strings.TrimSuffix(filename, path.Ext(filename))
	return ThumbnailPrefix + base + ".jpg"
}
