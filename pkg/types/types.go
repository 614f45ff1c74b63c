// Package types defines the core types and contracts shared by the mediaq download queue.
package types

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Kind identifies a class of media. Each kind is drained as its own queue phase.
type Kind string

const (
	// KindImage covers still images discovered in a gallery.
	KindImage Kind = "images"

	// KindVideo covers video sources discovered on a page.
	KindVideo Kind = "videos"
)

// Singular returns the per-item label used in progress reports ("image", "video").
func (k Kind) Singular() string {
	return strings.TrimSuffix(string(k), "s")
}

// Blob is the in-memory result of a completed transfer.
type Blob struct {
	// URL is the source the bytes were read from.
	URL string

	// Data holds the full response body.
	Data []byte

	// ContentType is the server-declared MIME type, possibly empty.
	ContentType string
}

// Size returns the number of bytes held by the blob.
func (b *Blob) Size() int64 {
	if b == nil {
		return 0
	}
	return int64(len(b.Data))
}

// NameFunc derives the final filename from a downloaded blob. The true extension is
// only known once the content type has been received.
type NameFunc func(blob *Blob) string

// WorkItem is one downloadable unit. It is immutable once enqueued.
type WorkItem struct {
	// URL is the remote resource to fetch.
	URL string

	// Timeout bounds the whole transfer of this item, per attempt.
	Timeout time.Duration

	// Name picks the filename handed to the sink.
	Name NameFunc
}

// Resources is the ordered output of a discovery pass.
type Resources struct {
	Images []string
	Videos []string
}

// Empty reports whether discovery found nothing at all.
func (r Resources) Empty() bool {
	return len(r.Images) == 0 && len(r.Videos) == 0
}

// Discoverer produces the list of downloadable resources. It is called again on every
// restart so a fresh queue run always reflects the current source.
type Discoverer interface {
	Discover(ctx context.Context) (Resources, error)
}

// Sink persists a downloaded blob under a filename. Implementations may de-duplicate
// filenames within a session.
type Sink interface {
	Save(ctx context.Context, blob *Blob, filename string) error
}

// ImageExtension maps a content type to the file extension used for images.
// Unknown or missing types fall back to jpg.
func ImageExtension(contentType string) string {
	t := strings.ToLower(contentType)
	switch {
	case strings.Contains(t, "gif"):
		return "gif"
	case strings.Contains(t, "png"):
		return "png"
	case strings.Contains(t, "webp"):
		return "webp"
	default:
		return "jpg"
	}
}

// ImageNamer returns a NameFunc producing "<prefix>_image_<n>.<ext>".
func ImageNamer(prefix string, n int) NameFunc {
	return func(blob *Blob) string {
		var contentType string
		if blob != nil {
			contentType = blob.ContentType
		}
		return fmt.Sprintf("%s_image_%d.%s", prefix, n, ImageExtension(contentType))
	}
}

// VideoNamer returns a NameFunc producing "<prefix>_video_<n>.mp4".
func VideoNamer(prefix string, n int) NameFunc {
	return func(*Blob) string {
		return fmt.Sprintf("%s_video_%d.mp4", prefix, n)
	}
}
