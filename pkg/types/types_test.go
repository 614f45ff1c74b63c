package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKind_Singular(t *testing.T) {
	assert.Equal(t, "image", KindImage.Singular())
	assert.Equal(t, "video", KindVideo.Singular())
}

func TestImageExtension(t *testing.T) {
	tests := []struct {
		contentType string
		want        string
	}{
		{"image/gif", "gif"},
		{"image/PNG", "png"},
		{"image/webp", "webp"},
		{"image/jpeg", "jpg"},
		{"", "jpg"},
		{"application/octet-stream", "jpg"},
	}

	for _, tt := range tests {
		t.Run(tt.contentType, func(t *testing.T) {
			assert.Equal(t, tt.want, ImageExtension(tt.contentType))
		})
	}
}

func TestNamers(t *testing.T) {
	img := ImageNamer("civitai", 3)
	assert.Equal(t, "civitai_image_3.png", img(&Blob{ContentType: "image/png"}))
	assert.Equal(t, "civitai_image_3.jpg", img(nil))

	vid := VideoNamer("civitai", 7)
	assert.Equal(t, "civitai_video_7.mp4", vid(&Blob{ContentType: "video/webm"}))
}

func TestBlobSize(t *testing.T) {
	var nilBlob *Blob
	assert.Equal(t, int64(0), nilBlob.Size())
	assert.Equal(t, int64(4), (&Blob{Data: []byte("abcd")}).Size())
}

func TestResourcesEmpty(t *testing.T) {
	assert.True(t, Resources{}.Empty())
	assert.False(t, Resources{Videos: []string{"https://v"}}.Empty())
}
