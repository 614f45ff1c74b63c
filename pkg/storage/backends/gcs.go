package backends

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"path"
	"strings"

	gcs "cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"github.com/forest6511/mediaq/pkg/storage"
)

// GCSBackend uploads media to a Google Cloud Storage bucket.
//
// Config keys: bucket (required), prefix, key_file, use_emulator, emulator_host.
// Without a key file the default credential chain is used.
type GCSBackend struct {
	client       *gcs.Client
	bucket       string
	prefix       string
	keyFile      string
	useEmulator  bool
	emulatorHost string
}

// NewGCSBackend creates a new Google Cloud Storage backend.
func NewGCSBackend() *GCSBackend {
	return &GCSBackend{emulatorHost: "localhost:8080"}
}

// Init initializes the GCS client.
func (g *GCSBackend) Init(config map[string]interface{}) error {
	bucket, ok := config["bucket"].(string)
	if !ok || bucket == "" {
		return fmt.Errorf("%w: bucket is required for GCS backend", storage.ErrInvalidConfig)
	}
	g.bucket = bucket

	if prefix, ok := config["prefix"].(string); ok {
		g.prefix = strings.Trim(prefix, "/")
	}
	if keyFile, ok := config["key_file"].(string); ok {
		g.keyFile = keyFile
	}
	if useEmulator, ok := config["use_emulator"].(bool); ok {
		g.useEmulator = useEmulator
	}
	if host, ok := config["emulator_host"].(string); ok && host != "" {
		g.emulatorHost = host
	}

	client, err := gcs.NewClient(context.Background(), g.clientOptions()...)
	if err != nil {
		return fmt.Errorf("failed to create GCS client: %w", err)
	}
	g.client = client
	return nil
}

func (g *GCSBackend) clientOptions() []option.ClientOption {
	var opts []option.ClientOption
	if g.useEmulator {
		opts = append(opts,
			option.WithEndpoint(fmt.Sprintf("http://%s/storage/v1/", g.emulatorHost)),
			option.WithoutAuthentication(),
		)
	} else if g.keyFile != "" {
		opts = append(opts, option.WithCredentialsFile(g.keyFile))
	}
	return opts
}

// Save streams data into the object. The upload is committed by the writer's Close.
func (g *GCSBackend) Save(ctx context.Context, key string, data io.Reader) error {
	if g.client == nil {
		return storage.ErrBackendNotReady
	}
	fullKey := g.buildKey(key)

	w := g.client.Bucket(g.bucket).Object(fullKey).NewWriter(ctx)
	if ct := mime.TypeByExtension(path.Ext(key)); ct != "" {
		w.ContentType = ct
	}

	if _, err := io.Copy(w, data); err != nil {
		_ = w.Close()
		return fmt.Errorf("failed to write data to GCS object %s: %w", fullKey, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to commit GCS object %s: %w", fullKey, err)
	}
	return nil
}

// Load opens a reader on the object.
func (g *GCSBackend) Load(ctx context.Context, key string) (io.ReadCloser, error) {
	if g.client == nil {
		return nil, storage.ErrBackendNotReady
	}
	fullKey := g.buildKey(key)

	r, err := g.client.Bucket(g.bucket).Object(fullKey).NewReader(ctx)
	if err != nil {
		if errors.Is(err, gcs.ErrObjectNotExist) {
			return nil, storage.ErrKeyNotFound
		}
		return nil, fmt.Errorf("failed to create reader for GCS object %s: %w", fullKey, err)
	}
	return r, nil
}

// Exists checks the object's attributes.
func (g *GCSBackend) Exists(ctx context.Context, key string) (bool, error) {
	if g.client == nil {
		return false, storage.ErrBackendNotReady
	}
	fullKey := g.buildKey(key)

	_, err := g.client.Bucket(g.bucket).Object(fullKey).Attrs(ctx)
	if err != nil {
		if errors.Is(err, gcs.ErrObjectNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("failed to check existence of GCS object %s: %w", fullKey, err)
	}
	return true, nil
}

// List returns object keys with the given prefix.
func (g *GCSBackend) List(ctx context.Context, prefix string) ([]string, error) {
	if g.client == nil {
		return nil, storage.ErrBackendNotReady
	}

	it := g.client.Bucket(g.bucket).Objects(ctx, &gcs.Query{Prefix: g.buildKey(prefix)})

	var keys []string
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to list GCS objects: %w", err)
		}
		keys = append(keys, g.stripPrefix(attrs.Name))
	}
	return keys, nil
}

// Close releases the client.
func (g *GCSBackend) Close() error {
	if g.client != nil {
		return g.client.Close()
	}
	return nil
}

func (g *GCSBackend) buildKey(key string) string {
	if g.prefix == "" {
		return key
	}
	return g.prefix + "/" + strings.TrimPrefix(key, "/")
}

func (g *GCSBackend) stripPrefix(objectName string) string {
	if g.prefix == "" {
		return objectName
	}
	return strings.TrimPrefix(objectName, g.prefix+"/")
}
