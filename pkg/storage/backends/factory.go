// Package backends provides the storage backends media can be persisted to.
package backends

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/forest6511/mediaq/pkg/config"
	"github.com/forest6511/mediaq/pkg/storage"
)

// New returns an uninitialized backend for a storage type name.
func New(kind string) (storage.StorageBackend, error) {
	switch kind {
	case "filesystem", "":
		return NewFileSystemBackend(), nil
	case "memory":
		return NewMemoryBackend(), nil
	case "s3":
		return NewS3Backend(), nil
	case "gcs":
		return NewGCSBackend(), nil
	case "redis":
		return NewRedisBackend(), nil
	default:
		return nil, fmt.Errorf("%w: %q", storage.ErrUnknownBackend, kind)
	}
}

// NewFromConfig creates and initializes the backend described by cfg. For the
// filesystem backend, Path and MinFreeSpace fill in basePath and minFreeSpace
// unless Options already set them.
func NewFromConfig(cfg config.StorageConfig) (storage.StorageBackend, error) {
	backend, err := New(cfg.Type)
	if err != nil {
		return nil, err
	}

	options := make(map[string]interface{}, len(cfg.Options)+2)
	for k, v := range cfg.Options {
		options[k] = v
	}
	if cfg.Type == "filesystem" || cfg.Type == "" {
		if _, ok := options["basePath"]; !ok {
			options["basePath"] = cfg.Path
		}
		if _, ok := options["minFreeSpace"]; !ok {
			options["minFreeSpace"] = cfg.MinFreeSpace
		}
	}

	if err := backend.Init(options); err != nil {
		return nil, fmt.Errorf("failed to initialize %s storage: %w", cfg.Type, err)
	}
	return backend, nil
}

// toInt64 accepts the numeric shapes a decoded JSON or Go config map can hold.
func toInt64(v interface{}) (int64, error) {
	switch n := v.(type) {
	case int:
		return int64(n), nil
	case int64:
		return n, nil
	case float64:
		return int64(n), nil
	case json.Number:
		return n.Int64()
	case string:
		return strconv.ParseInt(n, 10, 64)
	default:
		return 0, fmt.Errorf("unsupported number type %T", v)
	}
}
