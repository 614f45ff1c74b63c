// Package storage persists downloaded media blobs under their generated filenames.
package storage

import (
	"context"
	"io"
)

// StorageBackend is a keyed blob store. Keys are the generated media filenames,
// optionally nested under a prefix such as "thumbs/".
type StorageBackend interface {
	// Init configures the backend. Keys and value types depend on the backend.
	Init(config map[string]interface{}) error

	// Save stores data under key, replacing any previous value.
	Save(ctx context.Context, key string, data io.Reader) error

	// Load returns a reader for the value stored under key.
	Load(ctx context.Context, key string) (io.ReadCloser, error)

	// Exists reports whether key holds a value.
	Exists(ctx context.Context, key string) (bool, error)

	// List returns every key starting with prefix.
	List(ctx context.Context, prefix string) ([]string, error)

	Close() error
}
