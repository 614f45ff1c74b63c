package storage

import (
	"bytes"
	"context"
	"sort"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/forest6511/mediaq/pkg/errors"
	"github.com/forest6511/mediaq/pkg/types"
)

// Sink writes blobs to a StorageBackend and remembers which filenames were written
// during the session. A filename already written is not written again; a run restart
// therefore never produces "name (1).jpg" style duplicates.
type Sink struct {
	backend StorageBackend

	mu      sync.Mutex
	written map[string]bool
}

// NewSink creates a Sink over backend.
func NewSink(backend StorageBackend) *Sink {
	return &Sink{
		backend: backend,
		written: make(map[string]bool),
	}
}

// Save implements types.Sink.
func (s *Sink) Save(ctx context.Context, blob *types.Blob, filename string) error {
	if blob == nil {
		return errors.New(errors.CodeSinkFailed, "nil blob for "+filename)
	}
	if filename == "" {
		return errors.Wrap(nil, errors.CodeSinkFailed, "empty filename", blob.URL)
	}

	// Claim the name first so two workers racing on the same file write it once.
	s.mu.Lock()
	if s.written[filename] {
		s.mu.Unlock()
		log.Debug().Str("file", filename).Msg("Already saved this session")
		return nil
	}
	s.written[filename] = true
	s.mu.Unlock()

	if err := s.backend.Save(ctx, filename, bytes.NewReader(blob.Data)); err != nil {
		s.mu.Lock()
		delete(s.written, filename)
		s.mu.Unlock()
		return errors.Wrap(err, errors.CodeSinkFailed, "failed to save "+filename, blob.URL)
	}

	log.Debug().Str("file", filename).Int64("bytes", blob.Size()).Msg("Saved")
	return nil
}

// Seen reports whether filename was written during this session.
func (s *Sink) Seen(filename string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.written[filename]
}

// Written returns the filenames saved this session in lexical order.
func (s *Sink) Written() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	names := make([]string, 0, len(s.written))
	for name := range s.written {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Backend returns the underlying store.
func (s *Sink) Backend() StorageBackend {
	return s.backend
}
