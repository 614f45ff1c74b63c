package transfer

import (
	"context"
	"sync"

	"github.com/forest6511/mediaq/pkg/errors"
)

// ControllerSet holds the cancel handle of every in-flight transfer attempt, keyed by
// registration so a global stop can cancel them all and a skip can target one worker.
type ControllerSet struct {
	mu      sync.Mutex
	entries map[uint64]controller
	nextID  uint64
}

type controller struct {
	worker int
	cancel context.CancelCauseFunc
}

// NewControllerSet creates an empty set.
func NewControllerSet() *ControllerSet {
	return &ControllerSet{entries: make(map[uint64]controller)}
}

// Register adds cancel for worker and returns the handle to pass to Deregister.
func (s *ControllerSet) Register(worker int, cancel context.CancelCauseFunc) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	s.entries[s.nextID] = controller{worker: worker, cancel: cancel}
	return s.nextID
}

// Deregister removes a handle. Removing an unknown handle is a no-op.
func (s *ControllerSet) Deregister(id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.entries, id)
}

// Abort cancels the active transfer of one worker with ErrCancelledByUser and
// reports how many handles were cancelled.
func (s *ControllerSet) Abort(worker int) int {
	s.mu.Lock()
	var targets []context.CancelCauseFunc
	for _, c := range s.entries {
		if c.worker == worker {
			targets = append(targets, c.cancel)
		}
	}
	s.mu.Unlock()

	for _, cancel := range targets {
		cancel(errors.ErrCancelledByUser)
	}
	return len(targets)
}

// AbortAll cancels every registered transfer with cause and reports how many were cancelled.
// Handles stay registered until their owning attempt deregisters them.
func (s *ControllerSet) AbortAll(cause error) int {
	if cause == nil {
		cause = errors.ErrCancelledByUser
	}

	s.mu.Lock()
	targets := make([]context.CancelCauseFunc, 0, len(s.entries))
	for _, c := range s.entries {
		targets = append(targets, c.cancel)
	}
	s.mu.Unlock()

	for _, cancel := range targets {
		cancel(cause)
	}
	return len(targets)
}

// Len returns the number of registered handles.
func (s *ControllerSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.entries)
}

// Workers returns the workers that currently have a transfer in flight.
func (s *ControllerSet) Workers() []int {
	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[int]bool, len(s.entries))
	workers := make([]int, 0, len(s.entries))
	for _, c := range s.entries {
		if !seen[c.worker] {
			seen[c.worker] = true
			workers = append(workers, c.worker)
		}
	}
	return workers
}
