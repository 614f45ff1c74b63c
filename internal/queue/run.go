package queue

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/forest6511/mediaq/pkg/types"
)

// Run is one execution of the worker pool over a fixed work list. The claim cursor and
// the counters are the only state workers share; the item list is read-only.
type Run struct {
	ID          string
	Kind        types.Kind
	Items       []types.WorkItem
	Concurrency int

	next      atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
	skipped   atomic.Int64

	statusMu sync.Mutex
}

func newRun(kind types.Kind, items []types.WorkItem, concurrency int) *Run {
	return &Run{
		ID:          uuid.NewString(),
		Kind:        kind,
		Items:       items,
		Concurrency: concurrency,
	}
}

// claim hands out the next index. ok is false once the list is exhausted.
func (r *Run) claim() (idx int, ok bool) {
	idx = int(r.next.Add(1) - 1)
	return idx, idx < len(r.Items)
}

// Total returns the number of items in the run.
func (r *Run) Total() int { return len(r.Items) }

// Completed returns the number of items transferred and saved.
func (r *Run) Completed() int { return int(r.completed.Load()) }

// Failed returns the number of items that failed terminally.
func (r *Run) Failed() int { return int(r.failed.Load()) }

// Skipped returns the number of items abandoned by a skip.
func (r *Run) Skipped() int { return int(r.skipped.Load()) }

// Claimed returns how many items have been handed to workers.
func (r *Run) Claimed() int {
	n := int(r.next.Load())
	if n > len(r.Items) {
		return len(r.Items)
	}
	return n
}

// Remaining returns the items neither completed nor failed.
func (r *Run) Remaining() int {
	return r.Total() - r.Completed() - r.Failed()
}
