// Package progress aggregates per-worker progress and the queue status line.
//
// The Aggregator is the single place that records when the queue last showed signs of
// life. The watchdog reads that timestamp, the mirrored completed/total counters and
// whether a run is active from a Snapshot, so it never needs access to the scheduler
// itself.
package progress

import (
	"regexp"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/forest6511/mediaq/pkg/events"
)

var statusPattern = regexp.MustCompile(`(\d+)\s*/\s*(\d+)`)

// Slot is the visible state of one worker's progress indicator.
type Slot struct {
	Worker    int
	Percent   float64
	Label     string
	Visible   bool
	Failed    bool
	Streaming bool
	UpdatedAt time.Time
}

// Snapshot is a point-in-time copy of the aggregated state.
type Snapshot struct {
	Slots        []Slot
	Status       string
	Completed    int
	Total        int
	LastProgress time.Time
	Paused       bool

	// Idle is set while no queue run is active: before the first run, between phases,
	// and after a run finished or was stopped.
	Idle bool

	// Delivered counts the distinct files completed during the session. Unlike
	// Completed it survives restarts, and re-downloading a file does not count again.
	Delivered int
}

// Remaining returns the number of items not yet completed according to the status mirror.
func (s Snapshot) Remaining() int {
	if s.Total <= s.Completed {
		return 0
	}
	return s.Total - s.Completed
}

// Aggregator maintains worker slots, the status line and the last-progress timestamp.
type Aggregator struct {
	mu           sync.RWMutex
	slots        map[int]*Slot
	status       string
	completed    int
	total        int
	lastProgress time.Time
	paused       bool
	running      bool
	delivered    map[string]struct{}
	now          func() time.Time
	updateChan   chan Snapshot
	closeOnce    sync.Once
	closed       bool
}

// NewAggregator creates an empty aggregator.
func NewAggregator() *Aggregator {
	return newAggregatorWithClock(time.Now)
}

func newAggregatorWithClock(now func() time.Time) *Aggregator {
	return &Aggregator{
		slots:        make(map[int]*Slot),
		delivered:    make(map[string]struct{}),
		now:          now,
		lastProgress: now(),
		updateChan:   make(chan Snapshot, 100),
	}
}

// SetWorkerProgress records a progress report for worker and refreshes the last-progress timestamp.
func (a *Aggregator) SetWorkerProgress(worker int, pct float64, label string) {
	a.setWorkerProgress(worker, pct, label, false)
}

func (a *Aggregator) setWorkerProgress(worker int, pct float64, label string, streaming bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.now()
	slot := a.slot(worker)
	slot.Percent = clamp(pct)
	slot.Label = label
	slot.Visible = true
	slot.Failed = false
	slot.Streaming = streaming
	slot.UpdatedAt = now
	a.lastProgress = now

	a.publish()
}

// SetStatus records the status line and mirrors any "completed/total" pair it contains.
func (a *Aggregator) SetStatus(text string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.status = text
	if completed, total, ok := ParseStatus(text); ok {
		a.completed = completed
		a.total = total
	}
	a.lastProgress = a.now()

	a.publish()
}

// FailWorker marks worker's slot as failed.
func (a *Aggregator) FailWorker(worker int, label string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	slot := a.slot(worker)
	slot.Failed = true
	slot.Visible = true
	slot.Label = label
	slot.UpdatedAt = a.now()

	a.publish()
}

// HideWorker hides worker's slot.
func (a *Aggregator) HideWorker(worker int) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if slot, ok := a.slots[worker]; ok {
		slot.Visible = false
		a.publish()
	}
}

// Clear removes every slot.
func (a *Aggregator) Clear() {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.slots = make(map[int]*Slot)
	a.publish()
}

// SetPaused mirrors the pipeline's pause flag.
func (a *Aggregator) SetPaused(paused bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.paused = paused
	a.publish()
}

// SetRunning records whether a queue run is active.
func (a *Aggregator) SetRunning(running bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.running = running
	a.publish()
}

// Deliver records a completed file. Repeated names are counted once.
func (a *Aggregator) Deliver(name string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, ok := a.delivered[name]; ok {
		return
	}
	a.delivered[name] = struct{}{}
	a.publish()
}

// Snapshot returns a copy of the current state.
func (a *Aggregator) Snapshot() Snapshot {
	a.mu.RLock()
	defer a.mu.RUnlock()

	return a.snapshot()
}

// snapshot must be called with the lock held.
func (a *Aggregator) snapshot() Snapshot {
	slots := make([]Slot, 0, len(a.slots))
	for _, s := range a.slots {
		slots = append(slots, *s)
	}
	sort.Slice(slots, func(i, j int) bool { return slots[i].Worker < slots[j].Worker })

	return Snapshot{
		Slots:        slots,
		Status:       a.status,
		Completed:    a.completed,
		Total:        a.total,
		LastProgress: a.lastProgress,
		Paused:       a.paused,
		Idle:         !a.running,
		Delivered:    len(a.delivered),
	}
}

// Updates returns a channel of snapshots. Sends never block; slow readers miss intermediate states.
func (a *Aggregator) Updates() <-chan Snapshot {
	return a.updateChan
}

// Close closes the updates channel.
func (a *Aggregator) Close() {
	a.closeOnce.Do(func() {
		a.mu.Lock()
		defer a.mu.Unlock()
		a.closed = true
		close(a.updateChan)
	})
}

// publish must be called with the lock held.
func (a *Aggregator) publish() {
	if a.closed {
		return
	}
	select {
	case a.updateChan <- a.snapshot():
	default:
	}
}

// slot must be called with the lock held.
func (a *Aggregator) slot(worker int) *Slot {
	s, ok := a.slots[worker]
	if !ok {
		s = &Slot{Worker: worker}
		a.slots[worker] = s
	}
	return s
}

// Attach subscribes the aggregator to the queue's event bus.
func (a *Aggregator) Attach(bus *events.EventEmitter) {
	bus.On(func(e events.Event) {
		switch e.Type {
		case events.EventWorkerProgress:
			p := e.Data.(events.WorkerProgress)
			a.setWorkerProgress(p.Worker, p.Percent, p.Label, p.Streaming)
		case events.EventStatus:
			a.SetStatus(e.Data.(events.Status).Text)
		case events.EventWorkerFailed:
			s := e.Data.(events.WorkerSlot)
			a.FailWorker(s.Worker, s.Label)
		case events.EventWorkerHidden:
			a.HideWorker(e.Data.(events.WorkerSlot).Worker)
		case events.EventSlotsCleared:
			a.Clear()
		case events.EventPaused:
			a.SetPaused(true)
		case events.EventResumed:
			a.SetPaused(false)
		case events.EventRunStarted:
			a.SetRunning(true)
		case events.EventRunFinished:
			a.SetRunning(false)
		case events.EventItemCompleted:
			r := e.Data.(events.ItemResult)
			name := r.Filename
			if name == "" {
				name = r.URL
			}
			a.Deliver(name)
		}
	},
		events.EventWorkerProgress,
		events.EventStatus,
		events.EventWorkerFailed,
		events.EventWorkerHidden,
		events.EventSlotsCleared,
		events.EventPaused,
		events.EventResumed,
		events.EventRunStarted,
		events.EventRunFinished,
		events.EventItemCompleted,
	)
}

// ParseStatus extracts the first "completed/total" pair from text.
func ParseStatus(text string) (completed, total int, ok bool) {
	m := statusPattern.FindStringSubmatch(text)
	if m == nil {
		return 0, 0, false
	}
	completed, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, 0, false
	}
	total, err = strconv.Atoi(m[2])
	if err != nil {
		return 0, 0, false
	}
	return completed, total, true
}

func clamp(pct float64) float64 {
	switch {
	case pct < 0:
		return 0
	case pct > 100:
		return 100
	default:
		return pct
	}
}
