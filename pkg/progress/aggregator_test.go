package progress

import (
	"sync"
	"testing"
	"time"

	"github.com/forest6511/mediaq/pkg/events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestAggregator() (*Aggregator, *fakeClock) {
	clock := &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	return newAggregatorWithClock(clock.Now), clock
}

func TestParseStatus(t *testing.T) {
	tests := []struct {
		text      string
		completed int
		total     int
		ok        bool
	}{
		{"images: 2/3", 2, 3, true},
		{"videos: 10 / 12", 10, 12, true},
		{"Downloading 0/0", 0, 0, true},
		{"paused", 0, 0, false},
		{"", 0, 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			completed, total, ok := ParseStatus(tt.text)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.completed, completed)
			assert.Equal(t, tt.total, total)
		})
	}
}

func TestSetStatus_MirrorsCounters(t *testing.T) {
	agg, clock := newTestAggregator()
	start := agg.Snapshot().LastProgress

	clock.Advance(5 * time.Second)
	agg.SetStatus("images: 1/4")

	snap := agg.Snapshot()
	assert.Equal(t, "images: 1/4", snap.Status)
	assert.Equal(t, 1, snap.Completed)
	assert.Equal(t, 4, snap.Total)
	assert.Equal(t, 3, snap.Remaining())
	assert.Equal(t, start.Add(5*time.Second), snap.LastProgress)

	agg.SetStatus("paused")
	snap = agg.Snapshot()
	assert.Equal(t, 1, snap.Completed, "text without counters keeps the previous mirror")
	assert.Equal(t, 4, snap.Total)
}

func TestSetWorkerProgress(t *testing.T) {
	agg, clock := newTestAggregator()

	clock.Advance(time.Second)
	agg.SetWorkerProgress(1, 42, "images 1")
	agg.SetWorkerProgress(0, 150, "images 0")
	agg.SetWorkerProgress(2, -3, "images 2")

	snap := agg.Snapshot()
	require.Len(t, snap.Slots, 3)
	assert.Equal(t, 0, snap.Slots[0].Worker)
	assert.Equal(t, 100.0, snap.Slots[0].Percent)
	assert.Equal(t, 42.0, snap.Slots[1].Percent)
	assert.Equal(t, 0.0, snap.Slots[2].Percent)
	assert.True(t, snap.Slots[1].Visible)
	assert.Equal(t, clock.Now(), snap.LastProgress)
}

func TestFailAndHideDoNotRefreshProgress(t *testing.T) {
	agg, clock := newTestAggregator()
	agg.SetWorkerProgress(0, 10, "a")
	before := agg.Snapshot().LastProgress

	clock.Advance(time.Minute)
	agg.FailWorker(0, "a failed")
	snap := agg.Snapshot()
	assert.True(t, snap.Slots[0].Failed)
	assert.Equal(t, "a failed", snap.Slots[0].Label)

	agg.HideWorker(0)
	agg.HideWorker(7)
	snap = agg.Snapshot()
	require.Len(t, snap.Slots, 1)
	assert.False(t, snap.Slots[0].Visible)
	assert.Equal(t, before, snap.LastProgress)

	agg.Clear()
	assert.Empty(t, agg.Snapshot().Slots)
}

func TestRemaining_NeverNegative(t *testing.T) {
	assert.Equal(t, 0, Snapshot{Completed: 5, Total: 3}.Remaining())
	assert.Equal(t, 2, Snapshot{Completed: 1, Total: 3}.Remaining())
}

func TestUpdates_NonBlocking(t *testing.T) {
	agg, _ := newTestAggregator()

	for i := 0; i < 500; i++ {
		agg.SetWorkerProgress(0, float64(i%100), "x")
	}

	select {
	case snap := <-agg.Updates():
		assert.NotEmpty(t, snap.Slots)
	default:
		t.Fatal("expected a buffered snapshot")
	}

	agg.Close()
	agg.Close()
	agg.SetStatus("images: 1/1")
}

func TestAttach(t *testing.T) {
	agg, _ := newTestAggregator()
	bus := events.NewEventEmitter()
	agg.Attach(bus)

	bus.Emit(events.New(events.EventWorkerProgress, events.WorkerProgress{Worker: 2, Percent: 30, Label: "video 2 (stream)", Streaming: true}, "test"))
	bus.Emit(events.New(events.EventStatus, events.Status{Text: "videos: 0/2"}, "test"))
	bus.Emit(events.New(events.EventPaused, nil, "test"))

	snap := agg.Snapshot()
	require.Len(t, snap.Slots, 1)
	assert.True(t, snap.Slots[0].Streaming)
	assert.Equal(t, 2, snap.Total)
	assert.True(t, snap.Paused)

	bus.Emit(events.New(events.EventWorkerFailed, events.WorkerSlot{Worker: 2, Label: "failed"}, "test"))
	assert.True(t, agg.Snapshot().Slots[0].Failed)

	bus.Emit(events.New(events.EventWorkerHidden, events.WorkerSlot{Worker: 2}, "test"))
	assert.False(t, agg.Snapshot().Slots[0].Visible)

	bus.Emit(events.New(events.EventResumed, nil, "test"))
	bus.Emit(events.New(events.EventSlotsCleared, nil, "test"))
	snap = agg.Snapshot()
	assert.False(t, snap.Paused)
	assert.Empty(t, snap.Slots)
}

func TestAttach_RunsAndDeliveries(t *testing.T) {
	agg, _ := newTestAggregator()
	bus := events.NewEventEmitter()
	agg.Attach(bus)

	assert.True(t, agg.Snapshot().Idle)

	bus.Emit(events.New(events.EventRunStarted, events.RunInfo{Kind: "images", Total: 2}, "test"))
	assert.False(t, agg.Snapshot().Idle)

	bus.Emit(events.New(events.EventItemCompleted, events.ItemResult{Filename: "x_image_1.jpg"}, "test"))
	bus.Emit(events.New(events.EventItemCompleted, events.ItemResult{Filename: "x_image_1.jpg"}, "test"))
	bus.Emit(events.New(events.EventItemCompleted, events.ItemResult{URL: "https://example.com/b.jpg"}, "test"))
	assert.Equal(t, 2, agg.Snapshot().Delivered, "a file fetched again is not new progress")

	bus.Emit(events.New(events.EventRunFinished, events.RunInfo{Kind: "images", Phase: "done"}, "test"))
	snap := agg.Snapshot()
	assert.True(t, snap.Idle)
	assert.Equal(t, 2, snap.Delivered)
}
