package events

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// EventType represents different types of events published by the queue.
type EventType string

const (
	// Queue run events
	EventRunStarted  EventType = "run_started"
	EventRunFinished EventType = "run_finished"
	EventStatus      EventType = "status"

	// Worker slot events
	EventWorkerProgress EventType = "worker_progress"
	EventWorkerHidden   EventType = "worker_hidden"
	EventWorkerFailed   EventType = "worker_failed"
	EventSlotsCleared   EventType = "slots_cleared"

	// Item outcome events
	EventItemCompleted EventType = "item_completed"
	EventItemFailed    EventType = "item_failed"
	EventItemSkipped   EventType = "item_skipped"

	// Pipeline control events
	EventPaused   EventType = "paused"
	EventResumed  EventType = "resumed"
	EventFinished EventType = "finished"

	// Watchdog events
	EventWatchdogRestart   EventType = "watchdog_restart"
	EventWatchdogExhausted EventType = "watchdog_exhausted"
)

// AllTypes lists every event type, for listeners that want the whole stream.
var AllTypes = []EventType{
	EventRunStarted, EventRunFinished, EventStatus,
	EventWorkerProgress, EventWorkerHidden, EventWorkerFailed, EventSlotsCleared,
	EventItemCompleted, EventItemFailed, EventItemSkipped,
	EventPaused, EventResumed, EventFinished,
	EventWatchdogRestart, EventWatchdogExhausted,
}

// Event represents an event that occurs in the queue
type Event struct {
	Type      EventType   `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data"`
	Source    string      `json:"source"`
}

// WorkerProgress is the payload of EventWorkerProgress.
type WorkerProgress struct {
	RunID   string
	Worker  int
	Item    int
	Percent float64
	Label   string
	// Streaming is set when the server sent no length and Percent is a heartbeat.
	Streaming bool
}

// WorkerSlot is the payload of EventWorkerHidden and EventWorkerFailed.
type WorkerSlot struct {
	RunID  string
	Worker int
	Item   int
	Label  string
	Err    error
}

// Status is the payload of EventStatus. Text conventionally reads "<kind>: <completed>/<total>".
type Status struct {
	RunID     string
	Text      string
	Completed int
	Total     int
}

// ItemResult is the payload of the item outcome events.
type ItemResult struct {
	RunID    string
	Kind     string
	Worker   int
	Item     int
	URL      string
	Filename string
	Bytes    int64
	Duration time.Duration
	Err      error
}

// RunInfo is the payload of EventRunStarted and EventRunFinished.
type RunInfo struct {
	RunID       string
	Kind        string
	Total       int
	Completed   int
	Failed      int
	Concurrency int
	Phase       string
}

// WatchdogInfo is the payload of the watchdog events.
type WatchdogInfo struct {
	Attempt     int
	MaxRestarts int
	Remaining   int
	Elapsed     time.Duration
}

// EventListener is a function that handles events
type EventListener func(event Event)

// Publisher is the publishing side of the bus, as seen by the scheduler and the watchdog.
type Publisher interface {
	Emit(event Event)
}

// EventEmitter manages event listeners and emits events
type EventEmitter struct {
	listeners map[EventType][]listenerEntry
	mu        sync.RWMutex
	closed    bool
	nextID    uint64
}

// listenerEntry holds a listener function and whether it should only run once
type listenerEntry struct {
	id       uint64
	listener EventListener
	once     bool
}

// NewEventEmitter creates a new event emitter
func NewEventEmitter() *EventEmitter {
	return &EventEmitter{
		listeners: make(map[EventType][]listenerEntry),
	}
}

// On adds an event listener for the specified event types
func (ee *EventEmitter) On(listener EventListener, eventTypes ...EventType) {
	ee.mu.Lock()
	defer ee.mu.Unlock()

	if ee.closed {
		return
	}

	for _, et := range eventTypes {
		ee.nextID++
		ee.listeners[et] = append(ee.listeners[et], listenerEntry{id: ee.nextID, listener: listener})
	}
}

// Once adds an event listener that will only be called once
func (ee *EventEmitter) Once(eventType EventType, listener EventListener) {
	ee.mu.Lock()
	defer ee.mu.Unlock()

	if ee.closed {
		return
	}

	ee.nextID++
	ee.listeners[eventType] = append(ee.listeners[eventType], listenerEntry{
		id:       ee.nextID,
		listener: listener,
		once:     true,
	})
}

// Emit delivers event to every listener in registration order, on the caller's goroutine.
// Listeners observe events from one publisher in the order they were emitted.
func (ee *EventEmitter) Emit(event Event) {
	ee.mu.RLock()
	if ee.closed {
		ee.mu.RUnlock()
		return
	}

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	listeners := make([]listenerEntry, len(ee.listeners[event.Type]))
	copy(listeners, ee.listeners[event.Type])
	ee.mu.RUnlock()

	var fired []EventListener
	for _, entry := range listeners {
		if entry.once && !ee.claimOnce(event.Type, entry) {
			continue
		}
		fired = append(fired, entry.listener)
	}

	for _, l := range fired {
		dispatch(l, event)
	}
}

func dispatch(l EventListener, e Event) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Str("event", string(e.Type)).Msg("Event listener panic")
		}
	}()
	l(e)
}

// claimOnce removes a once listener, reporting false if a concurrent Emit already claimed it.
func (ee *EventEmitter) claimOnce(eventType EventType, entry listenerEntry) bool {
	ee.mu.Lock()
	defer ee.mu.Unlock()

	current := ee.listeners[eventType]
	for i, e := range current {
		if e.id == entry.id {
			ee.listeners[eventType] = append(current[:i:i], current[i+1:]...)
			if len(ee.listeners[eventType]) == 0 {
				delete(ee.listeners, eventType)
			}
			return true
		}
	}
	return false
}

// ListenerCount returns the number of listeners for a specific event type
func (ee *EventEmitter) ListenerCount(eventType EventType) int {
	ee.mu.RLock()
	defer ee.mu.RUnlock()

	return len(ee.listeners[eventType])
}

// RemoveAllListeners removes all listeners for the given event types,
// or all listeners if no event type is specified
func (ee *EventEmitter) RemoveAllListeners(eventType ...EventType) {
	ee.mu.Lock()
	defer ee.mu.Unlock()

	if len(eventType) == 0 {
		ee.listeners = make(map[EventType][]listenerEntry)
		return
	}
	for _, et := range eventType {
		delete(ee.listeners, et)
	}
}

// Close closes the event emitter and drops every listener
func (ee *EventEmitter) Close() {
	ee.mu.Lock()
	defer ee.mu.Unlock()

	ee.closed = true
	ee.listeners = make(map[EventType][]listenerEntry)
}

// IsClosed returns whether the event emitter is closed
func (ee *EventEmitter) IsClosed() bool {
	ee.mu.RLock()
	defer ee.mu.RUnlock()

	return ee.closed
}

// WaitForEvent waits for a specific event type to be emitted
func (ee *EventEmitter) WaitForEvent(ctx context.Context, eventType EventType) (Event, error) {
	eventChan := make(chan Event, 1)

	ee.Once(eventType, func(event Event) {
		select {
		case eventChan <- event:
		default:
		}
	})

	select {
	case event := <-eventChan:
		return event, nil
	case <-ctx.Done():
		return Event{}, ctx.Err()
	}
}

// New is a helper function to create a new event
func New(eventType EventType, data interface{}, source string) Event {
	return Event{
		Type:      eventType,
		Timestamp: time.Now(),
		Data:      data,
		Source:    source,
	}
}

// NopPublisher discards every event.
type NopPublisher struct{}

// Emit implements Publisher.
func (NopPublisher) Emit(Event) {}
