package events

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewEventEmitter(t *testing.T) {
	emitter := NewEventEmitter()

	require.NotNil(t, emitter)
	assert.Empty(t, emitter.listeners)
	assert.False(t, emitter.IsClosed())
}

func TestEmit_DeliversInRegistrationOrder(t *testing.T) {
	emitter := NewEventEmitter()

	var got []string
	emitter.On(func(Event) { got = append(got, "first") }, EventStatus)
	emitter.On(func(Event) { got = append(got, "second") }, EventStatus)

	emitter.Emit(New(EventStatus, Status{Text: "images: 0/3"}, "test"))

	assert.Equal(t, []string{"first", "second"}, got)
}

func TestEmit_PreservesPublisherOrder(t *testing.T) {
	emitter := NewEventEmitter()

	var percents []float64
	emitter.On(func(e Event) {
		percents = append(percents, e.Data.(WorkerProgress).Percent)
	}, EventWorkerProgress)

	for _, p := range []float64{0, 10, 55, 100} {
		emitter.Emit(New(EventWorkerProgress, WorkerProgress{Percent: p}, "test"))
	}

	assert.Equal(t, []float64{0, 10, 55, 100}, percents)
}

func TestOn_MultipleTypes(t *testing.T) {
	emitter := NewEventEmitter()

	var count int
	emitter.On(func(Event) { count++ }, EventItemCompleted, EventItemFailed)

	emitter.Emit(New(EventItemCompleted, ItemResult{}, "test"))
	emitter.Emit(New(EventItemFailed, ItemResult{}, "test"))
	emitter.Emit(New(EventItemSkipped, ItemResult{}, "test"))

	assert.Equal(t, 2, count)
	assert.Equal(t, 1, emitter.ListenerCount(EventItemCompleted))
}

func TestOnce_FiresOnceUnderConcurrency(t *testing.T) {
	emitter := NewEventEmitter()

	var fired atomic.Int32
	emitter.Once(EventFinished, func(Event) { fired.Add(1) })

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			emitter.Emit(New(EventFinished, nil, "test"))
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), fired.Load())
	assert.Equal(t, 0, emitter.ListenerCount(EventFinished))
}

func TestEmit_RecoversListenerPanic(t *testing.T) {
	emitter := NewEventEmitter()

	var after bool
	emitter.On(func(Event) { panic("boom") }, EventPaused)
	emitter.On(func(Event) { after = true }, EventPaused)

	assert.NotPanics(t, func() { emitter.Emit(New(EventPaused, nil, "test")) })
	assert.True(t, after)
}

func TestClose(t *testing.T) {
	emitter := NewEventEmitter()

	var called bool
	emitter.On(func(Event) { called = true }, EventStatus)
	emitter.Close()

	emitter.Emit(New(EventStatus, nil, "test"))
	emitter.On(func(Event) { called = true }, EventStatus)

	assert.False(t, called)
	assert.True(t, emitter.IsClosed())
	assert.Equal(t, 0, emitter.ListenerCount(EventStatus))
}

func TestRemoveAllListeners(t *testing.T) {
	emitter := NewEventEmitter()
	noop := func(Event) {}
	emitter.On(noop, EventStatus, EventPaused)

	emitter.RemoveAllListeners(EventStatus)
	assert.Equal(t, 0, emitter.ListenerCount(EventStatus))
	assert.Equal(t, 1, emitter.ListenerCount(EventPaused))

	emitter.RemoveAllListeners()
	assert.Equal(t, 0, emitter.ListenerCount(EventPaused))
}

func TestWaitForEvent(t *testing.T) {
	emitter := NewEventEmitter()

	go func() {
		time.Sleep(10 * time.Millisecond)
		emitter.Emit(New(EventFinished, "done", "test"))
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	event, err := emitter.WaitForEvent(ctx, EventFinished)
	require.NoError(t, err)
	assert.Equal(t, "done", event.Data)

	short, cancelShort := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancelShort()
	_, err = emitter.WaitForEvent(short, EventWatchdogExhausted)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
