package monitoring

import (
	"fmt"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forest6511/mediaq/pkg/errors"
	"github.com/forest6511/mediaq/pkg/events"
)

func emit(bus *events.EventEmitter, t events.EventType, data interface{}) {
	bus.Emit(events.New(t, data, "test"))
}

func TestCollector_ItemOutcomes(t *testing.T) {
	bus := events.NewEventEmitter()
	c := NewCollector(nil).Attach(bus)

	emit(bus, events.EventRunStarted, events.RunInfo{RunID: "r1", Kind: "images", Total: 4})
	emit(bus, events.EventItemCompleted, events.ItemResult{RunID: "r1", Kind: "images", Bytes: 100, Duration: 200 * time.Millisecond})
	emit(bus, events.EventItemCompleted, events.ItemResult{RunID: "r1", Kind: "images", Bytes: 50})
	emit(bus, events.EventItemFailed, events.ItemResult{RunID: "r1", Kind: "images", Err: errors.FromHTTPStatus(404, "")})
	emit(bus, events.EventItemSkipped, events.ItemResult{RunID: "r1", Kind: "images"})
	emit(bus, events.EventStatus, events.Status{RunID: "r1", Completed: 2, Total: 4})

	assert.Equal(t, 2.0, testutil.ToFloat64(c.items.WithLabelValues("images", OutcomeCompleted)))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.items.WithLabelValues("images", OutcomeFailed)))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.items.WithLabelValues("images", OutcomeSkipped)))
	assert.Equal(t, 150.0, testutil.ToFloat64(c.bytes.WithLabelValues("images")))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.remaining.WithLabelValues("images")))

	s := c.Summary()
	assert.Equal(t, int64(2), s.Completed)
	assert.Equal(t, int64(1), s.Failed)
	assert.Equal(t, int64(1), s.Skipped)
	assert.Equal(t, int64(150), s.Bytes)
	assert.InDelta(t, 2.0/3.0, s.SuccessRate(), 1e-9)
	assert.Equal(t, map[string]int64{"not_found": 1}, s.ErrorBreakdown)
	assert.False(t, s.LastUpdated.IsZero())
}

func TestCollector_RunsAndControls(t *testing.T) {
	bus := events.NewEventEmitter()
	c := NewCollector(nil).Attach(bus)

	emit(bus, events.EventRunStarted, events.RunInfo{RunID: "r1", Kind: "videos", Total: 2})
	emit(bus, events.EventWorkerProgress, events.WorkerProgress{RunID: "r1", Worker: 0})
	emit(bus, events.EventWorkerProgress, events.WorkerProgress{RunID: "r1", Worker: 1})
	emit(bus, events.EventWorkerProgress, events.WorkerProgress{RunID: "r1", Worker: 1, Percent: 50})
	assert.Equal(t, 2.0, testutil.ToFloat64(c.active))

	emit(bus, events.EventWorkerHidden, events.WorkerSlot{RunID: "r1", Worker: 0})
	assert.Equal(t, 1.0, testutil.ToFloat64(c.active))

	emit(bus, events.EventPaused, nil)
	assert.Equal(t, 1.0, testutil.ToFloat64(c.paused))
	emit(bus, events.EventSlotsCleared, nil)
	assert.Equal(t, 0.0, testutil.ToFloat64(c.active))
	emit(bus, events.EventResumed, nil)
	assert.Equal(t, 0.0, testutil.ToFloat64(c.paused))

	emit(bus, events.EventRunFinished, events.RunInfo{RunID: "r1", Kind: "videos", Phase: "paused"})
	assert.Equal(t, 1.0, testutil.ToFloat64(c.runs.WithLabelValues("videos", "paused")))

	emit(bus, events.EventWatchdogRestart, events.WatchdogInfo{Attempt: 1})
	emit(bus, events.EventWatchdogRestart, events.WatchdogInfo{Attempt: 2})
	emit(bus, events.EventWatchdogExhausted, events.WatchdogInfo{Attempt: 2})
	assert.Equal(t, 2.0, testutil.ToFloat64(c.restarts))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.exhausted))

	s := c.Summary()
	assert.Equal(t, int64(1), s.Runs)
	assert.Equal(t, int64(2), s.WatchdogRestarts)
	assert.True(t, s.Exhausted)
	assert.Zero(t, s.SuccessRate())
}

func TestCollector_StatusForUnknownRunIgnored(t *testing.T) {
	bus := events.NewEventEmitter()
	c := NewCollector(nil).Attach(bus)

	emit(bus, events.EventStatus, events.Status{RunID: "nope", Completed: 1, Total: 3})
	assert.Equal(t, 0, testutil.CollectAndCount(c.remaining))
}

func TestCollector_SummaryIsACopy(t *testing.T) {
	bus := events.NewEventEmitter()
	c := NewCollector(nil).Attach(bus)
	emit(bus, events.EventItemFailed, events.ItemResult{Kind: "images", Err: errors.ErrStalled})

	s := c.Summary()
	s.ErrorBreakdown["mutated"] = 9
	assert.NotContains(t, c.Summary().ErrorBreakdown, "mutated")
}

func TestClassifyError(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, "unknown"},
		{fmt.Errorf("plain"), "unknown"},
		{errors.FromHTTPStatus(404, ""), "not_found"},
		{errors.FromHTTPStatus(403, ""), "forbidden"},
		{errors.FromHTTPStatus(503, ""), "server_error"},
		{errors.FromHTTPStatus(418, ""), "http_error"},
		{errors.New(errors.CodeTransferFailed, "gave up"), "transfer_failed"},
		{errors.New(errors.CodeSinkFailed, "disk"), "sink_failed"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, classifyError(tt.err), "%v", tt.err)
	}
}

func TestHandler_ServesRegisteredMetrics(t *testing.T) {
	reg := NewRegistry()
	bus := events.NewEventEmitter()
	NewCollector(reg).Attach(bus)
	emit(bus, events.EventItemCompleted, events.ItemResult{Kind: "images", Bytes: 10})

	rec := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	require.Equal(t, 200, rec.Code)
	body := rec.Body.String()
	assert.True(t, strings.Contains(body, `mediaq_items_total{kind="images",outcome="completed"} 1`))
	assert.Contains(t, body, "go_goroutines")
}
