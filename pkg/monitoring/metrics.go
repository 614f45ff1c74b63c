// Package monitoring turns queue events into Prometheus metrics and a running summary.
package monitoring

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/forest6511/mediaq/pkg/errors"
	"github.com/forest6511/mediaq/pkg/events"
)

const namespace = "mediaq"

// Item outcomes used as the "outcome" label.
const (
	OutcomeCompleted = "completed"
	OutcomeFailed    = "failed"
	OutcomeSkipped   = "skipped"
)

// Summary aggregates item outcomes across every run seen by a Collector.
type Summary struct {
	Completed        int64
	Failed           int64
	Skipped          int64
	Bytes            int64
	Runs             int64
	WatchdogRestarts int64
	Exhausted        bool
	ErrorBreakdown   map[string]int64
	LastUpdated      time.Time
}

// SuccessRate is completed / (completed + failed), or 0 before any outcome.
func (s Summary) SuccessRate() float64 {
	done := s.Completed + s.Failed
	if done == 0 {
		return 0
	}
	return float64(s.Completed) / float64(done)
}

// Collector owns the queue metrics.
type Collector struct {
	items     *prometheus.CounterVec
	bytes     *prometheus.CounterVec
	duration  *prometheus.HistogramVec
	runs      *prometheus.CounterVec
	remaining *prometheus.GaugeVec
	active    prometheus.Gauge
	paused    prometheus.Gauge
	restarts  prometheus.Counter
	exhausted prometheus.Gauge

	mu       sync.Mutex
	summary  Summary
	runKinds map[string]string
	visible  map[int]bool
}

// NewRegistry returns a registry with the Go runtime and process collectors installed.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// Handler serves the metrics in reg.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}

// NewCollector creates the metrics and registers them with reg. A nil reg leaves them
// unregistered, which is handy in tests.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		items: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "items_total",
			Help:      "Work items by kind and outcome.",
		}, []string{"kind", "outcome"}),
		bytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_total",
			Help:      "Bytes handed to the sink.",
		}, []string{"kind"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "item_duration_seconds",
			Help:      "Time from claim to save for completed items.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
		}, []string{"kind"}),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Finished queue runs by kind and phase.",
		}, []string{"kind", "phase"}),
		remaining: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "remaining_items",
			Help:      "Items of the current run not yet completed.",
		}, []string{"kind"}),
		active: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_workers",
			Help:      "Worker slots currently visible.",
		}),
		paused: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "paused",
			Help:      "1 while the queue is paused.",
		}),
		restarts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "watchdog_restarts_total",
			Help:      "Automatic restarts triggered by the stall watchdog.",
		}),
		exhausted: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "watchdog_exhausted",
			Help:      "1 once the watchdog has given up.",
		}),
		summary:  Summary{ErrorBreakdown: make(map[string]int64)},
		runKinds: make(map[string]string),
		visible:  make(map[int]bool),
	}

	if reg != nil {
		reg.MustRegister(c.items, c.bytes, c.duration, c.runs, c.remaining,
			c.active, c.paused, c.restarts, c.exhausted)
	}
	return c
}

// Attach subscribes the collector to bus and returns it.
func (c *Collector) Attach(bus *events.EventEmitter) *Collector {
	bus.On(c.handle, events.AllTypes...)
	return c
}

func (c *Collector) handle(e events.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch e.Type {
	case events.EventRunStarted:
		if info, ok := e.Data.(events.RunInfo); ok {
			c.runKinds[info.RunID] = info.Kind
			c.remaining.WithLabelValues(info.Kind).Set(float64(info.Total))
		}
	case events.EventRunFinished:
		if info, ok := e.Data.(events.RunInfo); ok {
			delete(c.runKinds, info.RunID)
			c.runs.WithLabelValues(info.Kind, info.Phase).Inc()
			c.summary.Runs++
		}
	case events.EventStatus:
		if st, ok := e.Data.(events.Status); ok {
			if kind, known := c.runKinds[st.RunID]; known {
				c.remaining.WithLabelValues(kind).Set(float64(st.Total - st.Completed))
			}
		}
	case events.EventWorkerProgress:
		if wp, ok := e.Data.(events.WorkerProgress); ok {
			c.visible[wp.Worker] = true
		}
	case events.EventWorkerHidden:
		if ws, ok := e.Data.(events.WorkerSlot); ok {
			delete(c.visible, ws.Worker)
		}
	case events.EventSlotsCleared:
		c.visible = make(map[int]bool)
	case events.EventItemCompleted:
		if r, ok := e.Data.(events.ItemResult); ok {
			c.items.WithLabelValues(r.Kind, OutcomeCompleted).Inc()
			c.bytes.WithLabelValues(r.Kind).Add(float64(r.Bytes))
			c.duration.WithLabelValues(r.Kind).Observe(r.Duration.Seconds())
			c.summary.Completed++
			c.summary.Bytes += r.Bytes
		}
	case events.EventItemFailed:
		if r, ok := e.Data.(events.ItemResult); ok {
			c.items.WithLabelValues(r.Kind, OutcomeFailed).Inc()
			c.summary.Failed++
			c.summary.ErrorBreakdown[classifyError(r.Err)]++
		}
	case events.EventItemSkipped:
		if r, ok := e.Data.(events.ItemResult); ok {
			c.items.WithLabelValues(r.Kind, OutcomeSkipped).Inc()
			c.summary.Skipped++
		}
	case events.EventPaused:
		c.paused.Set(1)
	case events.EventResumed:
		c.paused.Set(0)
	case events.EventWatchdogRestart:
		c.restarts.Inc()
		c.summary.WatchdogRestarts++
	case events.EventWatchdogExhausted:
		c.exhausted.Set(1)
		c.summary.Exhausted = true
	default:
		return
	}

	c.active.Set(float64(len(c.visible)))
	c.summary.LastUpdated = e.Timestamp
}

// Summary returns a copy of the running totals.
func (c *Collector) Summary() Summary {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := c.summary
	s.ErrorBreakdown = make(map[string]int64, len(c.summary.ErrorBreakdown))
	for k, v := range c.summary.ErrorBreakdown {
		s.ErrorBreakdown[k] = v
	}
	return s
}

// classifyError maps a failure to a low-cardinality label.
func classifyError(err error) string {
	if err == nil {
		return "unknown"
	}
	switch code := errors.GetErrorCode(err); code {
	case errors.CodeHTTPError:
		switch status := errors.GetStatusCode(err); {
		case status == 404 || status == 410:
			return "not_found"
		case status == 401 || status == 403:
			return "forbidden"
		case status >= 500:
			return "server_error"
		default:
			return "http_error"
		}
	case errors.CodeUnknown:
		return "unknown"
	default:
		return code.String()
	}
}
