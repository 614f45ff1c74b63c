// Package watchdog restarts the whole pipeline when the queue stops making progress,
// up to a fixed number of times.
package watchdog

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/forest6511/mediaq/pkg/events"
	"github.com/forest6511/mediaq/pkg/progress"
)

const (
	DefaultInterval       = time.Second
	DefaultStallThreshold = 30 * time.Second
	DefaultMaxRestarts    = 3
)

// State is the watchdog's position in idle -> monitoring -> (restarting -> monitoring)* -> exhausted.
type State int

const (
	StateIdle State = iota
	StateMonitoring
	StateRestarting
	StateExhausted
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateMonitoring:
		return "monitoring"
	case StateRestarting:
		return "restarting"
	case StateExhausted:
		return "exhausted"
	default:
		return "unknown"
	}
}

// Source exposes the aggregated queue state. *progress.Aggregator satisfies it.
type Source interface {
	Snapshot() progress.Snapshot
}

// RestartFunc aborts the current run and starts a fresh one.
type RestartFunc func(ctx context.Context) error

// Options configures a Watchdog. Zero values fall back to the package defaults.
type Options struct {
	Interval       time.Duration
	StallThreshold time.Duration
	MaxRestarts    int
	Now            func() time.Time
}

// Watchdog polls a Source and calls RestartFunc when a run is active, work remains and
// nothing has moved for longer than the stall threshold. The restart budget is refilled
// only when a file that was not delivered before completes; items a restarted run
// fetches again do not count.
type Watchdog struct {
	source  Source
	restart RestartFunc
	bus     events.Publisher
	opts    Options

	mu            sync.Mutex
	state         State
	attempts      int
	lastDelivered int
	graceFrom     time.Time
}

// New creates an idle watchdog.
func New(source Source, restart RestartFunc, bus events.Publisher, opts Options) *Watchdog {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.StallThreshold <= 0 {
		opts.StallThreshold = DefaultStallThreshold
	}
	if opts.MaxRestarts < 0 {
		opts.MaxRestarts = 0
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if bus == nil {
		bus = events.NopPublisher{}
	}
	return &Watchdog{
		source:  source,
		restart: restart,
		bus:     bus,
		opts:    opts,
	}
}

// Run polls until ctx is done.
func (w *Watchdog) Run(ctx context.Context) error {
	w.mu.Lock()
	if w.state == StateIdle {
		w.state = StateMonitoring
	}
	w.graceFrom = w.opts.Now()
	w.mu.Unlock()

	log.Debug().
		Dur("interval", w.opts.Interval).
		Dur("threshold", w.opts.StallThreshold).
		Int("max_restarts", w.opts.MaxRestarts).
		Msg("Watchdog started")

	ticker := time.NewTicker(w.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			w.Tick(ctx, w.opts.Now())
		}
	}
}

// Tick evaluates the queue once at now.
func (w *Watchdog) Tick(ctx context.Context, now time.Time) {
	snap := w.source.Snapshot()

	w.mu.Lock()
	if w.state == StateIdle {
		w.state = StateMonitoring
	}

	if snap.Delivered > w.lastDelivered {
		if w.attempts > 0 {
			log.Info().Int("delivered", snap.Delivered).Msg("Progress resumed, restart budget refilled")
			w.attempts = 0
			if w.state == StateExhausted {
				w.state = StateMonitoring
			}
		}
		w.lastDelivered = snap.Delivered
	}

	remaining := snap.Remaining()
	if snap.Paused || snap.Idle || remaining == 0 {
		w.mu.Unlock()
		return
	}

	last := snap.LastProgress
	if w.graceFrom.After(last) {
		last = w.graceFrom
	}
	elapsed := now.Sub(last)
	if elapsed <= w.opts.StallThreshold {
		w.mu.Unlock()
		return
	}

	info := events.WatchdogInfo{
		Attempt:     w.attempts + 1,
		MaxRestarts: w.opts.MaxRestarts,
		Remaining:   remaining,
		Elapsed:     elapsed,
	}

	if w.attempts >= w.opts.MaxRestarts {
		if w.state != StateExhausted {
			w.state = StateExhausted
			info.Attempt = w.attempts
			w.mu.Unlock()

			log.Error().
				Int("remaining", remaining).
				Int("restarts", info.Attempt).
				Dur("stalled_for", elapsed).
				Msg("Restart budget exhausted, giving up")
			w.bus.Emit(events.New(events.EventWatchdogExhausted, info, "watchdog"))
			return
		}
		w.mu.Unlock()
		return
	}

	w.attempts++
	w.state = StateRestarting
	w.mu.Unlock()

	log.Warn().
		Int("attempt", info.Attempt).
		Int("max_restarts", info.MaxRestarts).
		Int("remaining", remaining).
		Dur("stalled_for", elapsed).
		Msg("Queue stalled, restarting")
	w.bus.Emit(events.New(events.EventWatchdogRestart, info, "watchdog"))

	if err := w.restart(ctx); err != nil {
		log.Warn().Err(err).Msg("Restart failed")
	}

	w.mu.Lock()
	w.graceFrom = w.opts.Now()
	if w.state == StateRestarting {
		w.state = StateMonitoring
	}
	w.mu.Unlock()
}

// State returns the current state.
func (w *Watchdog) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Attempts returns the restarts performed since progress was last observed.
func (w *Watchdog) Attempts() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.attempts
}

// Reset returns the watchdog to monitoring with a full budget. It is called when the
// user restarts the queue by hand.
func (w *Watchdog) Reset() {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.attempts = 0
	w.graceFrom = w.opts.Now()
	if w.state != StateIdle {
		w.state = StateMonitoring
	}
}
