// Package queue drains a list of work items with a fixed pool of concurrent workers.
package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/forest6511/mediaq/internal/transfer"
	"github.com/forest6511/mediaq/pkg/config"
	"github.com/forest6511/mediaq/pkg/events"
	"github.com/forest6511/mediaq/pkg/types"
)

const (
	DefaultFadeDelay = 300 * time.Millisecond

	source = "queue"
)

// Run phases reported in events.RunInfo.Phase when a run ends.
const (
	PhaseDone    = "done"
	PhaseStopped = "stopped"
	PhasePaused  = "paused"
)

// Fetcher performs one Transfer Task.
type Fetcher interface {
	Fetch(ctx context.Context, worker int, url string, timeout time.Duration, onChunk transfer.ProgressFunc) (*types.Blob, error)
}

// Options configures a Scheduler.
type Options struct {
	// FadeDelay is how long a finished item's slot stays visible.
	FadeDelay time.Duration

	// Pacing is the pause between items, per kind.
	Pacing map[types.Kind]time.Duration

	// Paused is the shared pause flag. Workers exit at their next checkpoint once it
	// reports true.
	Paused func() bool
}

// Scheduler runs queue phases. It holds no per-run state, so one Scheduler serves
// every run of a session.
type Scheduler struct {
	fetcher Fetcher
	sink    types.Sink
	bus     events.Publisher
	opts    Options
}

// NewScheduler creates a Scheduler that reports on bus.
func NewScheduler(fetcher Fetcher, sink types.Sink, bus events.Publisher, opts Options) *Scheduler {
	if opts.FadeDelay < 0 {
		opts.FadeDelay = 0
	}
	if opts.Paused == nil {
		opts.Paused = func() bool { return false }
	}
	if bus == nil {
		bus = events.NopPublisher{}
	}
	return &Scheduler{
		fetcher: fetcher,
		sink:    sink,
		bus:     bus,
		opts:    opts,
	}
}

// ValidateConcurrency checks that n workers is an allowed pool size.
func ValidateConcurrency(n int) error {
	if n < config.MinConcurrency || n > config.MaxConcurrency {
		return fmt.Errorf("concurrency must be between %d and %d, got %d", config.MinConcurrency, config.MaxConcurrency, n)
	}
	return nil
}

// Run drains items with concurrency workers and returns once every worker has exited,
// whether the list was exhausted, the pause flag was raised or ctx was cancelled.
// Per-item failures never surface here; the returned error is only set for an invalid
// pool size.
func (s *Scheduler) Run(ctx context.Context, kind types.Kind, items []types.WorkItem, concurrency int) (*Run, error) {
	if err := ValidateConcurrency(concurrency); err != nil {
		return nil, err
	}

	run := newRun(kind, items, concurrency)
	if len(items) == 0 {
		log.Debug().Str("kind", string(kind)).Msg("Nothing to download")
		return run, nil
	}

	logger := log.With().Str("run_id", run.ID).Str("kind", string(kind)).Logger()
	logger.Info().Int("total", run.Total()).Int("concurrency", concurrency).Msg("Queue run started")

	s.emit(events.EventRunStarted, events.RunInfo{
		RunID:       run.ID,
		Kind:        string(kind),
		Total:       run.Total(),
		Concurrency: concurrency,
	})
	s.status(run)

	var g errgroup.Group
	for w := 0; w < concurrency; w++ {
		worker := w
		g.Go(func() error {
			s.work(ctx, run, worker)
			return nil
		})
	}
	_ = g.Wait()

	phase := PhaseDone
	switch {
	case s.opts.Paused():
		phase = PhasePaused
	case ctx.Err() != nil:
		phase = PhaseStopped
	}

	logger.Info().
		Int("completed", run.Completed()).
		Int("failed", run.Failed()).
		Int("skipped", run.Skipped()).
		Str("phase", phase).
		Msg("Queue run finished")

	s.emit(events.EventRunFinished, events.RunInfo{
		RunID:       run.ID,
		Kind:        string(kind),
		Total:       run.Total(),
		Completed:   run.Completed(),
		Failed:      run.Failed(),
		Concurrency: concurrency,
		Phase:       phase,
	})
	return run, nil
}

func (s *Scheduler) emit(t events.EventType, data interface{}) {
	s.bus.Emit(events.New(t, data, source))
}

// status publishes "<kind>: <completed>/<total>". Emission is serialized per run so
// the last status seen by listeners never lags the counter.
func (s *Scheduler) status(run *Run) {
	run.statusMu.Lock()
	defer run.statusMu.Unlock()

	completed := run.Completed()
	s.emit(events.EventStatus, events.Status{
		RunID:     run.ID,
		Text:      fmt.Sprintf("%s: %d/%d", run.Kind, completed, run.Total()),
		Completed: completed,
		Total:     run.Total(),
	})
}
