// Package pipeline runs the full download: discovery, the image phase, then the video
// phase. It owns the pause flag and the user controls that act on a running queue.
package pipeline

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/forest6511/mediaq/internal/queue"
	"github.com/forest6511/mediaq/internal/transfer"
	"github.com/forest6511/mediaq/pkg/errors"
	"github.com/forest6511/mediaq/pkg/events"
	"github.com/forest6511/mediaq/pkg/ratelimit"
	"github.com/forest6511/mediaq/pkg/types"
)

const source = "pipeline"

// Options holds the per-phase settings.
type Options struct {
	Concurrency  int
	ImageTimeout time.Duration
	VideoTimeout time.Duration
	ImagePacing  time.Duration
	VideoPacing  time.Duration
	FadeDelay    time.Duration
	PhaseGap     time.Duration
	NamePrefix   string
}

// Deps are the collaborators a Pipeline drives.
type Deps struct {
	Discoverer types.Discoverer
	Sink       types.Sink
	Bus        *events.EventEmitter

	// Transfer configures the fetcher. Its Paused hook is replaced by the pipeline's flag.
	Transfer transfer.Options
}

// Pipeline is safe for concurrent use. Control calls are serialized.
type Pipeline struct {
	discoverer types.Discoverer
	bus        *events.EventEmitter
	fetcher    *transfer.Fetcher
	scheduler  *queue.Scheduler
	opts       Options

	paused atomic.Bool

	ctl     sync.Mutex // serializes Start, Pause, Resume, Restart and Stop
	mu      sync.Mutex
	gen     uint64
	cancel  context.CancelCauseFunc
	done    chan struct{}
	lastErr error
	runs    sync.WaitGroup
}

// New wires a fetcher and scheduler around deps.
func New(deps Deps, opts Options) (*Pipeline, error) {
	if err := queue.ValidateConcurrency(opts.Concurrency); err != nil {
		return nil, err
	}
	if deps.Discoverer == nil || deps.Sink == nil {
		return nil, fmt.Errorf("pipeline needs a discoverer and a sink")
	}
	if deps.Bus == nil {
		deps.Bus = events.NewEventEmitter()
	}
	if opts.NamePrefix == "" {
		opts.NamePrefix = "media"
	}

	p := &Pipeline{
		discoverer: deps.Discoverer,
		bus:        deps.Bus,
		opts:       opts,
	}

	deps.Transfer.Paused = p.paused.Load
	p.fetcher = transfer.NewFetcher(transfer.NewControllerSet(), deps.Transfer)
	p.scheduler = queue.NewScheduler(p.fetcher, deps.Sink, deps.Bus, queue.Options{
		FadeDelay: opts.FadeDelay,
		Pacing: map[types.Kind]time.Duration{
			types.KindImage: opts.ImagePacing,
			types.KindVideo: opts.VideoPacing,
		},
		Paused: p.paused.Load,
	})
	return p, nil
}

// Bus returns the event bus the pipeline publishes on.
func (p *Pipeline) Bus() *events.EventEmitter { return p.bus }

// Controllers returns the set of in-flight transfers.
func (p *Pipeline) Controllers() *transfer.ControllerSet { return p.fetcher.Controllers() }

// Paused reports whether the pause flag is raised.
func (p *Pipeline) Paused() bool { return p.paused.Load() }

// RunAll discovers media and drains the image phase, then the video phase. EventFinished
// is published once both phases are exhausted, even when nothing was found. A paused or
// stopped run returns the cancellation cause and publishes nothing.
func (p *Pipeline) RunAll(ctx context.Context) error {
	res, err := p.discoverer.Discover(ctx)
	if err != nil {
		if stopErr := p.stopCause(ctx); stopErr != nil {
			return stopErr
		}
		log.Error().Err(err).Msg("Discovery failed")
		return fmt.Errorf("discovery failed: %w", err)
	}

	log.Info().Int("images", len(res.Images)).Int("videos", len(res.Videos)).Msg("Starting download")

	images := p.items(types.KindImage, res.Images)
	if _, err := p.scheduler.Run(ctx, types.KindImage, images, p.opts.Concurrency); err != nil {
		return err
	}
	if stopErr := p.stopCause(ctx); stopErr != nil {
		return stopErr
	}

	videos := p.items(types.KindVideo, res.Videos)
	if len(images) > 0 && len(videos) > 0 {
		if err := ratelimit.Sleep(ctx, p.opts.PhaseGap); err != nil {
			return p.stopCause(ctx)
		}
	}
	if _, err := p.scheduler.Run(ctx, types.KindVideo, videos, p.opts.Concurrency); err != nil {
		return err
	}
	if stopErr := p.stopCause(ctx); stopErr != nil {
		return stopErr
	}

	log.Info().Msg("All downloads finished")
	p.emit(events.EventFinished, nil)
	return nil
}

func (p *Pipeline) stopCause(ctx context.Context) error {
	if p.paused.Load() {
		return errors.ErrCancelledByPause
	}
	if ctx.Err() != nil {
		return context.Cause(ctx)
	}
	return nil
}

func (p *Pipeline) items(kind types.Kind, urls []string) []types.WorkItem {
	timeout, namer := p.opts.ImageTimeout, types.ImageNamer
	if kind == types.KindVideo {
		timeout, namer = p.opts.VideoTimeout, types.VideoNamer
	}

	items := make([]types.WorkItem, len(urls))
	for i, u := range urls {
		items[i] = types.WorkItem{
			URL:     u,
			Timeout: timeout,
			Name:    namer(p.opts.NamePrefix, i+1),
		}
	}
	return items
}

// Start runs RunAll in the background. It fails if a run is already active.
func (p *Pipeline) Start(ctx context.Context) error {
	p.ctl.Lock()
	defer p.ctl.Unlock()

	if p.active() {
		return fmt.Errorf("pipeline is already running")
	}
	p.paused.Store(false)
	p.runs.Add(1)
	p.launch(ctx)
	return nil
}

// launch starts a new generation. The caller holds ctl and has already added to runs.
func (p *Pipeline) launch(parent context.Context) {
	ctx, cancel := context.WithCancelCause(parent)
	done := make(chan struct{})

	p.mu.Lock()
	p.gen++
	gen := p.gen
	p.cancel = cancel
	p.done = done
	p.mu.Unlock()

	go func() {
		defer p.runs.Done()
		defer close(done)
		defer cancel(nil)

		err := p.RunAll(ctx)
		switch {
		case err == nil:
		case errors.IsCancellation(err):
			log.Debug().Err(err).Uint64("generation", gen).Msg("Run interrupted")
		default:
			log.Error().Err(err).Uint64("generation", gen).Msg("Run failed")
		}

		p.mu.Lock()
		if p.gen == gen {
			p.lastErr = err
		}
		p.mu.Unlock()
	}()
}

func (p *Pipeline) active() bool {
	p.mu.Lock()
	done := p.done
	p.mu.Unlock()

	if done == nil {
		return false
	}
	select {
	case <-done:
		return false
	default:
		return true
	}
}

// halt cancels the active run with cause, aborts its transfers and waits for it to exit.
// The caller holds ctl.
func (p *Pipeline) halt(cause error) {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.mu.Unlock()

	if cancel != nil {
		cancel(cause)
	}
	p.Controllers().AbortAll(cause)
	if done != nil {
		<-done
	}
	p.emit(events.EventSlotsCleared, nil)
}

// Pause raises the pause flag and aborts every in-flight transfer. Workers exit without
// marking their items complete or failed.
func (p *Pipeline) Pause() {
	p.ctl.Lock()
	defer p.ctl.Unlock()

	if p.paused.Swap(true) {
		return
	}
	log.Info().Msg("Pausing")
	p.emit(events.EventPaused, nil)
	p.halt(errors.ErrCancelledByPause)
}

// Resume clears the pause flag and runs everything again from discovery. Files saved
// before the pause are skipped by the sink. It reports whether a run was started.
func (p *Pipeline) Resume(ctx context.Context) bool {
	p.ctl.Lock()
	defer p.ctl.Unlock()

	if !p.paused.Swap(false) {
		return false
	}
	log.Info().Msg("Resuming")
	p.emit(events.EventResumed, nil)
	p.runs.Add(1)
	p.launch(ctx)
	return true
}

// Restart aborts the active run, clears all slots and starts a fresh run.
func (p *Pipeline) Restart(ctx context.Context) error {
	p.ctl.Lock()
	defer p.ctl.Unlock()

	log.Info().Msg("Restarting")
	// Reserve the next run first so Wait does not return in between.
	p.runs.Add(1)
	p.halt(errors.ErrCancelledByUser)
	if p.paused.Swap(false) {
		p.emit(events.EventResumed, nil)
	}
	p.launch(ctx)
	return nil
}

// Stop aborts the active run. Items in flight are neither completed nor failed.
func (p *Pipeline) Stop() {
	p.ctl.Lock()
	defer p.ctl.Unlock()

	log.Info().Msg("Stopping")
	p.halt(errors.ErrCancelledByUser)
}

// SkipCurrent aborts the transfer worker is running. The worker moves on to its next
// item. It reports whether anything was in flight.
func (p *Pipeline) SkipCurrent(worker int) bool {
	n := p.Controllers().Abort(worker)
	if n > 0 {
		log.Info().Int("worker", worker).Msg("Skipping current item")
	}
	return n > 0
}

// Wait blocks until no run is active and returns the error of the latest run.
func (p *Pipeline) Wait() error {
	p.runs.Wait()

	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastErr
}

func (p *Pipeline) emit(t events.EventType, data interface{}) {
	p.bus.Emit(events.New(t, data, source))
}
