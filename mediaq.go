// Package mediaq downloads every image and video a gallery page references through a
// bounded worker pool, with pause, resume, skip, restart and a stall watchdog.
//
// A Session wires configuration, discovery, storage, the two-phase pipeline, progress
// aggregation, the watchdog and metrics together:
//
//	s, err := mediaq.New(cfg, "https://civitai.com/models/1234")
//	if err != nil { ... }
//	defer s.Close()
//	s.Start(ctx)
//	err = s.Wait(ctx)
package mediaq

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"

	"github.com/forest6511/mediaq/internal/discovery"
	"github.com/forest6511/mediaq/internal/pipeline"
	"github.com/forest6511/mediaq/internal/retry"
	"github.com/forest6511/mediaq/internal/transfer"
	"github.com/forest6511/mediaq/internal/watchdog"
	"github.com/forest6511/mediaq/pkg/config"
	"github.com/forest6511/mediaq/pkg/errors"
	"github.com/forest6511/mediaq/pkg/events"
	"github.com/forest6511/mediaq/pkg/monitoring"
	"github.com/forest6511/mediaq/pkg/progress"
	"github.com/forest6511/mediaq/pkg/ratelimit"
	"github.com/forest6511/mediaq/pkg/storage"
	"github.com/forest6511/mediaq/pkg/storage/backends"
	"github.com/forest6511/mediaq/pkg/types"
)

// Option customizes a Session.
type Option func(*settings)

type settings struct {
	discoverer types.Discoverer
	backend    storage.StorageBackend
	registerer prometheus.Registerer
	client     *http.Client
}

// WithDiscoverer replaces the discoverer derived from the source argument.
func WithDiscoverer(d types.Discoverer) Option {
	return func(s *settings) { s.discoverer = d }
}

// WithBackend uses an initialized backend instead of the one named in the storage config.
// The session closes it.
func WithBackend(b storage.StorageBackend) Option {
	return func(s *settings) { s.backend = b }
}

// WithRegisterer registers the session's metrics with r.
func WithRegisterer(r prometheus.Registerer) Option {
	return func(s *settings) { s.registerer = r }
}

// WithHTTPClient sets the client used for media transfers.
func WithHTTPClient(c *http.Client) Option {
	return func(s *settings) { s.client = c }
}

// Session is one download job.
type Session struct {
	cfg        *config.Config
	bus        *events.EventEmitter
	backend    storage.StorageBackend
	sink       *storage.Sink
	pipeline   *pipeline.Pipeline
	aggregator *progress.Aggregator
	watchdog   *watchdog.Watchdog
	metrics    *monitoring.Collector

	outcomes chan error

	mu        sync.Mutex
	stopWatch context.CancelFunc
	watchDone chan struct{}
	closeOnce sync.Once
}

// New validates cfg and builds a session for source, a page URL or a saved HTML file.
// A nil cfg uses config.DefaultConfig.
func New(cfg *config.Config, source string, opts ...Option) (*Session, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	var set settings
	for _, opt := range opts {
		opt(&set)
	}

	disc := set.discoverer
	if disc == nil {
		var err error
		if disc, err = NewDiscoverer(source, cfg.Discovery); err != nil {
			return nil, err
		}
	}

	rate, err := cfg.MaxRateBytes()
	if err != nil {
		return nil, fmt.Errorf("invalid max rate: %w", err)
	}

	backend := set.backend
	if backend == nil {
		if backend, err = backends.NewFromConfig(cfg.Storage); err != nil {
			return nil, err
		}
	}

	sink := storage.NewSink(backend)
	var out types.Sink = sink
	if cfg.Storage.Thumbnails {
		out = storage.NewThumbnailSink(sink, backend, cfg.Storage.ThumbnailSize)
	}

	bus := events.NewEventEmitter()
	q := cfg.Queue
	pl, err := pipeline.New(pipeline.Deps{
		Discoverer: disc,
		Sink:       out,
		Bus:        bus,
		Transfer: transfer.Options{
			StallTimeout:    q.StallTimeout,
			HeartbeatWindow: q.HeartbeatWindow,
			ChunkSize:       q.ChunkSize,
			UserAgent:       cfg.Discovery.UserAgent,
			Client:          set.client,
			Retry:           retry.NewRetryManagerWithConfig(cfg.Retry.Attempts, cfg.Retry.Delay),
			Limiter:         ratelimit.FromRate(rate),
		},
	}, pipeline.Options{
		Concurrency:  q.Concurrency,
		ImageTimeout: q.ImageTimeout,
		VideoTimeout: q.VideoTimeout,
		ImagePacing:  q.ImagePacing,
		VideoPacing:  q.VideoPacing,
		FadeDelay:    q.FadeDelay,
		PhaseGap:     q.PhaseGap,
		NamePrefix:   cfg.Discovery.NamePrefix,
	})
	if err != nil {
		_ = backend.Close()
		return nil, err
	}

	s := &Session{
		cfg:        cfg,
		bus:        bus,
		backend:    backend,
		sink:       sink,
		pipeline:   pl,
		aggregator: progress.NewAggregator(),
		metrics:    monitoring.NewCollector(set.registerer).Attach(bus),
		outcomes:   make(chan error, 8),
	}
	s.aggregator.Attach(bus)
	s.watchdog = watchdog.New(s.aggregator, pl.Restart, bus, watchdog.Options{
		Interval:       cfg.Watchdog.Interval,
		StallThreshold: cfg.Watchdog.StallThreshold,
		MaxRestarts:    cfg.Watchdog.MaxRestarts,
	})

	bus.On(func(e events.Event) {
		var outcome error
		if e.Type == events.EventWatchdogExhausted {
			outcome = errors.Wrap(errors.ErrRestartsExhausted, errors.CodeRestartsExhausted,
				"queue stalled and the restart budget is spent", "")
		}
		select {
		case s.outcomes <- outcome:
		default:
		}
	}, events.EventFinished, events.EventWatchdogExhausted)

	return s, nil
}

// NewDiscoverer crawls http(s) sources and parses anything else as a local HTML file.
func NewDiscoverer(source string, cfg config.DiscoveryConfig) (types.Discoverer, error) {
	rules := discovery.RulesFromConfig(cfg)

	if u, err := url.Parse(source); err == nil && (u.Scheme == "http" || u.Scheme == "https") && u.Host != "" {
		var opts []discovery.CrawlerOption
		if cfg.UserAgent != "" {
			opts = append(opts, discovery.WithUserAgent(cfg.UserAgent))
		}
		return discovery.NewCrawler(source, rules, opts...), nil
	}

	info, err := os.Stat(source)
	if err != nil {
		return nil, fmt.Errorf("source %q is neither a page URL nor a readable file: %w", source, err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("source %q is a directory", source)
	}
	return discovery.FileSource{Path: source, Base: cfg.BaseURL, Rules: rules}, nil
}

// Start launches the pipeline and, when enabled, the watchdog. ctx bounds both.
func (s *Session) Start(ctx context.Context) error {
	if err := s.pipeline.Start(ctx); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cfg.Watchdog.Enabled && s.stopWatch == nil {
		wctx, cancel := context.WithCancel(ctx)
		done := make(chan struct{})
		s.stopWatch, s.watchDone = cancel, done
		go func() {
			defer close(done)
			_ = s.watchdog.Run(wctx)
		}()
	}
	return nil
}

// Wait blocks until every item has been handled, the watchdog gives up or ctx is done.
// A restart by hand or by the watchdog does not end the wait.
func (s *Session) Wait(ctx context.Context) error {
	select {
	case err := <-s.outcomes:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pause stops every transfer. Items in flight are picked up again by Resume.
func (s *Session) Pause() { s.pipeline.Pause() }

// Resume continues a paused session and reports whether it was paused.
func (s *Session) Resume(ctx context.Context) bool { return s.pipeline.Resume(ctx) }

// Restart aborts everything and runs again from discovery with a full watchdog budget.
func (s *Session) Restart(ctx context.Context) error {
	s.watchdog.Reset()
	return s.pipeline.Restart(ctx)
}

// Skip abandons the item worker is transferring.
func (s *Session) Skip(worker int) bool { return s.pipeline.SkipCurrent(worker) }

// Stop aborts the active run and the watchdog.
func (s *Session) Stop() {
	s.mu.Lock()
	stop, done := s.stopWatch, s.watchDone
	s.stopWatch, s.watchDone = nil, nil
	s.mu.Unlock()

	if stop != nil {
		stop()
		<-done
	}
	s.pipeline.Stop()
}

// Close stops the session and releases the storage backend.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.Stop()
		s.aggregator.Close()
		s.bus.Close()
		if cerr := s.backend.Close(); cerr != nil {
			log.Warn().Err(cerr).Msg("Failed to close storage backend")
			err = cerr
		}
	})
	return err
}

// Bus returns the event bus every component publishes on.
func (s *Session) Bus() *events.EventEmitter { return s.bus }

// Progress returns the aggregated per-worker view.
func (s *Session) Progress() *progress.Aggregator { return s.aggregator }

// Metrics returns the session's metrics collector.
func (s *Session) Metrics() *monitoring.Collector { return s.metrics }

// Written returns the filenames saved so far, sorted.
func (s *Session) Written() []string { return s.sink.Written() }

// Watchdog returns the session's stall watchdog.
func (s *Session) Watchdog() *watchdog.Watchdog { return s.watchdog }

// Download runs a session for source to completion and returns its summary.
func Download(ctx context.Context, cfg *config.Config, source string, opts ...Option) (monitoring.Summary, error) {
	s, err := New(cfg, source, opts...)
	if err != nil {
		return monitoring.Summary{}, err
	}
	defer s.Close()

	if err := s.Start(ctx); err != nil {
		return monitoring.Summary{}, err
	}
	err = s.Wait(ctx)
	return s.Metrics().Summary(), err
}
