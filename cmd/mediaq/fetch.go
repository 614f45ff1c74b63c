package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/forest6511/mediaq"
	"github.com/forest6511/mediaq/pkg/config"
	mqerrors "github.com/forest6511/mediaq/pkg/errors"
	"github.com/forest6511/mediaq/pkg/monitoring"
)

type fetchOptions struct {
	configPath  string
	concurrency int
	out         string
	storage     string
	metricsAddr string
	maxRate     string
	prefix      string
	baseURL     string
	logLevel    string
	thumbnails  bool
	insecure    bool
	noWatchdog  bool
	quiet       bool
	noInput     bool
}

func newFetchCmd(opts *fetchOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "fetch <page-url|html-file>",
		Short: "Discover and download the media of a page",
		Long: `Discover the images and videos of a gallery page and download them, images first.

While running, type a command and press enter:
  pause        stop every transfer
  resume       continue after pause
  restart      abort everything and start over
  skip <n>     abandon the item worker n is downloading
  quit         stop and exit`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runFetch(cmd, opts, args[0])
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.configPath, "config", "", "configuration file (JSON)")
	f.IntVarP(&opts.concurrency, "concurrency", "c", 0, fmt.Sprintf("workers per phase (%d-%d)", config.MinConcurrency, config.MaxConcurrency))
	f.StringVarP(&opts.out, "out", "o", "", "output directory for the filesystem backend")
	f.StringVar(&opts.storage, "storage", "", "storage backend: filesystem, memory, s3, gcs, redis")
	f.StringVar(&opts.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	f.StringVar(&opts.maxRate, "max-rate", "", "bandwidth cap, e.g. 2MB/s")
	f.StringVar(&opts.prefix, "prefix", "", "filename prefix")
	f.StringVar(&opts.baseURL, "base-url", "", "base URL for relative links in a saved HTML file")
	f.StringVar(&opts.logLevel, "log-level", "", "trace, debug, info, warn or error")
	f.BoolVar(&opts.thumbnails, "thumbnails", false, "also store JPEG thumbnails of images")
	f.BoolVar(&opts.insecure, "insecure", false, "accept http:// media URLs")
	f.BoolVar(&opts.noWatchdog, "no-watchdog", false, "disable automatic restarts of a stalled queue")
	f.BoolVarP(&opts.quiet, "quiet", "q", false, "no progress output")
	f.BoolVar(&opts.noInput, "no-input", false, "ignore commands on stdin")

	return cmd
}

// loadConfig layers the config file, .env files, MEDIAQ_* variables and flags.
func loadConfig(cmd *cobra.Command, opts *fetchOptions) (*config.Config, error) {
	config.LoadEnvFiles()

	cfg, err := config.NewConfigLoader(opts.configPath).Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	applyFlags(cmd, cfg, opts)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func applyFlags(cmd *cobra.Command, cfg *config.Config, opts *fetchOptions) {
	changed := cmd.Flags().Changed

	if changed("concurrency") {
		cfg.Queue.Concurrency = opts.concurrency
	}
	if changed("out") {
		cfg.Storage.Path = opts.out
	}
	if changed("storage") {
		cfg.Storage.Type = opts.storage
	}
	if changed("metrics-addr") {
		cfg.Observability.MetricsAddr = opts.metricsAddr
	}
	if changed("max-rate") {
		cfg.Queue.MaxRate = opts.maxRate
	}
	if changed("prefix") {
		cfg.Discovery.NamePrefix = opts.prefix
	}
	if changed("base-url") {
		cfg.Discovery.BaseURL = opts.baseURL
	}
	if changed("log-level") {
		cfg.Logging.Level = opts.logLevel
	}
	if changed("thumbnails") {
		cfg.Storage.Thumbnails = opts.thumbnails
	}
	if changed("insecure") {
		cfg.Discovery.AllowInsecure = opts.insecure
	}
	if changed("no-watchdog") {
		cfg.Watchdog.Enabled = !opts.noWatchdog
	}
}

func runFetch(cmd *cobra.Command, opts *fetchOptions, source string) error {
	cfg, err := loadConfig(cmd, opts)
	if err != nil {
		return err
	}
	if err := mediaq.SetupLogging(cfg.Logging, cmd.ErrOrStderr()); err != nil {
		return err
	}

	flush := setupSentry(cfg.Observability)
	defer flush()

	reg := monitoring.NewRegistry()
	session, err := mediaq.New(cfg, source, mediaq.WithRegisterer(reg))
	if err != nil {
		return err
	}
	defer session.Close()

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()
	handleInterruption(ctx, cancel)

	if addr := cfg.Observability.MetricsAddr; addr != "" {
		stop := serveMetrics(addr, reg)
		defer stop()
	}

	var view *display
	if !opts.quiet {
		view = newDisplay(cmd.OutOrStdout())
		view.attach(session.Bus())
	}

	if err := session.Start(ctx); err != nil {
		return err
	}
	var quitting atomic.Bool
	if !opts.noInput {
		quit := func() {
			quitting.Store(true)
			cancel()
		}
		go readControls(ctx, cmd.InOrStdin(), session, cmd.ErrOrStderr(), quit)
	}

	err = session.Wait(ctx)
	summary := session.Metrics().Summary()
	if view != nil {
		view.summary(summary)
	}

	switch {
	case err == nil:
		log.Info().Int64("completed", summary.Completed).Int64("failed", summary.Failed).Msg("Done")
		return nil
	case mqerrors.GetErrorCode(err) == mqerrors.CodeRestartsExhausted:
		reportExhausted(source, summary)
		return err
	case errors.Is(err, context.Canceled):
		session.Stop()
		if quitting.Load() {
			return nil
		}
		return err
	default:
		return err
	}
}

// setupSentry initializes error reporting when a DSN is configured and returns the flush hook.
func setupSentry(cfg config.ObservabilityConfig) func() {
	if cfg.SentryDSN == "" {
		return func() {}
	}
	err := sentry.Init(sentry.ClientOptions{
		Dsn:         cfg.SentryDSN,
		Environment: cfg.Environment,
		Release:     appName + "@" + version,
	})
	if err != nil {
		log.Warn().Err(err).Msg("Failed to initialize Sentry")
		return func() {}
	}
	return func() { sentry.Flush(2 * time.Second) }
}

func reportExhausted(source string, summary monitoring.Summary) {
	log.Error().
		Str("source", source).
		Int64("completed", summary.Completed).
		Int64("restarts", summary.WatchdogRestarts).
		Msg("Queue stalled; giving up")

	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetLevel(sentry.LevelError)
		scope.SetTag("source", source)
		scope.SetExtra("completed", summary.Completed)
		scope.SetExtra("failed", summary.Failed)
		scope.SetExtra("restarts", summary.WatchdogRestarts)
		sentry.CaptureMessage("mediaq: restart budget exhausted with items remaining")
	})
}

func serveMetrics(addr string, reg *prometheus.Registry) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", monitoring.Handler(reg))

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		log.Info().Str("addr", addr).Msg("Serving metrics")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("Metrics server failed")
		}
	}()

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}
