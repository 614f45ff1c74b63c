// Package transfer downloads a single URL into memory with a hard deadline, a stall
// window, cooperative pause and a bounded retry budget.
package transfer

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/forest6511/mediaq/internal/retry"
	"github.com/forest6511/mediaq/pkg/errors"
	"github.com/forest6511/mediaq/pkg/ratelimit"
	"github.com/forest6511/mediaq/pkg/types"
)

const (
	DefaultStallTimeout    = 8 * time.Second
	DefaultHeartbeatWindow = 512 * 1024
	DefaultChunkSize       = 32 * 1024
)

// Progress is reported after every chunk.
type Progress struct {
	Received int64
	Total    int64 // -1 when unknown
	// Percent is received/total, or an activity pulse cycling every heartbeat window
	// when Streaming is set.
	Percent   float64
	Streaming bool
}

// ProgressFunc receives chunk progress on the fetching goroutine.
type ProgressFunc func(Progress)

// Options configures a Fetcher. Zero values fall back to the package defaults.
type Options struct {
	StallTimeout    time.Duration
	HeartbeatWindow int64
	ChunkSize       int
	UserAgent       string
	Client          *http.Client
	Retry           *retry.RetryManager
	Limiter         ratelimit.Limiter
	FTPDialTimeout  time.Duration

	// Paused is polled in the chunk loop; when it reports true the attempt fails with
	// a pause cancellation even if nobody aborted it.
	Paused func() bool
}

// Fetcher performs Transfer Tasks. It is safe for concurrent use by many workers.
type Fetcher struct {
	opts        Options
	controllers *ControllerSet
	openers     map[string]Opener
	tracer      trace.Tracer
}

// NewFetcher creates a Fetcher that registers every attempt in controllers.
func NewFetcher(controllers *ControllerSet, opts Options) *Fetcher {
	if opts.StallTimeout <= 0 {
		opts.StallTimeout = DefaultStallTimeout
	}
	if opts.HeartbeatWindow <= 0 {
		opts.HeartbeatWindow = DefaultHeartbeatWindow
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = DefaultChunkSize
	}
	if opts.Retry == nil {
		opts.Retry = retry.NewRetryManager()
	}
	if opts.Limiter == nil {
		opts.Limiter = ratelimit.NewNullLimiter()
	}
	if opts.Paused == nil {
		opts.Paused = func() bool { return false }
	}
	if controllers == nil {
		controllers = NewControllerSet()
	}

	httpOpener := &HTTPOpener{Client: opts.Client, UserAgent: opts.UserAgent}
	return &Fetcher{
		opts:        opts,
		controllers: controllers,
		openers: map[string]Opener{
			"http":  httpOpener,
			"https": httpOpener,
			"ftp":   &FTPOpener{DialTimeout: opts.FTPDialTimeout},
		},
		tracer: otel.Tracer("github.com/forest6511/mediaq/transfer"),
	}
}

// Controllers returns the shared set of in-flight cancel handles.
func (f *Fetcher) Controllers() *ControllerSet {
	return f.controllers
}

// RegisterOpener adds or replaces the opener for a URL scheme.
func (f *Fetcher) RegisterOpener(scheme string, o Opener) {
	f.openers[strings.ToLower(scheme)] = o
}

// Fetch downloads rawURL for worker. Transient failures are retried within the budget;
// HTTP errors and cancellations are returned at once.
func (f *Fetcher) Fetch(ctx context.Context, worker int, rawURL string, timeout time.Duration, onChunk ProgressFunc) (*types.Blob, error) {
	opener, err := f.openerFor(rawURL)
	if err != nil {
		return nil, err
	}
	if onChunk == nil {
		onChunk = func(Progress) {}
	}

	var blob *types.Blob
	err = f.opts.Retry.ExecuteWithRetryCallback(ctx, func(ctx context.Context, attempt int) error {
		b, err := f.attempt(ctx, opener, worker, rawURL, timeout, attempt, onChunk)
		if err != nil {
			return err
		}
		blob = b
		return nil
	}, func(attempt int, err error, next time.Duration) {
		log.Debug().
			Err(err).
			Int("worker", worker).
			Int("attempt", attempt).
			Dur("backoff", next).
			Str("url", rawURL).
			Msg("Retrying transfer")
	})
	if err != nil {
		return nil, err
	}
	return blob, nil
}

func (f *Fetcher) openerFor(rawURL string) (Opener, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeTransferFailed, "invalid URL", rawURL)
	}
	opener, ok := f.openers[strings.ToLower(u.Scheme)]
	if !ok {
		return nil, errors.Wrap(nil, errors.CodeTransferFailed, "unsupported scheme "+u.Scheme, rawURL)
	}
	return opener, nil
}

func (f *Fetcher) attempt(
	ctx context.Context,
	opener Opener,
	worker int,
	rawURL string,
	timeout time.Duration,
	attempt int,
	onChunk ProgressFunc,
) (blob *types.Blob, err error) {
	ctx, span := f.tracer.Start(ctx, "transfer.attempt", trace.WithAttributes(
		attribute.String("url.full", rawURL),
		attribute.Int("worker", worker),
		attribute.Int("attempt", attempt),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, errors.GetErrorCode(err).String())
		} else {
			span.SetAttributes(attribute.Int64("bytes", blob.Size()))
		}
		span.End()
	}()

	actx, cancel := context.WithCancelCause(ctx)
	id := f.controllers.Register(worker, cancel)
	defer func() {
		f.controllers.Deregister(id)
		cancel(nil)
	}()

	if timeout > 0 {
		hard := time.AfterFunc(timeout, func() { cancel(errors.ErrHardTimeout) })
		defer hard.Stop()
	}
	stall := time.AfterFunc(f.opts.StallTimeout, func() { cancel(errors.ErrStalled) })
	defer stall.Stop()

	var received int64
	classify := func(err error) error {
		var cause error
		if actx.Err() != nil {
			cause = context.Cause(actx)
		}
		te := errors.FromCause(err, cause, rawURL)
		if te.URL == "" {
			te.URL = rawURL
		}
		te.BytesTransferred = received
		te.Attempts = attempt
		return te
	}

	stream, err := opener.Open(actx, rawURL)
	if err != nil {
		return nil, classify(err)
	}
	defer stream.Body.Close()
	stall.Reset(f.opts.StallTimeout)

	var data bytes.Buffer
	if stream.Length > 0 {
		data.Grow(int(stream.Length))
	}
	streaming := stream.Length <= 0
	buf := make([]byte, f.opts.ChunkSize)

	onChunk(Progress{Total: stream.Length, Streaming: streaming})

	for {
		if f.opts.Paused() {
			cancel(errors.ErrCancelledByPause)
		}
		if actx.Err() != nil {
			return nil, classify(actx.Err())
		}

		n, rerr := stream.Body.Read(buf)
		if n > 0 {
			stall.Stop()
			if werr := f.opts.Limiter.Wait(actx, n); werr != nil {
				return nil, classify(werr)
			}
			stall.Reset(f.opts.StallTimeout)

			data.Write(buf[:n])
			received += int64(n)
			onChunk(f.progress(received, stream.Length))
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return nil, classify(rerr)
		}
	}

	if stream.Length > 0 && received < stream.Length {
		return nil, classify(io.ErrUnexpectedEOF)
	}

	return &types.Blob{
		URL:         rawURL,
		Data:        data.Bytes(),
		ContentType: stream.ContentType,
	}, nil
}

func (f *Fetcher) progress(received, total int64) Progress {
	p := Progress{Received: received, Total: total}
	if total > 0 {
		p.Percent = float64(received) / float64(total) * 100
		if p.Percent > 100 {
			p.Percent = 100
		}
		return p
	}

	p.Streaming = true
	window := f.opts.HeartbeatWindow
	p.Percent = float64(received%window) / float64(window) * 100
	return p
}
