package transfer

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forest6511/mediaq/internal/retry"
	"github.com/forest6511/mediaq/internal/testutil"
	"github.com/forest6511/mediaq/pkg/errors"
)

func newTestFetcher(opts Options) *Fetcher {
	if opts.Retry == nil {
		opts.Retry = retry.NewRetryManagerWithConfig(3, 5*time.Millisecond)
	}
	if opts.StallTimeout == 0 {
		opts.StallTimeout = 2 * time.Second
	}
	return NewFetcher(NewControllerSet(), opts)
}

type progressLog struct {
	mu      sync.Mutex
	reports []Progress
}

func (l *progressLog) record(p Progress) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.reports = append(l.reports, p)
}

func (l *progressLog) all() []Progress {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Progress(nil), l.reports...)
}

func TestFetch_Success(t *testing.T) {
	ms := testutil.NewMediaServer()
	defer ms.Close()

	f := newTestFetcher(Options{ChunkSize: 4096})
	var log progressLog

	blob, err := f.Fetch(context.Background(), 0, ms.URL("/ok/a.png?size=65536"), 5*time.Second, log.record)
	require.NoError(t, err)

	assert.Equal(t, testutil.Payload(65536), blob.Data)
	assert.Equal(t, "image/png", blob.ContentType)
	assert.Equal(t, 0, f.Controllers().Len())

	reports := log.all()
	require.NotEmpty(t, reports)
	last := -1.0
	for _, p := range reports {
		assert.False(t, p.Streaming)
		assert.GreaterOrEqual(t, p.Percent, last, "progress must not go backwards")
		last = p.Percent
	}
	assert.Equal(t, 100.0, last)
}

func TestFetch_HTTPErrorIsTerminal(t *testing.T) {
	ms := testutil.NewMediaServer()
	defer ms.Close()

	f := newTestFetcher(Options{})
	_, err := f.Fetch(context.Background(), 0, ms.URL("/status/404"), time.Second, nil)

	require.Error(t, err)
	assert.Equal(t, errors.CodeHTTPError, errors.GetErrorCode(err))
	assert.Equal(t, 404, errors.GetStatusCode(err))
	assert.Equal(t, 1, ms.Hits("/status/404"), "HTTP errors are not retried")
	assert.Equal(t, 0, f.Controllers().Len())
}

func TestFetch_RetryBound(t *testing.T) {
	ms := testutil.NewMediaServer()
	defer ms.Close()

	t.Run("third attempt succeeds", func(t *testing.T) {
		f := newTestFetcher(Options{})
		path := "/flaky/a.jpg?fail=2&size=2048"

		blob, err := f.Fetch(context.Background(), 0, ms.URL(path), time.Second, nil)
		require.NoError(t, err)
		assert.Len(t, blob.Data, 2048)
		assert.Equal(t, 3, ms.Hits(path))
	})

	t.Run("three transient failures surface transfer failed", func(t *testing.T) {
		f := newTestFetcher(Options{})
		path := "/flaky/b.jpg?fail=3&size=2048"

		_, err := f.Fetch(context.Background(), 0, ms.URL(path), time.Second, nil)
		require.Error(t, err)
		assert.Equal(t, errors.CodeTransferFailed, errors.GetErrorCode(err))
		assert.Equal(t, 3, ms.Hits(path))
		assert.False(t, errors.IsRetryable(err))
	})
}

func TestFetch_StallDetected(t *testing.T) {
	ms := testutil.NewMediaServer()
	defer ms.Close()

	f := newTestFetcher(Options{
		StallTimeout: 100 * time.Millisecond,
		Retry:        retry.NewRetryManagerWithConfig(2, time.Millisecond),
	})

	start := time.Now()
	_, err := f.Fetch(context.Background(), 0, ms.URL("/stall/s.jpg?after=1024"), 10*time.Second, nil)

	require.Error(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Equal(t, errors.CodeTransferFailed, errors.GetErrorCode(err))
	assert.ErrorIs(t, err, errors.ErrStalled)
	assert.Equal(t, errors.ReasonStall, errors.GetReason(err))
	assert.Equal(t, 2, ms.Hits("/stall/s.jpg"))
}

func TestFetch_HardTimeout(t *testing.T) {
	ms := testutil.NewMediaServer()
	defer ms.Close()

	f := newTestFetcher(Options{
		StallTimeout: time.Second,
		Retry:        retry.NewRetryManagerWithConfig(1, time.Millisecond),
	})

	_, err := f.Fetch(context.Background(), 0, ms.URL("/ok/slow.jpg?size=16384&delay=50ms"), 150*time.Millisecond, nil)

	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrHardTimeout)
	assert.Equal(t, errors.ReasonHardTimeout, errors.GetReason(err))

	var te *errors.TransferError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, 1, te.Attempts)
}

func TestFetch_StreamingHeartbeat(t *testing.T) {
	ms := testutil.NewMediaServer()
	defer ms.Close()

	f := newTestFetcher(Options{HeartbeatWindow: 2048, ChunkSize: 512})
	var log progressLog

	blob, err := f.Fetch(context.Background(), 0, ms.URL("/stream/v.mp4?size=10000&type=video/mp4"), 5*time.Second, log.record)
	require.NoError(t, err)
	assert.Len(t, blob.Data, 10000)
	assert.Equal(t, "video/mp4", blob.ContentType)

	for _, p := range log.all() {
		assert.True(t, p.Streaming)
		assert.GreaterOrEqual(t, p.Percent, 0.0)
		assert.Less(t, p.Percent, 100.0)
	}
}

func waitForControllers(t *testing.T, s *ControllerSet, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return s.Len() == n }, 2*time.Second, 5*time.Millisecond)
}

func TestFetch_AbortOneWorker(t *testing.T) {
	ms := testutil.NewMediaServer()
	defer ms.Close()

	f := newTestFetcher(Options{StallTimeout: time.Minute})

	errs := make(chan error, 1)
	go func() {
		_, err := f.Fetch(context.Background(), 3, ms.URL("/hang/h.jpg"), time.Minute, nil)
		errs <- err
	}()

	waitForControllers(t, f.Controllers(), 1)
	assert.Equal(t, 0, f.Controllers().Abort(1), "other workers are untouched")
	assert.Equal(t, 1, f.Controllers().Abort(3))

	select {
	case err := <-errs:
		assert.Equal(t, errors.CodeCancelledByUser, errors.GetErrorCode(err))
		assert.True(t, errors.IsCancellation(err))
	case <-time.After(5 * time.Second):
		t.Fatal("abort did not stop the transfer")
	}
	assert.Equal(t, 0, f.Controllers().Len())
	assert.LessOrEqual(t, ms.Hits("/hang/h.jpg"), 1, "cancellations are not retried")
}

func TestFetch_PauseFlag(t *testing.T) {
	ms := testutil.NewMediaServer()
	defer ms.Close()

	var paused atomic.Bool
	f := newTestFetcher(Options{ChunkSize: 1024, Paused: paused.Load})

	var chunks atomic.Int32
	_, err := f.Fetch(context.Background(), 0, ms.URL("/ok/p.jpg?size=65536&delay=5ms"), 10*time.Second, func(p Progress) {
		if chunks.Add(1) == 3 {
			paused.Store(true)
		}
	})

	require.Error(t, err)
	assert.Equal(t, errors.CodeCancelledByPause, errors.GetErrorCode(err))
	assert.Equal(t, 1, ms.Hits("/ok/p.jpg"))
}

func TestFetch_ParentCancelCause(t *testing.T) {
	ms := testutil.NewMediaServer()
	defer ms.Close()

	f := newTestFetcher(Options{StallTimeout: time.Minute})
	ctx, cancel := context.WithCancelCause(context.Background())

	errs := make(chan error, 1)
	go func() {
		_, err := f.Fetch(ctx, 0, ms.URL("/hang/x.jpg"), time.Minute, nil)
		errs <- err
	}()

	waitForControllers(t, f.Controllers(), 1)
	cancel(errors.ErrCancelledByUser)

	select {
	case err := <-errs:
		assert.True(t, errors.IsCancellation(err))
	case <-time.After(5 * time.Second):
		t.Fatal("parent cancellation did not stop the transfer")
	}
}

func TestFetch_UnsupportedScheme(t *testing.T) {
	f := newTestFetcher(Options{})

	_, err := f.Fetch(context.Background(), 0, "gopher://example.com/a.jpg", time.Second, nil)
	require.Error(t, err)
	assert.Equal(t, errors.CodeTransferFailed, errors.GetErrorCode(err))
	assert.False(t, errors.IsRetryable(err))
}

type countingLimiter struct {
	bytes atomic.Int64
}

func (c *countingLimiter) Wait(ctx context.Context, n int) error {
	c.bytes.Add(int64(n))
	return ctx.Err()
}
func (c *countingLimiter) Rate() int64    { return 0 }
func (c *countingLimiter) SetRate(_ int64) {}

func TestFetch_ConsultsLimiter(t *testing.T) {
	ms := testutil.NewMediaServer()
	defer ms.Close()

	limiter := &countingLimiter{}
	f := newTestFetcher(Options{Limiter: limiter})

	_, err := f.Fetch(context.Background(), 0, ms.URL("/ok/l.jpg?size=10000"), 5*time.Second, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(10000), limiter.bytes.Load())
}

func TestProgress_HeartbeatWraps(t *testing.T) {
	f := newTestFetcher(Options{HeartbeatWindow: 1000})

	assert.Equal(t, 50.0, f.progress(500, -1).Percent)
	assert.Equal(t, 0.0, f.progress(1000, -1).Percent)
	assert.Equal(t, 25.0, f.progress(1250, -1).Percent)
	assert.Equal(t, 25.0, f.progress(250, 1000).Percent)
	assert.Equal(t, 100.0, f.progress(1200, 1000).Percent)
}
