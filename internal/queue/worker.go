package queue

import (
	"context"
	"fmt"
	"net/url"
	"path"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/forest6511/mediaq/internal/transfer"
	"github.com/forest6511/mediaq/pkg/errors"
	"github.com/forest6511/mediaq/pkg/events"
	"github.com/forest6511/mediaq/pkg/ratelimit"
	"github.com/forest6511/mediaq/pkg/types"
)

type outcome int

const (
	outcomeCompleted outcome = iota
	outcomeFailed
	outcomeSkipped
	outcomeStopped
)

// stopped reports whether the run as a whole is winding down.
func (s *Scheduler) stopped(ctx context.Context) bool {
	return s.opts.Paused() || ctx.Err() != nil
}

// work is one worker's loop: claim, transfer, persist, report, pace.
func (s *Scheduler) work(ctx context.Context, run *Run, worker int) {
	for {
		if s.stopped(ctx) {
			return
		}

		idx, ok := run.claim()
		if !ok {
			s.emit(events.EventWorkerHidden, events.WorkerSlot{RunID: run.ID, Worker: worker, Item: -1})
			return
		}

		if s.process(ctx, run, worker, idx) == outcomeStopped {
			return
		}

		if ratelimit.Sleep(ctx, s.opts.FadeDelay) != nil {
			return
		}
		s.emit(events.EventWorkerHidden, events.WorkerSlot{RunID: run.ID, Worker: worker, Item: idx})

		if ratelimit.Sleep(ctx, s.opts.Pacing[run.Kind]) != nil {
			return
		}
	}
}

func (s *Scheduler) process(ctx context.Context, run *Run, worker, idx int) outcome {
	item := run.Items[idx]
	label := fmt.Sprintf("%s %d", run.Kind.Singular(), idx+1)
	logger := log.With().
		Str("run_id", run.ID).
		Int("worker", worker).
		Int("item", idx).
		Str("url", item.URL).
		Logger()

	progress := func(pct float64, streaming bool) {
		s.emit(events.EventWorkerProgress, events.WorkerProgress{
			RunID:     run.ID,
			Worker:    worker,
			Item:      idx,
			Percent:   pct,
			Label:     label,
			Streaming: streaming,
		})
	}
	progress(0, false)

	start := time.Now()
	result := events.ItemResult{
		RunID:  run.ID,
		Kind:   string(run.Kind),
		Worker: worker,
		Item:   idx,
		URL:    item.URL,
	}

	blob, err := s.fetcher.Fetch(ctx, worker, item.URL, item.Timeout, func(p transfer.Progress) {
		progress(p.Percent, p.Streaming)
	})
	if err == nil {
		result.Bytes = blob.Size()
		result.Filename = s.filename(run, idx, blob)
		err = s.sink.Save(ctx, blob, result.Filename)
	}
	result.Duration = time.Since(start)

	if err != nil {
		result.Err = err
		switch {
		case s.stopped(ctx):
			logger.Debug().Err(err).Msg("Worker retiring")
			return outcomeStopped
		case errors.IsCancellation(err):
			run.skipped.Add(1)
			logger.Debug().Msg("Item skipped")
			s.emit(events.EventItemSkipped, result)
			return outcomeSkipped
		default:
			run.failed.Add(1)
			logger.Warn().Err(err).Str("code", errors.GetErrorCode(err).String()).Msg("Item failed")
			s.emit(events.EventWorkerFailed, events.WorkerSlot{
				RunID:  run.ID,
				Worker: worker,
				Item:   idx,
				Label:  label,
				Err:    err,
			})
			s.emit(events.EventItemFailed, result)
			return outcomeFailed
		}
	}

	run.completed.Add(1)
	logger.Debug().Str("file", result.Filename).Int64("bytes", result.Bytes).Msg("Item completed")
	progress(100, false)
	s.emit(events.EventItemCompleted, result)
	s.status(run)
	return outcomeCompleted
}

func (s *Scheduler) filename(run *Run, idx int, blob *types.Blob) string {
	if name := run.Items[idx].Name; name != nil {
		return name(blob)
	}
	return fmt.Sprintf("%s_%d%s", run.Kind.Singular(), idx+1, path.Ext(blobPath(blob)))
}

func blobPath(blob *types.Blob) string {
	u, err := url.Parse(blob.URL)
	if err != nil {
		return ""
	}
	return u.Path
}
