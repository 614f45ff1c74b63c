package main

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/schollz/progressbar/v3"

	"github.com/forest6511/mediaq/pkg/events"
	"github.com/forest6511/mediaq/pkg/monitoring"
)

// display renders one item progress bar per queue run.
type display struct {
	out io.Writer

	mu  sync.Mutex
	bar *progressbar.ProgressBar
}

func newDisplay(out io.Writer) *display {
	return &display{out: out}
}

func (d *display) attach(bus *events.EventEmitter) {
	bus.On(d.handle,
		events.EventRunStarted,
		events.EventRunFinished,
		events.EventItemCompleted,
		events.EventItemFailed,
		events.EventItemSkipped,
		events.EventPaused,
		events.EventResumed,
		events.EventWatchdogRestart,
		events.EventWatchdogExhausted,
	)
}

func (d *display) handle(e events.Event) {
	d.mu.Lock()
	defer d.mu.Unlock()

	switch e.Type {
	case events.EventRunStarted:
		info := e.Data.(events.RunInfo)
		d.bar = progressbar.NewOptions(info.Total,
			progressbar.OptionSetWriter(d.out),
			progressbar.OptionSetDescription(info.Kind),
			progressbar.OptionSetItsString("file"),
			progressbar.OptionShowIts(),
			progressbar.OptionShowCount(),
			progressbar.OptionSetTheme(progressbar.Theme{
				Saucer:        "=",
				SaucerHead:    ">",
				SaucerPadding: " ",
				BarStart:      "[",
				BarEnd:        "]",
			}),
		)
	case events.EventItemCompleted, events.EventItemFailed, events.EventItemSkipped:
		if d.bar != nil {
			_ = d.bar.Add(1)
		}
	case events.EventRunFinished:
		if d.bar != nil {
			_ = d.bar.Finish()
			fmt.Fprintln(d.out)
			d.bar = nil
		}
	case events.EventPaused:
		d.message("Paused. Type resume to continue.")
	case events.EventResumed:
		d.message("Resumed")
	case events.EventWatchdogRestart:
		info := e.Data.(events.WatchdogInfo)
		d.message(fmt.Sprintf("No progress for %s, restarting (%d/%d)", info.Elapsed.Round(time.Second), info.Attempt, info.MaxRestarts))
	case events.EventWatchdogExhausted:
		d.message("Still stalled after every restart; giving up")
	}
}

// message must be called with the lock held.
func (d *display) message(text string) {
	if d.bar != nil {
		_ = d.bar.Clear()
	}
	fmt.Fprintln(d.out, text)
}

func (d *display) summary(s monitoring.Summary) {
	d.mu.Lock()
	defer d.mu.Unlock()

	fmt.Fprintf(d.out, "Completed %d, failed %d, skipped %d, %d bytes\n",
		s.Completed, s.Failed, s.Skipped, s.Bytes)
	for reason, n := range s.ErrorBreakdown {
		fmt.Fprintf(d.out, "  %s: %d\n", reason, n)
	}
}
