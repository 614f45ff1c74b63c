package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// controller is the part of a session the stdin commands drive.
type controller interface {
	Pause()
	Resume(ctx context.Context) bool
	Restart(ctx context.Context) error
	Skip(worker int) bool
}

type command struct {
	name   string
	worker int // 0-based, only for skip
}

func parseCommand(line string) (command, error) {
	fields := strings.Fields(strings.ToLower(line))
	if len(fields) == 0 {
		return command{}, fmt.Errorf("empty command")
	}

	switch fields[0] {
	case "pause", "p":
		return command{name: "pause"}, nil
	case "resume", "r":
		return command{name: "resume"}, nil
	case "restart":
		return command{name: "restart"}, nil
	case "quit", "q", "exit":
		return command{name: "quit"}, nil
	case "skip", "s":
		if len(fields) != 2 {
			return command{}, fmt.Errorf("usage: skip <worker>")
		}
		n, err := strconv.Atoi(fields[1])
		if err != nil || n < 1 {
			return command{}, fmt.Errorf("worker must be a positive number, got %q", fields[1])
		}
		return command{name: "skip", worker: n - 1}, nil
	default:
		return command{}, fmt.Errorf("unknown command %q", fields[0])
	}
}

// dispatch runs cmd against c and returns the feedback line. quit is called for "quit".
func dispatch(ctx context.Context, c controller, cmd command, quit func()) string {
	switch cmd.name {
	case "pause":
		c.Pause()
		return "Paused"
	case "resume":
		if !c.Resume(ctx) {
			return "Not paused"
		}
		return "Resumed"
	case "restart":
		if err := c.Restart(ctx); err != nil {
			return fmt.Sprintf("Restart failed: %v", err)
		}
		return "Restarted"
	case "skip":
		if !c.Skip(cmd.worker) {
			return fmt.Sprintf("Worker %d is idle", cmd.worker+1)
		}
		return fmt.Sprintf("Skipped the item of worker %d", cmd.worker+1)
	case "quit":
		quit()
		return "Stopping"
	}
	return ""
}

// readControls reads commands from r until it is exhausted or ctx is done.
func readControls(ctx context.Context, r io.Reader, c controller, out io.Writer, quit func()) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		cmd, err := parseCommand(line)
		if err != nil {
			fmt.Fprintf(out, "%v\n", err)
			continue
		}
		fmt.Fprintln(out, dispatch(ctx, c, cmd, quit))
		if cmd.name == "quit" {
			return
		}
	}
}
