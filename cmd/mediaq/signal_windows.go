//go:build windows

package main

import (
	"context"
	"os"
	"os/signal"

	"github.com/rs/zerolog/log"
)

// handleInterruption cancels the run on Ctrl+C, the only signal Windows delivers.
func handleInterruption(ctx context.Context, cancel context.CancelFunc) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt)

	go func() {
		defer signal.Stop(sigChan)
		select {
		case sig := <-sigChan:
			log.Warn().Str("signal", sig.String()).Msg("Received signal, stopping")
			cancel()
		case <-ctx.Done():
		}
	}()
}
