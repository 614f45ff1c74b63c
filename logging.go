package mediaq

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/forest6511/mediaq/pkg/config"
)

// SetupLogging configures the global zerolog logger. A nil w writes to stderr.
func SetupLogging(cfg config.LoggingConfig, w io.Writer) error {
	if w == nil {
		w = os.Stderr
	}

	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || cfg.Level == "" {
		return fmt.Errorf("invalid log level %q", cfg.Level)
	}
	zerolog.SetGlobalLevel(level)

	switch cfg.Format {
	case "json":
		log.Logger = zerolog.New(w).With().Timestamp().Str("service", "mediaq").Logger()
	case "console", "":
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339})
	default:
		return fmt.Errorf("invalid log format %q", cfg.Format)
	}
	return nil
}
