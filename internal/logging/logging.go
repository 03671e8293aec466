// Package logging initializes the process-wide zerolog logger.
package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the root logger instance. Components derive child loggers from
// it via WithComponent.
var Logger zerolog.Logger

// Config holds logging configuration.
type Config struct {
	Level  string // debug, info, warn, error
	JSON   bool   // structured JSON output instead of console
	Output io.Writer
}

// Init configures the root logger. Safe to call more than once; the last
// call wins.
func Init(cfg Config) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	output := cfg.Output
	if output == nil {
		output = os.Stderr
	}

	if cfg.JSON {
		Logger = zerolog.New(output).With().Timestamp().Logger()
	} else {
		Logger = zerolog.New(zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: time.RFC3339,
		}).With().Timestamp().Logger()
	}
}

// WithComponent returns a child logger tagged with a component name.
func WithComponent(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}

// WithRun returns a child logger tagged with a component and a run id.
func WithRun(component, runID string) zerolog.Logger {
	return Logger.With().Str("component", component).Str("run_id", runID).Logger()
}
