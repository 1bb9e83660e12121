package log

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the process-wide root logger. Pipeline components do not log
// through it directly; they derive child loggers via the With* helpers
// so every line carries its origin.
var Logger zerolog.Logger

// Level represents log level
type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

// zerolog maps the configured level onto zerolog's scale. Unknown values
// fall back to info rather than failing startup.
func (l Level) zerolog() zerolog.Level {
	switch l {
	case DebugLevel:
		return zerolog.DebugLevel
	case WarnLevel:
		return zerolog.WarnLevel
	case ErrorLevel:
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// Config holds logging configuration
type Config struct {
	Level      Level
	JSONOutput bool
	Output     io.Writer
}

// Init initializes the root logger. JSON output is the production form;
// console output is for development runs. All lines carry a timestamp
// and the service tag.
func Init(cfg Config) {
	zerolog.SetGlobalLevel(cfg.Level.zerolog())

	output := cfg.Output
	if output == nil {
		output = os.Stderr
	}
	if !cfg.JSONOutput {
		output = zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: time.RFC3339,
		}
	}

	Logger = zerolog.New(output).With().
		Timestamp().
		Str("service", "hutch").
		Logger()
}

// WithComponent creates a child logger tagged with a pipeline component
// name (indexer, resolver, state, queue, snapshot, search, api).
func WithComponent(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}

// WithWorkerID creates a child logger for one pool worker. Worker lines
// carry both the worker component tag and the member id.
func WithWorkerID(workerID string) zerolog.Logger {
	return WithComponent("worker").With().Str("worker_id", workerID).Logger()
}

// WithCycle creates a component logger carrying the cycle watermark, so
// every line of one cycle groups under its xmin.
func WithCycle(component string, xmin int64) zerolog.Logger {
	return WithComponent(component).With().Int64("xmin", xmin).Logger()
}
