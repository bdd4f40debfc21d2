package log

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the process logger. It discards everything until Init is called,
// so library code that is handed log.Logger stays quiet in tests.
var Logger = zerolog.Nop()

// Config holds logging configuration
type Config struct {
	Level      string // zerolog level name; empty means info
	JSONOutput bool
	Output     io.Writer
}

// New builds a logger from cfg without touching the package logger.
func New(cfg Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}

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
	return zerolog.New(output).Level(level).With().Timestamp().Logger()
}

// Init initializes the package logger.
func Init(cfg Config) {
	Logger = New(cfg)
}

// WithComponent creates a child logger with component field
func WithComponent(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}

// WithTaskID creates a child logger with task_id field
func WithTaskID(taskID string) zerolog.Logger {
	return Logger.With().Str("task_id", taskID).Logger()
}
