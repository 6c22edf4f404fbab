// Package logging builds the process logger.
package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// New creates a structured logger: human-readable console output in
// development, JSON everywhere else.
func New(levelStr, environment, service string) zerolog.Logger {
	return NewWithWriter(os.Stdout, levelStr, environment, service)
}

func NewWithWriter(out io.Writer, levelStr, environment, service string) zerolog.Logger {
	level, err := zerolog.ParseLevel(levelStr)
	if err != nil || levelStr == "" {
		level = zerolog.InfoLevel
	}

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	if environment == "development" {
		return zerolog.New(zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}).
			Level(level).
			With().
			Timestamp().
			Caller().
			Logger()
	}

	return zerolog.New(out).
		Level(level).
		With().
		Timestamp().
		Str("service", service).
		Str("environment", environment).
		Logger()
}
