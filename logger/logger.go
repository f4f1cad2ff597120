// Package logger wires zerolog the way the rest of the engine expects:
// a single configured Logger, passed by value, never a package global.
package logger

import (
	"os"

	"github.com/rs/zerolog"
)

// New returns a configured zerolog.Logger. In development it writes a
// human-readable console format; otherwise structured JSON to stderr.
func New(development bool) zerolog.Logger {
	lvl := zerolog.InfoLevel
	if development {
		lvl = zerolog.DebugLevel
	}
	zerolog.SetGlobalLevel(lvl)

	var out zerolog.ConsoleWriter
	if development {
		out = zerolog.ConsoleWriter{Out: os.Stderr}
		return zerolog.New(out).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stderr).With().Timestamp().Logger()
}
