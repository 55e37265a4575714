// Package logging builds the structured zerolog logger every node
// uses, the same shape the teacher's monitoring package builds:
// JSON-by-default, switchable to a pretty console writer, with
// timestamp/caller fields and a service tag.
package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// New builds a zerolog.Logger from the configured level/format
// strings, setting the global level so library code (e.g. zerolog's
// own internal logging) respects it too.
func New(level, format string) zerolog.Logger {
	var output io.Writer = os.Stdout

	zl, err := zerolog.ParseLevel(level)
	if err != nil {
		zl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(zl)

	if format == "pretty" {
		output = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	}

	return zerolog.New(output).With().Timestamp().Caller().Str("service", "broadcastd").Logger()
}
