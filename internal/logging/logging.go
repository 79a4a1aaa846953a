package logging

import (
	"io"
	"os"

	"github.com/rs/zerolog"
)

type Logger = zerolog.Logger

// New builds the process logger. Unknown levels fall back to info.
func New(level string, pretty bool) Logger {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs
	var out io.Writer = os.Stderr
	if pretty {
		out = zerolog.ConsoleWriter{Out: os.Stderr}
	}
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(out).Level(lvl).With().Timestamp().Logger()
}

// Nop is used by tests and by components built without a logger.
func Nop() Logger {
	return zerolog.Nop()
}
