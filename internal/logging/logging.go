// Package logging configures the global zerolog logger for all binaries.
package logging

import (
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/term"
)

// Setup configures the global logger. format "console" forces the pretty
// writer; "json" forces structured output; anything else picks console when
// stderr is a terminal.
func Setup(level, format string) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	zerolog.SetGlobalLevel(parseLevel(level))

	useConsole := false
	switch strings.ToLower(format) {
	case "console":
		useConsole = true
	case "json":
		useConsole = false
	default:
		useConsole = term.IsTerminal(int(os.Stderr.Fd()))
	}
	if useConsole {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	} else {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}
}

func parseLevel(level string) zerolog.Level {
	switch strings.ToLower(level) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}
