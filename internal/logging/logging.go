// Package logging configures the global zerolog logger.
package logging

import (
	"io"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Setup writes human-friendly output in debug mode and JSON otherwise.
func Setup(mode, level string) {
	SetupWriter(os.Stderr, mode, level)
}

func SetupWriter(w io.Writer, mode, level string) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	if mode == "debug" {
		w = zerolog.ConsoleWriter{Out: w}
	}
	log.Logger = zerolog.New(w).With().Timestamp().Logger()
	SetLevel(level)
}

// SetLevel applies a level name; unknown names fall back to info.
func SetLevel(level string) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		log.Warn().Err(err).Str("module", "logging").Str("level", level).Msg("unknown log level, using info")
		lvl = zerolog.InfoLevel
	}
	if lvl == zerolog.GlobalLevel() {
		return
	}
	zerolog.SetGlobalLevel(lvl)
	log.Info().Str("module", "logging").Str("level", lvl.String()).Msg("log level set")
}
