// Package logging configures the process-wide zerolog logger.
package logging

import (
	"io"
	"os"

	"github.com/rs/zerolog"

	"github.com/leadengine/searchengine/internal/config"
)

// New returns a configured zerolog.Logger: console writer with debug level
// in development, structured JSON at info level otherwise. A parseable
// cfg.LogLevel (Load defaults it to "info") overrides either level.
func New(cfg *config.Config) zerolog.Logger {
	var out io.Writer = os.Stderr
	lvl := zerolog.InfoLevel

	if cfg.IsDevelopment() {
		out = zerolog.ConsoleWriter{Out: os.Stderr}
		lvl = zerolog.DebugLevel
	}

	if parsed, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		lvl = parsed
	}

	zerolog.SetGlobalLevel(lvl)
	return zerolog.New(out).With().Timestamp().Logger()
}
