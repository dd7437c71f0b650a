package logging

import (
	"strings"

	"github.com/rs/zerolog"
)

// GooseLogger adapts zerolog to goose's Logger interface.
type GooseLogger struct {
	logger zerolog.Logger
}

// NewGooseLogger wraps logger for migration output.
func NewGooseLogger(logger zerolog.Logger) *GooseLogger {
	return &GooseLogger{logger: logger.With().Str("component", "migrate").Logger()}
}

func (g *GooseLogger) Fatalf(format string, v ...interface{}) {
	g.logger.Fatal().Msgf(strings.TrimSpace(format), v...)
}

func (g *GooseLogger) Printf(format string, v ...interface{}) {
	g.logger.Info().Msgf(strings.TrimSpace(format), v...)
}
