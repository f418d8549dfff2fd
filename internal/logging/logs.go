// Package logging owns process-wide logger setup and the printf-style helpers
// used across the tree.
package logging

import (
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Logger returns the configured process logger.
func Logger() zerolog.Logger {
	return log.Logger
}

// Component returns the process logger tagged with a component name.
func Component(name string) zerolog.Logger {
	return log.Logger.With().Str("component", name).Logger()
}

func Tracef(format string, args ...any) {
	log.Logger.Trace().Msgf(format, args...)
}

func Debugf(format string, args ...any) {
	log.Logger.Debug().Msgf(format, args...)
}

func Infof(format string, args ...any) {
	log.Logger.Info().Msgf(format, args...)
}

func Warnf(format string, args ...any) {
	log.Logger.Warn().Msgf(format, args...)
}

func Errf(format string, args ...any) {
	log.Logger.Error().Msgf(format, args...)
}

// Logf writes at info level without a level-specific prefix; used by tests.
func Logf(format string, args ...any) {
	log.Logger.Log().Msgf(format, args...)
}
