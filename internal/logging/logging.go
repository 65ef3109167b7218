// Package logging provides the leveled logger used across propsync. It is a
// thin wrapper around zerolog so that components only depend on the small
// printf-style surface they actually use.
package logging

import (
	"io"
	"os"

	"github.com/rs/zerolog"
)

const (
	LogLevelDebug = iota
	LogLevelInfo
	LogLevelWarn
	LogLevelError
)

const (
	FormatText = iota
	FormatJSON
)

type Config struct {
	Level  int
	Format int
	Output io.Writer // defaults to stderr
}

type Logger struct {
	logger zerolog.Logger
	level  int
}

func NewLogger(c Config) *Logger {
	out := c.Output
	if out == nil {
		out = os.Stderr
	}

	if c.Format == FormatText {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: "2006-01-02 15:04:05"}
	}

	return &Logger{
		logger: zerolog.New(out).Level(zerologLevel(c.Level)).With().Timestamp().Logger(),
		level:  c.Level,
	}
}

// NewNopLogger returns a logger that discards everything. Intended for tests.
func NewNopLogger() *Logger {
	return &Logger{logger: zerolog.Nop(), level: LogLevelError}
}

// WithName returns a copy of the logger with a component name attached to
// every emitted record.
func (l *Logger) WithName(name string) *Logger {
	return &Logger{
		logger: l.logger.With().Str("component", name).Logger(),
		level:  l.level,
	}
}

func (l *Logger) Debugf(format string, args ...any) {
	l.logger.Debug().Msgf(format, args...)
}

func (l *Logger) Infof(format string, args ...any) {
	l.logger.Info().Msgf(format, args...)
}

func (l *Logger) Warnf(format string, args ...any) {
	l.logger.Warn().Msgf(format, args...)
}

func (l *Logger) Errorf(format string, args ...any) {
	l.logger.Error().Msgf(format, args...)
}

func (l *Logger) Level() int {
	return l.level
}

func zerologLevel(level int) zerolog.Level {
	switch level {
	case LogLevelDebug:
		return zerolog.DebugLevel
	case LogLevelInfo:
		return zerolog.InfoLevel
	case LogLevelWarn:
		return zerolog.WarnLevel
	default:
		return zerolog.ErrorLevel
	}
}
