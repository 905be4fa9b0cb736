// Package logging provides the leveled logger used across propack.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

type Level int

const (
	Debug Level = iota
	Info
	Warn
	Error
)

// LevelNames maps levels to their flag and config names.
var LevelNames = map[Level][]string{
	Debug: {"debug"},
	Info:  {"info"},
	Warn:  {"warn", "warning"},
	Error: {"error"},
}

func ParseLevel(s string) (Level, error) {
	for l, names := range LevelNames {
		for _, n := range names {
			if strings.EqualFold(n, s) {
				return l, nil
			}
		}
	}
	return Info, fmt.Errorf("unknown log level %q", s)
}

type Format int

const (
	Console Format = iota
	JSON
)

var FormatNames = map[Format][]string{
	Console: {"console", "text"},
	JSON:    {"json"},
}

type Config struct {
	Level  Level
	Format Format
}

type Logger struct {
	log zerolog.Logger
}

// New returns a logger writing to stderr.
func New(cfg Config) *Logger {
	return NewWriter(os.Stderr, cfg)
}

func NewWriter(w io.Writer, cfg Config) *Logger {
	if cfg.Format == Console {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.TimeOnly}
	}
	return &Logger{log: zerolog.New(w).Level(cfg.Level.zerolog()).With().Timestamp().Logger()}
}

func NewNop() *Logger {
	return &Logger{log: zerolog.Nop()}
}

func (l Level) zerolog() zerolog.Level {
	switch l {
	case Debug:
		return zerolog.DebugLevel
	case Warn:
		return zerolog.WarnLevel
	case Error:
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// With returns a logger that adds the field to every message.
func (l *Logger) With(key string, value any) *Logger {
	if l == nil {
		return nil
	}
	return &Logger{log: l.log.With().Interface(key, value).Logger()}
}

// Zerolog exposes the underlying logger for adapters of other libraries.
func (l *Logger) Zerolog() zerolog.Logger {
	if l == nil {
		return zerolog.Nop()
	}
	return l.log
}

func (l *Logger) Enabled(level Level) bool {
	return l != nil && l.log.GetLevel() <= level.zerolog()
}

func (l *Logger) Debugf(format string, args ...any) {
	if l == nil {
		return
	}
	l.log.Debug().Msgf(format, args...)
}

func (l *Logger) Infof(format string, args ...any) {
	if l == nil {
		return
	}
	l.log.Info().Msgf(format, args...)
}

func (l *Logger) Warnf(format string, args ...any) {
	if l == nil {
		return
	}
	l.log.Warn().Msgf(format, args...)
}

func (l *Logger) Errorf(format string, args ...any) {
	if l == nil {
		return
	}
	l.log.Error().Msgf(format, args...)
}
