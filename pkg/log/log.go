// Package log provides structured logging for the shim using zerolog.
//
// Unlike a process-wide singleton, components take a *Logger as a
// constructor argument so tests can inject a buffer-backed instance and
// concurrent invocations never contend over global state. Default()
// exists only for main and for code paths that run before a Logger has
// been wired in.
package log

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Level is a logging severity.
type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

// Format selects the output encoding.
type Format string

const (
	FormatText Format = "text"
	FormatJSON Format = "json"
)

// Config configures a Logger.
type Config struct {
	Level  Level
	Format Format
	Output io.Writer
}

// Logger is a structured logging capability backed by zerolog.
type Logger struct {
	zl zerolog.Logger
}

// New builds a Logger from cfg. A zero Config produces an info-level,
// text-formatted logger writing to stderr.
func New(cfg Config) *Logger {
	level := zerolog.InfoLevel
	switch cfg.Level {
	case DebugLevel:
		level = zerolog.DebugLevel
	case WarnLevel:
		level = zerolog.WarnLevel
	case ErrorLevel:
		level = zerolog.ErrorLevel
	}

	output := cfg.Output
	if output == nil {
		output = os.Stderr
	}

	var zl zerolog.Logger
	if cfg.Format == FormatJSON {
		zl = zerolog.New(output).Level(level).With().Timestamp().Logger()
	} else {
		zl = zerolog.New(zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: time.RFC3339,
		}).Level(level).With().Timestamp().Logger()
	}

	return &Logger{zl: zl}
}

// With returns a child logger with an additional string field.
func (l *Logger) With(key, value string) *Logger {
	return &Logger{zl: l.zl.With().Str(key, value).Logger()}
}

// WithContainer returns a child logger scoped to a container id.
func (l *Logger) WithContainer(id string) *Logger {
	return l.With("container_id", id)
}

// WithBackend returns a child logger scoped to a backend tag.
func (l *Logger) WithBackend(tag string) *Logger {
	return l.With("backend", tag)
}

func (l *Logger) Debug(msg string) { l.zl.Debug().Msg(msg) }
func (l *Logger) Info(msg string)  { l.zl.Info().Msg(msg) }
func (l *Logger) Warn(msg string)  { l.zl.Warn().Msg(msg) }
func (l *Logger) Error(msg string) { l.zl.Error().Msg(msg) }

// Err logs msg at error level with err attached.
func (l *Logger) Err(err error, msg string) {
	l.zl.Error().Err(err).Msg(msg)
}

var def = New(Config{})

// Default returns the process-wide convenience logger. main wires a real
// Config via SetDefault before dispatching to a verb; components invoked
// outside of main should take a *Logger explicitly instead of calling this.
func Default() *Logger { return def }

// SetDefault replaces the convenience logger returned by Default.
func SetDefault(l *Logger) { def = l }
