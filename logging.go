package main

import (
	"os"

	charmlog "github.com/charmbracelet/log"
)

// Logger wraps charmbracelet/log so every component receives a structured,
// field-tagged logger instead of reaching for the bare "log" package the
// way the teacher repo does. A single root Logger is built in main and
// narrowed with With() as it's threaded into each component, per spec.md
// §9's "consolidate into one explicit Gateway value" design note.
type Logger struct {
	l *charmlog.Logger
}

// NewLogger builds the root logger. level is one of "debug", "info",
// "warn", "error"; an unrecognized value falls back to "info".
func NewLogger(level string) *Logger {
	l := charmlog.NewWithOptions(os.Stderr, charmlog.Options{
		ReportTimestamp: true,
		TimeFormat:      "15:04:05",
	})
	l.SetLevel(parseLevel(level))
	return &Logger{l: l}
}

func parseLevel(level string) charmlog.Level {
	switch level {
	case "debug":
		return charmlog.DebugLevel
	case "warn":
		return charmlog.WarnLevel
	case "error":
		return charmlog.ErrorLevel
	default:
		return charmlog.InfoLevel
	}
}

// With returns a child logger carrying additional structured fields.
func (lg *Logger) With(keyvals ...any) *Logger {
	return &Logger{l: lg.l.With(keyvals...)}
}

func (lg *Logger) Debug(msg string, keyvals ...any) { lg.l.Debug(msg, keyvals...) }
func (lg *Logger) Info(msg string, keyvals ...any)  { lg.l.Info(msg, keyvals...) }
func (lg *Logger) Warn(msg string, keyvals ...any)  { lg.l.Warn(msg, keyvals...) }
func (lg *Logger) Error(msg string, keyvals ...any) { lg.l.Error(msg, keyvals...) }
