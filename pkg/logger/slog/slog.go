// Package slog adapts a log/slog handler to logger.Logger.
package slog

import (
	"context"
	"log/slog"

	"github.com/quillnote/quillsync/pkg/logger"
)

// Logger forwards to a *slog.Logger. Records below the handler's level are
// skipped before the arguments are converted.
type Logger struct {
	logger *slog.Logger
}

var _ logger.Logger = (*Logger)(nil)

func New(h slog.Handler) *Logger {
	return &Logger{logger: slog.New(h)}
}

// With returns a Logger that adds args to every record.
func (l *Logger) With(args ...any) *Logger {
	return &Logger{logger: l.logger.With(args...)}
}

func (l *Logger) Error(msg string, args ...any) { l.log(slog.LevelError, msg, args) }
func (l *Logger) Warn(msg string, args ...any)  { l.log(slog.LevelWarn, msg, args) }
func (l *Logger) Info(msg string, args ...any)  { l.log(slog.LevelInfo, msg, args) }
func (l *Logger) Debug(msg string, args ...any) { l.log(slog.LevelDebug, msg, args) }

func (l *Logger) log(level slog.Level, msg string, args []any) {
	ctx := context.Background()
	if !l.logger.Enabled(ctx, level) {
		return
	}
	l.logger.Log(ctx, level, msg, args...)
}

// ParseLevel maps a level name such as "warn" to a slog level. Unknown names
// map to info.
func ParseLevel(name string) slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(name)); err != nil {
		return slog.LevelInfo
	}
	return level
}
