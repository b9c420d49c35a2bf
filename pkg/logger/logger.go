// Package logger provides the leveled, key-value logger used by every component of the
// sync client.
//
// Two backends are available: [New] adapts any [slog.Handler], and [NewBuilder] builds a
// zerolog logger writing to a file, a buffer, or stdout.
package logger

import (
	"context"
	"log/slog"
)

// Logger is the logging contract components depend on.
// args are alternating key/value pairs, as in log/slog.
type Logger interface {
	Error(msg string, args ...any)
	Warn(msg string, args ...any)
	Info(msg string, args ...any)
	Debug(msg string, args ...any)
}

// SlogHandler adapts a slog.Handler to Logger.
type SlogHandler struct {
	logger *slog.Logger
}

func New(h slog.Handler) *SlogHandler {
	return &SlogHandler{logger: slog.New(h)}
}

func (handler *SlogHandler) Error(msg string, args ...any) {
	handler.logger.Error(msg, args...)
}

func (handler *SlogHandler) Warn(msg string, args ...any) {
	handler.logger.Warn(msg, args...)
}

func (handler *SlogHandler) Info(msg string, args ...any) {
	handler.logger.Info(msg, args...)
}

func (handler *SlogHandler) Debug(msg string, args ...any) {
	handler.logger.Debug(msg, args...)
}

// With returns a logger that adds the given key/value pairs to every record.
func (handler *SlogHandler) With(args ...any) *SlogHandler {
	return &SlogHandler{logger: handler.logger.With(args...)}
}

// Enabled reports whether records at level would be emitted.
func (handler *SlogHandler) Enabled(level slog.Level) bool {
	return handler.logger.Enabled(context.Background(), level)
}

// ParseLevel maps "debug", "info", "warn" and "error" to a slog.Level.
// Unknown values map to info.
func ParseLevel(s string) slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}
	return level
}

type discard struct{}

func (discard) Error(string, ...any) {}
func (discard) Warn(string, ...any)  {}
func (discard) Info(string, ...any)  {}
func (discard) Debug(string, ...any) {}

// Discard is a Logger that drops everything.
var Discard Logger = discard{}
