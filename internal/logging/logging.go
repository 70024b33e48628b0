// Package logging provides the shared slog helper embedded by the
// kcp, mux and stream packages.
package logging

import (
	"context"
	"log/slog"
)

// LevelTrace sits below LevelDebug for segment-by-segment tracing that
// would otherwise flood debug logs during normal operation.
const LevelTrace slog.Level = slog.LevelDebug - 2

// Logger is embedded by types that want leveled logging without
// carrying a nil check at every call site.
type Logger struct {
	Log *slog.Logger
}

func (l Logger) enabled(lvl slog.Level) bool {
	return l.Log != nil && l.Log.Handler().Enabled(context.Background(), lvl)
}

func (l Logger) logAttrs(lvl slog.Level, msg string, attrs ...slog.Attr) {
	if l.Log != nil {
		l.Log.LogAttrs(context.Background(), lvl, msg, attrs...)
	}
}

// Trace logs at LevelTrace. Callers on a hot path should guard with
// TraceEnabled to avoid building attrs that are immediately discarded.
func (l Logger) Trace(msg string, attrs ...slog.Attr) { l.logAttrs(LevelTrace, msg, attrs...) }

// TraceEnabled reports whether trace-level logging is currently observed.
func (l Logger) TraceEnabled() bool { return l.enabled(LevelTrace) }

// Debug logs at LevelDebug.
func (l Logger) Debug(msg string, attrs ...slog.Attr) { l.logAttrs(slog.LevelDebug, msg, attrs...) }

// Error logs at LevelError.
func (l Logger) Error(msg string, attrs ...slog.Attr) { l.logAttrs(slog.LevelError, msg, attrs...) }
