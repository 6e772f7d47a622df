// Package logging adapts log/slog to the es.Logger interface used by every
// component of the migration orchestrator.
package logging

import (
	"context"
	"io"
	"log/slog"
	"strings"

	"github.com/getpup/pupsourcing/es"
)

// Logger implements es.Logger on top of a slog.Logger.
type Logger struct {
	slog *slog.Logger
}

// Compile-time check that Logger implements es.Logger.
var _ es.Logger = (*Logger)(nil)

// Options configures a Logger.
type Options struct {
	// Level is one of debug, info, warn, error. Defaults to info.
	Level string

	// Format is json or text. Defaults to json.
	Format string
}

// New creates a Logger writing to w.
func New(w io.Writer, opts Options) *Logger {
	handlerOpts := &slog.HandlerOptions{Level: ParseLevel(opts.Level)}

	var handler slog.Handler
	if strings.EqualFold(opts.Format, "text") {
		handler = slog.NewTextHandler(w, handlerOpts)
	} else {
		handler = slog.NewJSONHandler(w, handlerOpts)
	}
	return &Logger{slog: slog.New(handler)}
}

// Wrap adapts an existing slog.Logger.
func Wrap(l *slog.Logger) *Logger {
	return &Logger{slog: l}
}

// ParseLevel maps a level name to a slog.Level. Unknown names map to info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Debug implements es.Logger.
func (l *Logger) Debug(ctx context.Context, msg string, keyvals ...interface{}) {
	l.slog.DebugContext(ctx, msg, normalize(keyvals)...)
}

// Info implements es.Logger.
func (l *Logger) Info(ctx context.Context, msg string, keyvals ...interface{}) {
	l.slog.InfoContext(ctx, msg, normalize(keyvals)...)
}

// Error implements es.Logger.
func (l *Logger) Error(ctx context.Context, msg string, keyvals ...interface{}) {
	l.slog.ErrorContext(ctx, msg, normalize(keyvals)...)
}

// With returns a Logger that adds keyvals to every record.
func (l *Logger) With(keyvals ...interface{}) *Logger {
	return &Logger{slog: l.slog.With(normalize(keyvals)...)}
}

// normalize renders error values as strings so the JSON handler does not
// encode them as empty objects.
func normalize(keyvals []interface{}) []any {
	out := make([]any, len(keyvals))
	for i, v := range keyvals {
		if err, ok := v.(error); ok && i%2 == 1 {
			out[i] = err.Error()
			continue
		}
		out[i] = v
	}
	return out
}
