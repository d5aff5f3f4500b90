package logger

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"time"
)

// New builds a slog logger with UTC timestamps writing to stdout.
func New(level string) *slog.Logger {
	return NewWithWriter(os.Stdout, level)
}

// NewWithWriter is New with an explicit destination. Attributes carrying
// secrets are redacted whatever their value.
func NewWithWriter(w io.Writer, level string) *slog.Logger {
	handler := slog.NewTextHandler(w, &slog.HandlerOptions{
		Level: ParseLevel(level),
		ReplaceAttr: func(groups []string, attr slog.Attr) slog.Attr {
			if attr.Key == slog.TimeKey && len(groups) == 0 {
				if t, ok := attr.Value.Any().(time.Time); ok {
					attr.Value = slog.TimeValue(t.UTC())
				}
				return attr
			}
			if sensitive(attr.Key) {
				attr.Value = slog.StringValue("[redacted]")
			}
			return attr
		},
	})
	return slog.New(handler)
}

func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func sensitive(key string) bool {
	switch strings.ToLower(key) {
	case "password", "token", "api_key", "authorization":
		return true
	}
	return false
}
