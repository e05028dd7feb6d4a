// Package log builds the process logger: colored console output locally,
// JSON when running inside Kubernetes.
package log

import (
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/lmittmann/tint"
)

const timeFormat = "2006-01-02T15:04:05.999Z07:00"

func New(level slog.Level) *slog.Logger {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return NewJSON(os.Stderr, level)
	}
	return NewConsole(os.Stdout, level)
}

func NewConsole(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(tint.NewHandler(w, &tint.Options{
		Level:      level,
		TimeFormat: timeFormat,
	}))
}

func NewJSON(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey && len(groups) == 0 {
				return slog.String(slog.TimeKey, a.Value.Time().Format(time.RFC3339Nano))
			}
			return a
		},
	}))
}
