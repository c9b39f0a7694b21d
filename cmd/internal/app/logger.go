package app

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// Logger is the app-wide logger type (slog).
type Logger = *slog.Logger

// NewLogger creates a structured logger. format "pretty" (or "text") selects the
// human-readable handler; anything else logs JSON.
func NewLogger(level, format string) *slog.Logger {
	log := NewWriterLogger(os.Stdout, level, format)
	slog.SetDefault(log)
	return log
}

// NewWriterLogger builds the same logger on w without installing it as the default.
// Color is only used when w is a terminal.
func NewWriterLogger(w io.Writer, level, format string) *slog.Logger {
	color := false
	if f, ok := w.(*os.File); ok {
		color = isTerminal(f)
	}
	return slog.New(newLogHandler(w, level, format, color))
}

func newLogHandler(w io.Writer, level, format string, color bool) slog.Handler {
	opts := &slog.HandlerOptions{
		Level:     parseLogLevel(level),
		AddSource: true,
	}
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "pretty", "text":
		return newPrettyHandler(w, opts, color && os.Getenv("NO_COLOR") == "")
	default:
		return slog.NewJSONHandler(w, opts)
	}
}

func parseLogLevel(level string) slog.Level {
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

func isTerminal(f *os.File) bool {
	st, err := f.Stat()
	if err != nil {
		return false
	}
	return st.Mode()&os.ModeCharDevice != 0
}
