// logging.go - Package logger

package odm

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"
)

var logger atomic.Pointer[slog.Logger]

func init() {
	logger.Store(slog.Default().With("component", "odm"))
}

// SetLogger replaces the package logger. A nil logger discards all output.
func SetLogger(l *slog.Logger) {
	if l == nil {
		l = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	logger.Store(l.With("component", "odm"))
}

// SetupLogging installs a text logger writing to w (stderr when nil) at the
// given level: debug, info, warn or error.
func SetupLogging(level string, w io.Writer) {
	if w == nil {
		w = os.Stderr
	}
	SetLogger(slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: parseLevel(level)})))
}

func parseLevel(level string) slog.Level {
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

func log() *slog.Logger {
	return logger.Load()
}
