// Package logging sets up the process-wide slog logger.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// Init installs a text logger on stderr as the default. LOG_LEVEL, when set
// to a known name, overrides defaultLevel.
func Init(defaultLevel slog.Level) {
	InitTo(os.Stderr, defaultLevel)
}

// InitTo is Init with a chosen destination.
func InitTo(w io.Writer, defaultLevel slog.Level) {
	level := defaultLevel
	if l, ok := ParseLevel(os.Getenv("LOG_LEVEL")); ok {
		level = l
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})))
}

// ParseLevel maps the level names accepted in LOG_LEVEL.
func ParseLevel(name string) (slog.Level, bool) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "dev", "development", "debug":
		return slog.LevelDebug, true
	case "info":
		return slog.LevelInfo, true
	case "warn", "warning":
		return slog.LevelWarn, true
	case "error", "production", "prod":
		return slog.LevelError, true
	default:
		return 0, false
	}
}
