package logging

import (
	"log/slog"
	"os"
)

// Level maps LOG_LEVEL values to slog levels. Unknown values fall back to info.
func Level(name string) slog.Level {
	switch name {
	case "dev", "development", "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error", "production", "prod":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Init installs the process-wide logger and returns it.
func Init(level string) *slog.Logger {
	logger := slog.New(
		slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: Level(level),
		}),
	)
	slog.SetDefault(logger)
	return logger
}

// Discard returns a logger that drops everything; used by tests.
func Discard() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}
