// Package obslog builds the server's structured logger: JSON lines to
// a log file (plus stdout unless quieted), redacting keys that look
// like secrets, the way telemetry.NewLogger does for the teacher.
package obslog

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// New builds a *slog.Logger writing JSON lines under homeDir/logs, with
// every record tagged component=taskhubd. When quiet is true, output
// goes only to the file (used for the stdio transport, so stdout stays
// reserved for the wire protocol). level is a live handle: the caller
// keeps it and calls Set to change the minimum log level without
// restarting the process (wired to the config watcher's hot-reload
// path in cmd/taskhubd).
func New(homeDir string, level *slog.LevelVar, quiet bool) (*slog.Logger, io.Closer, error) {
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, nil, err
	}

	path := filepath.Join(logDir, "taskhubd.jsonl")
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, nil, err
	}

	var w io.Writer = file
	if !quiet {
		w = io.MultiWriter(os.Stdout, file)
	}

	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
		ReplaceAttr: func(_ []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				a.Key = "timestamp"
			}
			if shouldRedactKey(a.Key) {
				return slog.String(a.Key, "[REDACTED]")
			}
			return a
		},
	})
	logger := slog.New(handler).With("component", "taskhubd")
	return logger, file, nil
}

func shouldRedactKey(key string) bool {
	lower := strings.ToLower(strings.TrimSpace(key))
	if lower == "" {
		return false
	}
	for _, token := range []string{"token", "secret", "password", "authorization", "api_key", "apikey", "bearer"} {
		if strings.Contains(lower, token) {
			return true
		}
	}
	return false
}

// ParseLevel maps a config string to a slog.Level, defaulting to Info
// for anything unrecognized.
func ParseLevel(level string) slog.Level {
	return parseLevel(level)
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
