// Package logging builds the process logger.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// ParseLevel maps debug|info|warn|error to a slog level. Unknown names
// are an error.
func ParseLevel(name string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", name)
	}
}

// Setup returns a text logger writing to out and, when dir is set, to a
// timestamped file in dir as well. The returned cleanup closes the file.
func Setup(level, dir string, out io.Writer) (*slog.Logger, func() error, error) {
	lvl, err := ParseLevel(level)
	if err != nil {
		return nil, nil, err
	}
	opts := &slog.HandlerOptions{Level: lvl}
	cleanup := func() error { return nil }

	if dir == "" {
		return slog.New(slog.NewTextHandler(out, opts)), cleanup, nil
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, nil, fmt.Errorf("creating log dir: %w", err)
	}
	path := filepath.Join(dir, fmt.Sprintf("mailindex-sync-%s.log", time.Now().Format("20060102T150405")))
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("opening log file: %w", err)
	}
	handler := slog.NewTextHandler(io.MultiWriter(out, file), opts)
	return slog.New(handler), file.Close, nil
}
