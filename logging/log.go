package logging

import (
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

// ParseLevel accepts debug, info, warn and error in any case.
func ParseLevel(level string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.TrimSpace(level))); err != nil {
		return slog.LevelInfo, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	return l, nil
}

// Init installs the default slog logger. An empty path or "console" logs to
// console; any other path is a rotated log file. The returned func closes
// the file.
func Init(level, path string, console io.Writer) (func() error, error) {
	l, err := ParseLevel(level)
	if err != nil {
		return nil, err
	}

	out := console
	closer := func() error { return nil }
	if path != "" && path != "console" {
		lumberjackLogger := &lumberjack.Logger{
			Filename:   filepath.ToSlash(path),
			MaxSize:    5, // MB
			MaxBackups: 10,
			MaxAge:     30, // days
			Compress:   true,
		}
		out = lumberjackLogger
		closer = lumberjackLogger.Close
	}

	logger := slog.New(slog.NewTextHandler(out, &slog.HandlerOptions{
		Level: l,
	}))
	slog.SetDefault(logger)
	return closer, nil
}
