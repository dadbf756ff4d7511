package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/meigma/vpack/config"
)

// newLogger returns a JSON logger writing to stderr and, when a log file
// is configured, to a rotated file. The returned closer closes the file.
func newLogger(cfg config.Log, stderr io.Writer) (*slog.Logger, io.Closer, error) {
	out := stderr
	var closer io.Closer = nopCloser{}
	if cfg.File != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.File), 0o755); err != nil {
			return nil, nil, fmt.Errorf("create log directory: %w", err)
		}
		rotator := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   cfg.Compress,
			LocalTime:  true,
		}
		out = io.MultiWriter(stderr, rotator)
		closer = rotator
	}
	handler := slog.NewJSONHandler(out, &slog.HandlerOptions{Level: cfg.SlogLevel()})
	return slog.New(handler), closer, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
