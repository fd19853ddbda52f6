// Package logging configures the process-wide slog logger.
package logging

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"gopkg.in/natefinch/lumberjack.v2"
)

// DebugFileName is the rotating debug log written to the output directory
// in debug mode.
const DebugFileName = "aaarefine_debug.log"

// Options configures Setup.
type Options struct {
	Debug     bool
	OutputDir string
	// Console receives human-readable logs. Defaults to stderr.
	Console io.Writer
}

// Setup installs and returns the default logger. The returned closer
// flushes the debug file and must be closed on exit.
func Setup(opts Options) (*slog.Logger, io.Closer, error) {
	console := opts.Console
	if console == nil {
		console = os.Stderr
	}

	level := slog.LevelInfo
	if opts.Debug {
		level = slog.LevelDebug
	}

	var (
		handler slog.Handler = slog.NewTextHandler(console, &slog.HandlerOptions{Level: level})
		closer  io.Closer    = nopCloser{}
	)

	if opts.Debug && opts.OutputDir != "" {
		if err := os.MkdirAll(opts.OutputDir, 0o755); err != nil {
			return nil, nil, err
		}
		file := &lumberjack.Logger{
			Filename:   filepath.Join(opts.OutputDir, DebugFileName),
			MaxSize:    15, // megabytes
			MaxBackups: 3,
			MaxAge:     28, // days
		}
		handler = fanout{handler, slog.NewJSONHandler(file, &slog.HandlerOptions{Level: slog.LevelDebug})}
		closer = file
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger, closer, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// fanout sends every record to all handlers that accept its level.
type fanout []slog.Handler

func (f fanout) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range f {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (f fanout) Handle(ctx context.Context, r slog.Record) error {
	var errs []error
	for _, h := range f {
		if h.Enabled(ctx, r.Level) {
			errs = append(errs, h.Handle(ctx, r.Clone()))
		}
	}
	return errors.Join(errs...)
}

func (f fanout) WithAttrs(attrs []slog.Attr) slog.Handler {
	out := make(fanout, len(f))
	for i, h := range f {
		out[i] = h.WithAttrs(attrs)
	}
	return out
}

func (f fanout) WithGroup(name string) slog.Handler {
	out := make(fanout, len(f))
	for i, h := range f {
		out[i] = h.WithGroup(name)
	}
	return out
}
