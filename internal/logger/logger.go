// Package logger provides the module's ambient structured logging, backed
// by log/slog with rotation via lumberjack when a log file path is
// configured.
package logger

import (
	"io"
	"log/slog"
	"os"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	mu            sync.Mutex
	defaultLogger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	programLevel  = new(slog.LevelVar)
)

// Options configures Init.
type Options struct {
	// LogFile, if non-empty, routes output through a rotating lumberjack
	// writer instead of stderr.
	LogFile string

	// MaxSizeMB is the lumberjack rotation threshold in megabytes.
	MaxSizeMB int

	// Level is the minimum level that will be emitted.
	Level slog.Level
}

// Init installs the process-wide logger according to opts. It is safe to
// call more than once; the most recent call wins.
func Init(opts Options) {
	mu.Lock()
	defer mu.Unlock()

	programLevel.Set(opts.Level)

	var w io.Writer = os.Stderr
	if opts.LogFile != "" {
		maxSize := opts.MaxSizeMB
		if maxSize <= 0 {
			maxSize = 10
		}
		w = &lumberjack.Logger{
			Filename: opts.LogFile,
			MaxSize:  maxSize,
			Compress: true,
		}
	}

	defaultLogger = slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: programLevel,
	}))
}

// L returns the process-wide logger.
func L() *slog.Logger {
	mu.Lock()
	defer mu.Unlock()
	return defaultLogger
}

// SetLevel adjusts the minimum emitted level without reopening the output.
func SetLevel(level slog.Level) {
	programLevel.Set(level)
}
