package common

import (
	"io"
	"log/slog"
	"os"

	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	// PackageName is used as the metrics namespace and the default log service tag.
	PackageName = "vhd-provisioner"

	// Version is set at build time with -ldflags "-X github.com/ruteri/vhd-provisioner/common.Version=..."
	Version = "dev"
)

// LoggingOpts configures the process-wide structured logger.
type LoggingOpts struct {
	Debug   bool
	JSON    bool
	Service string
	Version string

	// File, when set, duplicates log output into a size-capped file.
	File string
	// FileMaxSizeMB caps a single log file. Zero means 20MB.
	FileMaxSizeMB int
}

// SetupLogger builds the logger used by every binary. Output goes to stderr
// and, optionally, to a log file.
func SetupLogger(opts *LoggingOpts) *slog.Logger {
	var out io.Writer = os.Stderr
	if opts.File != "" {
		maxSize := opts.FileMaxSizeMB
		if maxSize == 0 {
			maxSize = 20
		}
		out = io.MultiWriter(os.Stderr, &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    maxSize,
			MaxBackups: 3,
			Compress:   false,
		})
	}

	logLevel := slog.LevelInfo
	if opts.Debug {
		logLevel = slog.LevelDebug
	}
	handlerOpts := &slog.HandlerOptions{Level: logLevel}

	var handler slog.Handler
	if opts.JSON {
		handler = slog.NewJSONHandler(out, handlerOpts)
	} else {
		handler = slog.NewTextHandler(out, handlerOpts)
	}

	logger := slog.New(handler)
	if opts.Service != "" {
		logger = logger.With("service", opts.Service)
	}
	if opts.Version != "" {
		logger = logger.With("version", opts.Version)
	}
	return logger
}

// DiscardLogger returns a logger that drops everything. Used by tests and by
// components constructed without a logger.
func DiscardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
