// Package logging builds the process logger: console, a rotating file and
// an in-memory buffer served by the dashboard.
package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

type Options struct {
	File        string
	Level       string
	BufferLines int
	MaxSizeMB   int
	MaxBackups  int
	Console     bool
}

func DefaultOptions() Options {
	return Options{
		File:        "data/logs/eg4-assistant.log",
		Level:       "info",
		BufferLines: 2000,
		MaxSizeMB:   10,
		MaxBackups:  3,
		Console:     true,
	}
}

// ParseLevel accepts debug, info, warn, warning and error.
func ParseLevel(name string) (zapcore.Level, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "debug":
		return zapcore.DebugLevel, nil
	case "", "info":
		return zapcore.InfoLevel, nil
	case "warn", "warning":
		return zapcore.WarnLevel, nil
	case "error":
		return zapcore.ErrorLevel, nil
	}
	return zapcore.InfoLevel, fmt.Errorf("unknown log level %q", name)
}

func encoderConfig() zapcore.EncoderConfig {
	cfg := zap.NewProductionEncoderConfig()
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.EncodeLevel = zapcore.CapitalLevelEncoder
	return cfg
}

// New returns the logger and the buffer it writes to.
func New(opts Options) (*zap.Logger, *Buffer, error) {
	level, err := ParseLevel(opts.Level)
	if err != nil {
		return nil, nil, err
	}
	if opts.BufferLines <= 0 {
		opts.BufferLines = DefaultOptions().BufferLines
	}

	enc := encoderConfig()
	buf := NewBuffer(opts.BufferLines)
	cores := []zapcore.Core{
		NewBufferCore(buf, zapcore.NewConsoleEncoder(enc), zapcore.DebugLevel),
	}
	if opts.Console {
		cores = append(cores, zapcore.NewCore(zapcore.NewConsoleEncoder(enc), zapcore.Lock(os.Stderr), level))
	}
	if opts.File != "" {
		if err := os.MkdirAll(filepath.Dir(opts.File), 0o755); err != nil {
			return nil, nil, fmt.Errorf("create log directory: %w", err)
		}
		rotate := &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    opts.MaxSizeMB,
			MaxBackups: opts.MaxBackups,
		}
		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(enc), zapcore.AddSync(rotate), level))
	}

	return zap.New(zapcore.NewTee(cores...), zap.AddCaller()), buf, nil
}
