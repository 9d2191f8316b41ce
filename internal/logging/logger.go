package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Options configures the process logger
type Options struct {
	Level string // debug, info, warn, error
	JSON  bool   // JSON lines instead of console text
	File  string // optional log file, written in addition to stdout
}

// ParseLevel parses a log level string, defaulting to info
func ParseLevel(level string) zapcore.Level {
	switch strings.ToLower(level) {
	case "debug":
		return zapcore.DebugLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	case "fatal":
		return zapcore.FatalLevel
	default:
		return zapcore.InfoLevel
	}
}

// New builds a logger that writes to stdout and, when opts.File is set, to that file.
func New(opts Options) (*zap.Logger, error) {
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "timestamp"
	encCfg.EncodeTime = zapcore.TimeEncoderOfLayout("2006-01-02 15:04:05")

	var enc zapcore.Encoder
	if opts.JSON {
		enc = zapcore.NewJSONEncoder(encCfg)
	} else {
		encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
		enc = zapcore.NewConsoleEncoder(encCfg)
	}

	level := zap.NewAtomicLevelAt(ParseLevel(opts.Level))
	sinks := []zapcore.WriteSyncer{zapcore.Lock(os.Stdout)}

	if opts.File != "" {
		if err := os.MkdirAll(filepath.Dir(opts.File), 0755); err != nil {
			return nil, fmt.Errorf("failed to create log directory %s: %w", filepath.Dir(opts.File), err)
		}
		f, err := os.OpenFile(opts.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file %s: %w", opts.File, err)
		}
		sinks = append(sinks, zapcore.Lock(f))
	}

	core := zapcore.NewCore(enc, zapcore.NewMultiWriteSyncer(sinks...), level)
	return zap.New(core), nil
}

// Nop returns a logger that discards everything. Used by tests and library defaults.
func Nop() *zap.Logger {
	return zap.NewNop()
}

// Component returns a child logger tagged with a component name
func Component(l *zap.Logger, name string) *zap.Logger {
	if l == nil {
		l = Nop()
	}
	return l.With(zap.String("component", name))
}
