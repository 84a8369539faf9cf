package clockdb

import (
	"log/slog"
	"os"
)

// Logger is the minimal logging surface the store needs. The default
// implementation wraps log/slog; pass your own to integrate with an
// application logger.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

const logPrefix = "[clockdb] "

type defaultLogger struct {
	logger *slog.Logger
}

// NewDefaultLogger returns a slog-backed Logger writing to stderr.
func NewDefaultLogger(level slog.Level) Logger {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))
	return &defaultLogger{logger: logger}
}

func (d *defaultLogger) Debug(msg string, args ...any) {
	d.logger.Debug(logPrefix+msg, args...)
}

func (d *defaultLogger) Info(msg string, args ...any) {
	d.logger.Info(logPrefix+msg, args...)
}

func (d *defaultLogger) Warn(msg string, args ...any) {
	d.logger.Warn(logPrefix+msg, args...)
}

func (d *defaultLogger) Error(msg string, args ...any) {
	d.logger.Error(logPrefix+msg, args...)
}
