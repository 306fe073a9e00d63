// Package log is the structured-logging façade used throughout this
// module: a small common.Logger-shaped interface (msg plus variadic
// fields) backed by go.uber.org/zap.
package log

import (
	"go.uber.org/zap"
)

// Logger is the structured logger every component takes as a dependency.
type Logger interface {
	Debug(msg string, fields ...zap.Field)
	Info(msg string, fields ...zap.Field)
	Warn(msg string, fields ...zap.Field)
	Error(msg string, fields ...zap.Field)
	Fatal(msg string, fields ...zap.Field)
	With(fields ...zap.Field) Logger
}

type zapLogger struct {
	*zap.Logger
}

// New wraps a *zap.Logger as a Logger.
func New(z *zap.Logger) Logger {
	return &zapLogger{Logger: z}
}

// NewProduction returns a JSON production logger.
func NewProduction() Logger {
	z, err := zap.NewProduction()
	if err != nil {
		z = zap.NewNop()
	}
	return New(z)
}

func (l *zapLogger) With(fields ...zap.Field) Logger {
	return &zapLogger{Logger: l.Logger.With(fields...)}
}

// NewNoOp returns a logger that discards everything, for tests.
func NewNoOp() Logger {
	return New(zap.NewNop())
}
