// Package logger provides the internal no-op and test loggers every
// component falls back to when the caller configures none.
package logger

import "github.com/arloliu/loom/types"

// NopLogger discards every message. It is the default logger for drivers
// and coordinators whose config leaves Logger nil.
type NopLogger struct{}

var _ types.Logger = (*NopLogger)(nil)

// NewNop returns a logger that discards everything.
func NewNop() *NopLogger {
	return &NopLogger{}
}

func (*NopLogger) Debug(string, ...any) {}
func (*NopLogger) Info(string, ...any)  {}
func (*NopLogger) Warn(string, ...any)  {}
func (*NopLogger) Error(string, ...any) {}

// Fatal discards the message like every other level; it never terminates
// the process.
func (*NopLogger) Fatal(string, ...any) {}
