// Package logging adapts Go's standard log/slog to the types.Logger
// interface the runtime and drivers log through.
//
// It is the batteries-included choice for callers without an existing
// structured logger:
//
//	rt, err := loom.New(&cfg, stream, storage, factory,
//	    loom.WithLogger(logging.NewSlogDefault()),
//	)
//
// Any zap.SugaredLogger-style logger satisfies types.Logger directly and
// can be passed to WithLogger without this package.
package logging

import (
	"log/slog"
	"os"

	"github.com/arloliu/loom/types"
)

// SlogLogger forwards every level to an underlying *slog.Logger.
type SlogLogger struct {
	logger *slog.Logger
}

var _ types.Logger = (*SlogLogger)(nil)

// NewSlog wraps an existing slog.Logger.
func NewSlog(logger *slog.Logger) *SlogLogger {
	return &SlogLogger{logger: logger}
}

// NewSlogDefault wraps slog.Default(), a text handler on stderr at Info
// level unless the process has reconfigured it.
func NewSlogDefault() *SlogLogger {
	return &SlogLogger{logger: slog.Default()}
}

func (l *SlogLogger) Debug(msg string, keysAndValues ...any) {
	l.logger.Debug(msg, keysAndValues...)
}

func (l *SlogLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Info(msg, keysAndValues...)
}

func (l *SlogLogger) Warn(msg string, keysAndValues ...any) {
	l.logger.Warn(msg, keysAndValues...)
}

func (l *SlogLogger) Error(msg string, keysAndValues ...any) {
	l.logger.Error(msg, keysAndValues...)
}

// Fatal logs at Error level (slog has no fatal) and exits the process.
func (l *SlogLogger) Fatal(msg string, keysAndValues ...any) {
	l.logger.Error(msg, keysAndValues...)
	os.Exit(1)
}
