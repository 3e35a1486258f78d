package logger

import (
	"fmt"
	"strings"
	"testing"

	"github.com/arloliu/loom/types"
)

// TestLogger routes messages through testing.T so they show up interleaved
// with test output and only on failure.
type TestLogger struct {
	t *testing.T
}

var _ types.Logger = (*TestLogger)(nil)

// NewTest creates a logger backed by t.Logf. Fatal fails the test.
func NewTest(t *testing.T) *TestLogger {
	return &TestLogger{t: t}
}

func (l *TestLogger) Debug(msg string, keysAndValues ...any) {
	l.t.Logf("DEBUG %s%s", msg, kvString(keysAndValues))
}

func (l *TestLogger) Info(msg string, keysAndValues ...any) {
	l.t.Logf("INFO %s%s", msg, kvString(keysAndValues))
}

func (l *TestLogger) Warn(msg string, keysAndValues ...any) {
	l.t.Logf("WARN %s%s", msg, kvString(keysAndValues))
}

func (l *TestLogger) Error(msg string, keysAndValues ...any) {
	l.t.Logf("ERROR %s%s", msg, kvString(keysAndValues))
}

func (l *TestLogger) Fatal(msg string, keysAndValues ...any) {
	l.t.Fatalf("FATAL %s%s", msg, kvString(keysAndValues))
}

func kvString(keysAndValues []any) string {
	if len(keysAndValues) == 0 {
		return ""
	}

	var b strings.Builder
	for i := 0; i < len(keysAndValues); i += 2 {
		value := any("<missing>")
		if i+1 < len(keysAndValues) {
			value = keysAndValues[i+1]
		}
		fmt.Fprintf(&b, " %v=%v", keysAndValues[i], value)
	}

	return b.String()
}
