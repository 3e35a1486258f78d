package testing

import (
	"testing"

	"github.com/arloliu/loom/internal/logger"
	"github.com/arloliu/loom/types"
)

// NewTestLogger returns a Logger backed by t.Logf, so driver and runtime
// output shows up in test logs and only on failure.
func NewTestLogger(t *testing.T) types.Logger {
	return logger.NewTest(t)
}
