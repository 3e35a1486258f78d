package types

// Logger defines methods for structured logging.
//
// Compatible with zap.SugaredLogger and other key-value structured loggers.
// All methods accept alternating key-value pairs for structured fields.
//
// The library never logs through anything else; pass an implementation via
// loom.WithLogger to see internal activity. The default is a no-op.
type Logger interface {
	// Debug logs fine-grained pipeline and bookkeeping activity.
	Debug(msg string, keysAndValues ...any)

	// Info logs lifecycle transitions and leadership changes.
	Info(msg string, keysAndValues ...any)

	// Warn logs recoverable anomalies, such as rejected proposals.
	Warn(msg string, keysAndValues ...any)

	// Error logs failures that abort an operation.
	Error(msg string, keysAndValues ...any)

	// Fatal logs an unrecoverable failure and calls os.Exit(1), matching
	// zap's SugaredLogger behavior.
	Fatal(msg string, keysAndValues ...any)
}
