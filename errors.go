package loom

import "errors"

// Sentinel errors returned by the Runtime.
var (
	// ErrInvalidConfig is returned when the configuration is invalid.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrStreamRequired is returned when the delta stream is nil.
	ErrStreamRequired = errors.New("delta stream is required")

	// ErrStorageRequired is returned when the storage service is nil.
	ErrStorageRequired = errors.New("storage service is required")

	// ErrFactoryRequired is returned when the component factory is nil.
	ErrFactoryRequired = errors.New("component factory is required")

	// ErrAlreadyStarted is returned when Start is called on an already running runtime.
	ErrAlreadyStarted = errors.New("runtime already started")

	// ErrNotStarted is returned when an operation requires a started runtime.
	ErrNotStarted = errors.New("runtime not started")
)
