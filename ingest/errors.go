package ingest

import "errors"

var (
	// ErrUnsupported is returned when no enabled extractor supports a file.
	ErrUnsupported = errors.New("no extractor supports file")

	// ErrDisabled is returned when a capability was disabled after repeated failures.
	ErrDisabled = errors.New("capability disabled")

	// ErrTimeout is returned when a capability call exceeds its time limit.
	ErrTimeout = errors.New("capability call timed out")
)
