package store

import "errors"

var (
	// ErrDuplicateTrace is returned when inserting a trace whose ID is
	// already registered. Indicates allocator misuse or external ID reuse.
	ErrDuplicateTrace = errors.New("store: duplicate trace id")

	// ErrDuplicateSpan is returned when inserting a span whose ID already
	// exists within the trace.
	ErrDuplicateSpan = errors.New("store: duplicate span id")

	// ErrUnknownTrace is returned when an operation references a trace ID
	// that does not exist.
	ErrUnknownTrace = errors.New("store: unknown trace")

	// ErrUnknownParent is returned when a span's parent ID does not resolve
	// to an existing span within the same trace.
	ErrUnknownParent = errors.New("store: unknown parent span")

	// ErrNotFound is returned when a requested trace or span does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrAlreadyClosed is returned when mutating a trace or span that has
	// already reached a terminal status. Re-ending is an explicit error, not
	// a silent no-op: the first end wins and timestamps never change after it.
	ErrAlreadyClosed = errors.New("store: already closed")
)
