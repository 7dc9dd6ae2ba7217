package storage

import "errors"

// ErrNotFound is returned when a requested trace is not stored.
var ErrNotFound = errors.New("storage: not found")
