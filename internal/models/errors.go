// v0
// internal/models/errors.go
package models

import "errors"

var (
	// ErrConfiguration marks malformed persisted PID configuration.
	ErrConfiguration = errors.New("configuration error")
	// ErrDataFreshness marks telemetry older than the configured max age.
	ErrDataFreshness = errors.New("telemetry is stale")
	// ErrTransport marks a failed command publish.
	ErrTransport = errors.New("command transport failure")
	// ErrPersistence marks a storage read/write failure outside the decision path.
	ErrPersistence = errors.New("persistence failure")
	// ErrNotFound is returned by storage lookups with no row.
	ErrNotFound = errors.New("not found")
)
