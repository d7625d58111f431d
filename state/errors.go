// Package state owns the persistent state files of the supervisor:
// atomic versioned JSON read/write, the chain-progress snapshot, the
// status-line feed, the self-update cache, the TDD semaphore, and the
// PID file. Readers recover from missing or malformed files by
// returning defaults.
package state

import "errors"

// Error kinds shared across the supervisor. Operational errors are
// result values, never panics.
var (
	// ErrNotFound marks strict reads and queue operations on missing ids.
	ErrNotFound = errors.New("not found")

	// ErrInvalidInput marks malformed input where strictness is required.
	ErrInvalidInput = errors.New("invalid input")

	// ErrConflict marks another-supervisor-running conditions.
	ErrConflict = errors.New("conflict")

	// ErrUpstreamUnavailable marks refused or failing downstream handlers.
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
)
