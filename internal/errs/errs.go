// Package errs defines the logical error kinds shared across the debugging
// service's internal packages. Callers check kind with errors.Is against
// the sentinels and wrap them with fmt.Errorf("%w") to add component and
// operation context without losing the kind.
package errs

import "errors"

var (
	// ErrInvalidInput means an identifier or parameter failed validation.
	// No retry; caller-visible as 400-class.
	ErrInvalidInput = errors.New("invalid input")

	// ErrNotFound means a dump or session does not exist. 404-class.
	ErrNotFound = errors.New("not found")

	// ErrUnauthorized means the caller does not own the resource. 403-class.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrCapacityExceeded means a global or per-user session limit was hit.
	// 429/503-class; caller may retry later.
	ErrCapacityExceeded = errors.New("capacity exceeded")

	// ErrNotInitialized means an engine operation was attempted before
	// initialize(). Programmer error; 500-class.
	ErrNotInitialized = errors.New("engine not initialized")

	// ErrNoDump means an engine operation requiring an open dump was
	// attempted with none open. Programmer error; 500-class.
	ErrNoDump = errors.New("no dump open")

	// ErrTimeout means a command exceeded its execution budget. The engine
	// is still healthy; 504-class, retryable.
	ErrTimeout = errors.New("command timed out")

	// ErrEngineCrashed means a crash was detected and recovery was already
	// attempted. The original command must not be retried automatically.
	ErrEngineCrashed = errors.New("engine crashed; recovered; retry")

	// ErrSymbolAcquisitionFailed is non-fatal: logged, and the dump open
	// proceeds with whatever symbols are already cached.
	ErrSymbolAcquisitionFailed = errors.New("symbol acquisition failed")

	// ErrPersistFailed means writing a session record to the persistent
	// store failed. On create this rolls back the in-memory insert; on
	// update it is logged only.
	ErrPersistFailed = errors.New("persist failed")
)

// HTTPStatus maps an error kind to the status the (out-of-scope) HTTP layer
// should use. Returns 500 for unrecognized errors, matching the "programmer
// error" default for NotInitialized/NoDump.
func HTTPStatus(err error) int {
	switch {
	case errors.Is(err, ErrInvalidInput):
		return 400
	case errors.Is(err, ErrNotFound):
		return 404
	case errors.Is(err, ErrUnauthorized):
		return 403
	case errors.Is(err, ErrCapacityExceeded):
		return 429
	case errors.Is(err, ErrTimeout):
		return 504
	case errors.Is(err, ErrEngineCrashed):
		return 502
	default:
		return 500
	}
}
