package breep

import "errors"

// Manager state errors.
var (
	// ErrAlreadyRunning is returned by operations that require a
	// stopped event loop.
	ErrAlreadyRunning = errors.New("peer manager already running")
	// ErrNotRunning is returned by operations that require a running
	// event loop.
	ErrNotRunning = errors.New("peer manager not running")
)
