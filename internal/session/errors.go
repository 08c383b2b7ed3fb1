package session

import "errors"

var (
	// ErrNotReady means the session exists but cannot send (yet).
	ErrNotReady = errors.New("session not ready")
	// ErrNoSession means the id is unknown or the registry is closed.
	ErrNoSession = errors.New("no such session")
	// ErrInitFailed wraps provider construction and initialization failures.
	ErrInitFailed = errors.New("session initialization failed")
	// ErrStorage wraps credential store failures.
	ErrStorage = errors.New("session storage failure")
	// ErrInvalidID rejects ids that are unsafe as storage keys.
	ErrInvalidID = errors.New("invalid session id")
)
