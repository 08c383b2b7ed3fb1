package dispatch

import "errors"

var (
	// ErrInvalidArgument rejects a request whose shape is wrong before any send.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrQueueFull means the async job queue cannot take more work.
	ErrQueueFull = errors.New("dispatch queue full")
	// ErrStopped means the job workers are not running.
	ErrStopped = errors.New("dispatch stopped")
)
