package queue

import "errors"

var (
	// ErrFull is returned when the buffer has no room for another job.
	ErrFull = errors.New("queue full")
	// ErrClosed is returned once Close has been called.
	ErrClosed = errors.New("queue closed")
)
