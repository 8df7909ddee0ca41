package repository

import "errors"

// Sentinel errors.
var (
	ErrUnsupportedDriver = errors.New("unsupported store driver")
	ErrOpen              = errors.New("failed to open database")
)
