package ReceiveBuffer

import "errors"

var (
	// ErrCapacityExceeded is returned when an append would need more room than the
	// buffer holds, even after sliding the live window back to the start.
	ErrCapacityExceeded = errors.New("receive buffer capacity exceeded")
	// ErrOutOfRange is returned by the checked accessors.
	ErrOutOfRange = errors.New("receive buffer index out of range")
	// ErrInvalidRange is returned for erase ranges that are reversed or outside the live window.
	ErrInvalidRange = errors.New("receive buffer range invalid")
)
