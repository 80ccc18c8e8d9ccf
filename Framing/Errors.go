package Framing

import "errors"

var (
	// ErrMalformed means the buffered bytes can never form a valid frame.
	ErrMalformed = errors.New("malformed frame")
	// ErrFrameTooLarge means a frame header declares more bytes than the receive buffer or the protocol allows.
	ErrFrameTooLarge = errors.New("frame too large")
)
