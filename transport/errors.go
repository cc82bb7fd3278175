package transport

import (
	"errors"
	"fmt"
)

// Common errors for grid transport
var (
	// ErrGridClosed indicates the grid connection has been closed
	ErrGridClosed = errors.New("grid connection closed")

	// ErrGridUnavailable indicates no shared grid connection could be obtained
	ErrGridUnavailable = errors.New("grid connection unavailable")

	// ErrNotConnected indicates the peer connection is not established
	ErrNotConnected = errors.New("not connected")

	// ErrAlreadyConnected indicates a connect was requested while one is active
	ErrAlreadyConnected = errors.New("already connected")

	// ErrDisposed indicates the peer connection has been disposed
	ErrDisposed = errors.New("connection disposed")

	// ErrFrameTooLarge indicates a frame exceeds MaxFramePayload
	ErrFrameTooLarge = errors.New("frame too large")

	// ErrMalformedFrame indicates a frame could not be parsed
	ErrMalformedFrame = errors.New("malformed frame")

	// ErrChannelRejected indicates the gateway refused to open a peer channel
	ErrChannelRejected = errors.New("channel rejected by gateway")

	// ErrChannelClosed indicates the remote side closed a peer channel
	ErrChannelClosed = errors.New("channel closed by remote")

	// ErrNoFreeChannel indicates every channel id is in use
	ErrNoFreeChannel = errors.New("no free channel id")

	// ErrKeepaliveTimeout indicates the gateway stopped answering pings
	ErrKeepaliveTimeout = errors.New("gateway keepalive timeout")

	// ErrUnsupportedScheme indicates a gateway address scheme is not supported
	ErrUnsupportedScheme = errors.New("unsupported gateway address scheme")
)

// GridError represents an error with additional context
type GridError struct {
	Op   string // operation that caused the error
	Addr string // gateway address if relevant
	Err  error  // underlying error
}

func (e *GridError) Error() string {
	if e.Addr != "" {
		return fmt.Sprintf("grid %s %s: %v", e.Op, e.Addr, e.Err)
	}
	return fmt.Sprintf("grid %s: %v", e.Op, e.Err)
}

func (e *GridError) Unwrap() error {
	return e.Err
}

func newGridError(op, addr string, err error) *GridError {
	return &GridError{
		Op:   op,
		Addr: addr,
		Err:  err,
	}
}
