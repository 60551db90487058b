package channel

import "errors"

var (
	// ErrChannelNotReady is returned by Send before the server acknowledged
	// the connection. Use SendWait to queue instead.
	ErrChannelNotReady = errors.New("channel not ready")
	// ErrChannelTimeout is returned when waiting for readiness ran out of time.
	ErrChannelTimeout = errors.New("channel open timeout")
	// ErrChannelClosed is returned once the channel reached its terminal state.
	ErrChannelClosed = errors.New("channel closed")
)
