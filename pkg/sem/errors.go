package sem

import (
	"errors"
	"fmt"
)

// ParseError reports a frame the normalizer could not turn into an Event.
// It is always recoverable: callers log it, bump a counter and move on.
type ParseError struct {
	Reason string
	Type   string // wire type when it could be read
	Frame  string // truncated frame text for logging
	cause  error
}

func (e *ParseError) Error() string {
	if e.Type != "" {
		return fmt.Sprintf("sem: %s (type=%s)", e.Reason, e.Type)
	}
	return "sem: " + e.Reason
}

func (e *ParseError) Unwrap() error { return e.cause }

// AsParseError unwraps err into a ParseError if there is one in the chain.
func AsParseError(err error) (*ParseError, bool) {
	var pe *ParseError
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}

const maxFrameSnippet = 160

func frameSnippet(frame []byte) string {
	if len(frame) <= maxFrameSnippet {
		return string(frame)
	}
	return string(frame[:maxFrameSnippet]) + "..."
}
