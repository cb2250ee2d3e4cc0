package upstream

import (
	"errors"
	"fmt"
)

var (
	ErrTimeout     = errors.New("timeout")
	ErrUnreachable = errors.New("unreachable")
	ErrBadStatus   = errors.New("bad status")
	ErrBadResponse = errors.New("bad response")
)

// Error is returned by every failed Upstream call.
type Error struct {
	// Backend is the name of the upstream.
	Backend string
	// Op is the request path, or "health" for probes.
	Op string
	// StatusCode is set when the backend answered with a non 2xx status.
	StatusCode int
	// Err wraps one of ErrTimeout, ErrUnreachable, ErrBadStatus or ErrBadResponse.
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("upstream %s %s: %v", e.Backend, e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Kind returns a short label classifying err. It is used as a metric label.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrBadStatus):
		return "status"
	case errors.Is(err, ErrBadResponse):
		return "response"
	case errors.Is(err, ErrUnreachable):
		return "unreachable"
	default:
		return "other"
	}
}
