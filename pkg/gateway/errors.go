package gateway

import "errors"

// ErrMalformedRequest is returned before any cache or backend work when a
// request cannot be decoded or misses a required field.
var ErrMalformedRequest = errors.New("malformed request")

const (
	msgFastProcessorUnavailable = "C++ processor unavailable"
	msgEnsembleUnavailable      = "ML ensemble unavailable"
	msgAIServiceUnavailable     = "AI service unavailable"
)

// UnavailableError reports that a backend could not serve a request.
// Message is safe to show to clients; Err is the cause and is only logged.
type UnavailableError struct {
	Message string
	Err     error
}

func (e *UnavailableError) Error() string {
	return e.Message
}

func (e *UnavailableError) Unwrap() error {
	return e.Err
}
