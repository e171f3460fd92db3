package lirc_relay

import (
	"errors"
)

var (
	// a client's unterminated command exceeds the framer capacity, or a
	// rewritten command does not fit the send buffer
	ErrRequestTooLong = errors.New("request too long")

	// the client closed its stream in the middle of a command line
	ErrTruncatedRequest = errors.New("truncated request")

	// a backend reply did not reach its sentinel within the reply buffer
	ErrResponseTooLong = errors.New("response too long")

	// the backend stream ended or failed; fatal for the relay
	ErrBackendDisconnected = errors.New("backend disconnected")

	// unexpected error on a client stream
	ErrClientIO = errors.New("client i/o error")

	// non-transient failure accepting connections; fatal for the relay
	ErrAccept = errors.New("accept failed")

	ErrAlreadyStarted = errors.New("already started")
	ErrNotStarted     = errors.New("not started")
)

// isFatal reports whether err must end the relay rather than one session.
func isFatal(err error) bool {
	return errors.Is(err, ErrBackendDisconnected) || errors.Is(err, ErrAccept)
}

// errorReason maps a session error to a short label for logs and metrics.
func errorReason(err error) string {
	switch {
	case err == nil:
		return "none"
	case errors.Is(err, ErrRequestTooLong):
		return "request_too_long"
	case errors.Is(err, ErrTruncatedRequest):
		return "truncated_request"
	case errors.Is(err, ErrResponseTooLong):
		return "response_too_long"
	case errors.Is(err, ErrBackendDisconnected):
		return "backend_disconnected"
	case errors.Is(err, ErrClientIO):
		return "client_io"
	default:
		return "other"
	}
}
