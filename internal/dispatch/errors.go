package dispatch

import (
	"errors"
	"fmt"

	"corpcall/internal/call"
)

var (
	// ErrNotAttempted marks a spec that was skipped because the job halted or
	// was cancelled before reaching it.
	ErrNotAttempted = errors.New("not attempted")
	// ErrHalted is returned by Run when halt-on-error stopped the job.
	ErrHalted = errors.New("job halted on error")
	// ErrConcurrencyUnsupported is returned when concurrent mode is requested
	// for a server that is not configured for it.
	ErrConcurrencyUnsupported = errors.New("server does not support concurrent calls")
)

// TransportError is a call that produced no usable HTTP response: connection
// failure, timeout, or a non-2xx status. It is never cached, so re-running the
// job retries it.
type TransportError struct {
	Type call.Type
	Key  call.Key
	URL  string
	// StatusCode is set when the server answered with a non-2xx status.
	StatusCode int
	Timeout    bool
	Body       string
	Err        error
}

func (e *TransportError) Error() string {
	switch {
	case e.StatusCode != 0:
		msg := fmt.Sprintf("%s %s: http status %d", e.Type, e.Key.Short(), e.StatusCode)
		if e.Body != "" {
			msg += ": " + e.Body
		}
		return msg
	case e.Timeout:
		return fmt.Sprintf("%s %s: timeout: %v", e.Type, e.Key.Short(), e.Err)
	default:
		return fmt.Sprintf("%s %s: %v", e.Type, e.Key.Short(), e.Err)
	}
}

func (e *TransportError) Unwrap() error { return e.Err }

// ServiceError is an error the service reported inside a successful HTTP
// response.
type ServiceError struct {
	Type    call.Type
	Key     call.Key
	URL     string
	Message string
	// Cached is true when the response was stored anyway (non-JSON formats).
	Cached bool
}

func (e *ServiceError) Error() string {
	return fmt.Sprintf("%s %s: service error: %s", e.Type, e.Key.Short(), e.Message)
}

// Kind classifies err for reporting: validation, transport, timeout, service,
// not_attempted, cache or other.
func Kind(err error) string {
	var (
		ve *call.ValidationError
		te *TransportError
		se *ServiceError
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &ve):
		return "validation"
	case errors.As(err, &te):
		if te.Timeout {
			return "timeout"
		}
		return "transport"
	case errors.As(err, &se):
		return "service"
	case errors.Is(err, ErrNotAttempted):
		return "not_attempted"
	case errors.Is(err, errCacheWrite):
		return "cache"
	default:
		return "other"
	}
}

var errCacheWrite = errors.New("cache write failed")

// haltsJob reports whether err stops a job running with halt-on-error.
// Validation failures never do.
func haltsJob(err error) bool {
	var (
		te *TransportError
		se *ServiceError
	)
	return errors.As(err, &te) || errors.As(err, &se)
}
