package elm

import (
	"errors"
	"fmt"
)

// ErrTimeout is returned when the prompt does not arrive before the
// caller's deadline.
var ErrTimeout = errors.New("timeout waiting for prompt")

// Kind classifies a failed exchange.
type Kind int

const (
	// KindTransport is a failure of the byte stream itself (write/read
	// error, closed link, deadline expiry). The session must be torn down.
	KindTransport Kind = iota
	// KindNoData means the adapter answered NO DATA, typical for a PID the
	// vehicle does not support.
	KindNoData
	// KindNonNumeric means the payload is not a hex byte sequence or is too
	// short for its decoder.
	KindNonNumeric
	// KindResponse is any other fault reported by the adapter (ERROR, ?,
	// bus errors, negative responses).
	KindResponse
	// KindStopped means the adapter aborted the request.
	KindStopped
	// KindUnableToConnect means the adapter could not reach the vehicle bus.
	KindUnableToConnect
)

func (k Kind) String() string {
	switch k {
	case KindTransport:
		return "Transport"
	case KindNoData:
		return "NoData"
	case KindNonNumeric:
		return "NonNumericResponse"
	case KindResponse:
		return "ResponseError"
	case KindStopped:
		return "Stopped"
	case KindUnableToConnect:
		return "UnableToConnect"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Error describes a failed exchange.
type Error struct {
	Kind    Kind
	Request string
	Raw     string
	Err     error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("elm: %s for %q", e.Kind, e.Request)
	if e.Raw != "" {
		msg += fmt.Sprintf(" (raw %q)", e.Raw)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf reports the kind of err, or false when err is not an *Error.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return 0, false
}

// IsTransport reports whether err must be treated as fatal to the link.
// Errors that are not *Error are treated as transport failures.
func IsTransport(err error) bool {
	if err == nil {
		return false
	}
	kind, ok := KindOf(err)
	return !ok || kind == KindTransport
}
