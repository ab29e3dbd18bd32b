package beep

import "errors"

// Status is the closed set of outcomes every fallible session operation
// reports through, per the protocol's error-handling design. Values are
// opaque; only the sentinel identity (via errors.Is) is load-bearing.
type Status int

const (
	// StatusOk indicates success.
	StatusOk Status = iota
	// StatusConnectionError is a generic connect failure.
	StatusConnectionError
	// StatusNameResolvFailure indicates the host could not be resolved.
	StatusNameResolvFailure
	// StatusSocketSanityError indicates a socket fd failed a sanity check
	// (fd limit, reserved fd 0/1/2).
	StatusSocketSanityError
	// StatusProtocolError indicates a malformed frame or greeting.
	StatusProtocolError
	// StatusXMLValidationError indicates the greetings XML failed validation.
	StatusXMLValidationError
	// StatusGreetingsFailure indicates the greetings exchange timed out or
	// never completed.
	StatusGreetingsFailure
	// StatusConnectionCloseCalled indicates an orderly, locally requested close.
	StatusConnectionCloseCalled
	// StatusConnectionForcedClose indicates a unilateral shutdown.
	StatusConnectionForcedClose
	// StatusUnnotifiedConnectionClose indicates the peer vanished mid-stream.
	StatusUnnotifiedConnectionClose
	// StatusMemoryFail indicates a resource allocation failure.
	StatusMemoryFail
	// StatusWrongReference indicates an invalid handle was used (stale
	// channel/session reference).
	StatusWrongReference
	// StatusError is the catch-all for otherwise-unclassified fatal paths.
	StatusError
)

var statusNames = map[Status]string{
	StatusOk:                         "ok",
	StatusConnectionError:            "connection-error",
	StatusNameResolvFailure:          "name-resolution-failure",
	StatusSocketSanityError:          "socket-sanity-error",
	StatusProtocolError:              "protocol-error",
	StatusXMLValidationError:         "xml-validation-error",
	StatusGreetingsFailure:           "greetings-failure",
	StatusConnectionCloseCalled:      "connection-close-called",
	StatusConnectionForcedClose:      "connection-forced-close",
	StatusUnnotifiedConnectionClose:  "unnotified-connection-close",
	StatusMemoryFail:                 "memory-fail",
	StatusWrongReference:             "wrong-reference",
	StatusError:                      "error",
}

// String implements fmt.Stringer.
func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return "unknown-status"
}

// Sentinel errors, one per Status, so callers can use errors.Is the same
// way they would check a teacher-style Err* variable.
var (
	ErrConnectionError           = errors.New("beep: connection error")
	ErrNameResolvFailure         = errors.New("beep: name resolution failure")
	ErrSocketSanityError         = errors.New("beep: socket sanity error")
	ErrProtocolError             = errors.New("beep: protocol error")
	ErrXMLValidationError        = errors.New("beep: greetings xml validation error")
	ErrGreetingsFailure          = errors.New("beep: greetings failure")
	ErrConnectionCloseCalled     = errors.New("beep: connection close called")
	ErrConnectionForcedClose     = errors.New("beep: connection forced close")
	ErrUnnotifiedConnectionClose = errors.New("beep: unnotified connection close")
	ErrMemoryFail                = errors.New("beep: memory allocation failure")
	ErrWrongReference            = errors.New("beep: wrong reference")
	ErrError                     = errors.New("beep: internal error")

	// ErrChannelExists is returned by AddChannel when the channel number is
	// already present in the table.
	ErrChannelExists = errors.New("beep: channel already exists")
	// ErrChannelNotFound is returned by channel lookups that miss.
	ErrChannelNotFound = errors.New("beep: channel not found")
	// ErrNoChannelsFree is returned when channel allocation exhausts the space.
	ErrNoChannelsFree = errors.New("beep: no free channel numbers")
	// ErrSessionClosed reports an operation on a torn-down session; no
	// function in this package returns it.
	ErrSessionClosed = errors.New("beep: session is not connected")
	// ErrSeqnoOutOfWindow is returned by dispatchFrame when invariant 5 is violated.
	ErrSeqnoOutOfWindow = errors.New("beep: seqno+size outside advertised window")
)

// sentinelFor maps a Status to its matching sentinel error, for attaching
// to a session with errors.Is-able identity.
func sentinelFor(s Status) error {
	switch s {
	case StatusOk:
		return nil
	case StatusConnectionError:
		return ErrConnectionError
	case StatusNameResolvFailure:
		return ErrNameResolvFailure
	case StatusSocketSanityError:
		return ErrSocketSanityError
	case StatusProtocolError:
		return ErrProtocolError
	case StatusXMLValidationError:
		return ErrXMLValidationError
	case StatusGreetingsFailure:
		return ErrGreetingsFailure
	case StatusConnectionCloseCalled:
		return ErrConnectionCloseCalled
	case StatusConnectionForcedClose:
		return ErrConnectionForcedClose
	case StatusUnnotifiedConnectionClose:
		return ErrUnnotifiedConnectionClose
	case StatusMemoryFail:
		return ErrMemoryFail
	case StatusWrongReference:
		return ErrWrongReference
	default:
		return ErrError
	}
}

// StatusErr pairs a Status with a human-readable message, mirroring the
// (status, message) pair the session object records per the error-handling
// design (§7 get_status/get_message).
type StatusErr struct {
	Status  Status
	Message string
}

func (e *StatusErr) Error() string {
	if e.Message == "" {
		return e.Status.String()
	}
	return e.Status.String() + ": " + e.Message
}

func (e *StatusErr) Unwrap() error {
	return sentinelFor(e.Status)
}

// newStatusErr builds a StatusErr, wired to its sentinel for errors.Is.
func newStatusErr(s Status, msg string) *StatusErr {
	return &StatusErr{Status: s, Message: msg}
}
