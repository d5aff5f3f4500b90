package tunnel

import "errors"

var (
	ErrAlreadyConnected = errors.New("tunnel already connected")
	ErrDialFailed       = errors.New("tunnel dial failed")
	ErrAuthRejected     = errors.New("tunnel authentication failed")
	ErrUnsupported      = errors.New("tunnel protocol unsupported")
	ErrForcedClose      = errors.New("tunnel transport force-closed")
	ErrRemoteClosed     = errors.New("tunnel closed by remote")
)

type ConnectErrorKind int

const (
	AlreadyConnected ConnectErrorKind = iota + 1
	DialFailed
	AuthRejected
	Unsupported
)

func (k ConnectErrorKind) String() string {
	switch k {
	case AlreadyConnected:
		return "AlreadyConnected"
	case DialFailed:
		return "DialFailed"
	case AuthRejected:
		return "AuthRejected"
	case Unsupported:
		return "Unsupported"
	default:
		return "Unknown"
	}
}

// ConnectError is returned by Start.
type ConnectError struct {
	Kind ConnectErrorKind
	Err  error
}

func (e *ConnectError) Error() string {
	msg := e.sentinel().Error()
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ConnectError) Unwrap() error { return e.Err }

func (e *ConnectError) Is(target error) bool { return target == e.sentinel() }

func (e *ConnectError) sentinel() error {
	switch e.Kind {
	case AlreadyConnected:
		return ErrAlreadyConnected
	case DialFailed:
		return ErrDialFailed
	case AuthRejected:
		return ErrAuthRejected
	default:
		return ErrUnsupported
	}
}

type StopErrorKind int

const (
	ForcedClose StopErrorKind = iota + 1
)

// StopError is informational. Stop still succeeds; the error is kept as
// the manager's LastError.
type StopError struct {
	Kind StopErrorKind
}

func (e *StopError) Error() string { return ErrForcedClose.Error() }

func (e *StopError) Is(target error) bool { return target == ErrForcedClose }
