package handshake

import (
	"errors"
	"strings"
)

var (
	ErrRejected            = errors.New("handshake rejected")
	ErrTimeout             = errors.New("handshake timed out")
	ErrMalformed           = errors.New("malformed handshake response")
	ErrUnsupportedProtocol = errors.New("unsupported protocol")
)

type AuthErrorKind int

const (
	Rejected AuthErrorKind = iota + 1
	Timeout
	Malformed
)

func (k AuthErrorKind) String() string {
	switch k {
	case Rejected:
		return "Rejected"
	case Timeout:
		return "Timeout"
	case Malformed:
		return "Malformed"
	default:
		return "Unknown"
	}
}

// AuthError is returned by every codec when authentication does not succeed.
// Reason is server supplied text with the password scrubbed out.
type AuthError struct {
	Kind   AuthErrorKind
	Reason string
	Err    error
}

func (e *AuthError) Error() string {
	msg := e.sentinel().Error()
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *AuthError) Unwrap() error { return e.Err }

func (e *AuthError) Is(target error) bool {
	return target == e.sentinel()
}

func (e *AuthError) sentinel() error {
	switch e.Kind {
	case Rejected:
		return ErrRejected
	case Timeout:
		return ErrTimeout
	default:
		return ErrMalformed
	}
}

func scrub(text, secret string) string {
	if secret == "" {
		return text
	}
	return strings.ReplaceAll(text, secret, "[redacted]")
}
