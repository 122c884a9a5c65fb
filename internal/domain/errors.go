package domain

import (
	"errors"
	"fmt"
)

// Kind classifies errors surfaced by the host.
type Kind int

const (
	KindUnknown Kind = iota
	// KindTransport is an HTTP or socket failure, generally retryable.
	KindTransport
	// KindProtocol is a malformed or unexpected message shape.
	KindProtocol
	// KindValidation is bad user input rejected before any network call.
	KindValidation
	// KindState is an operation invoked in the wrong state.
	KindState
	// KindExpiry is a device code or credential whose deadline passed.
	KindExpiry
)

func (k Kind) String() string {
	switch k {
	case KindTransport:
		return "transport"
	case KindProtocol:
		return "protocol"
	case KindValidation:
		return "validation"
	case KindState:
		return "state"
	case KindExpiry:
		return "expiry"
	default:
		return "unknown"
	}
}

var (
	ErrInvalidCode           = errors.New("session code must be six digits")
	ErrMalformedResponse     = errors.New("malformed response")
	ErrIncompleteCredentials = errors.New("incomplete realtime credentials")
	ErrNotReady              = errors.New("peer not ready")
	ErrNotJoined             = errors.New("channel not joined")
	ErrExpired               = errors.New("expired")
	ErrUnauthorized          = errors.New("unauthorized")
	ErrNotApproved           = errors.New("device not approved yet")
	ErrUnsupported           = errors.New("not supported on this platform")
	ErrNegotiationTimeout    = errors.New("peer negotiation timed out")
)

// Error is a classified error with the operation that produced it.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError wraps err with a kind and operation.
func NewError(kind Kind, op string, err error) error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the kind of the outermost classified error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}
