package engine

import (
	"errors"
	"fmt"
)

// Kind tags an engine failure so the router can echo it without string
// matching. Storage is the only retryable kind and is retried inside
// the engine before it surfaces.
type Kind int

const (
	KindUnknownAccount Kind = iota + 1
	KindUnknownOrder
	KindUnknownPosition
	KindInsufficientFunds
	KindInsufficientShares
	KindNotCancellable
	KindInvalidRequest
	KindStorage
)

func (k Kind) String() string {
	switch k {
	case KindUnknownAccount:
		return "unknown account"
	case KindUnknownOrder:
		return "unknown order"
	case KindUnknownPosition:
		return "unknown position"
	case KindInsufficientFunds:
		return "insufficient funds"
	case KindInsufficientShares:
		return "insufficient shares"
	case KindNotCancellable:
		return "not cancellable"
	case KindInvalidRequest:
		return "invalid request"
	case KindStorage:
		return "storage error"
	default:
		return "unknown error"
	}
}

// Error is the tagged value every engine operation returns on failure.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Msg != "" {
		return e.Msg
	}
	return e.Kind.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// errf builds a tagged error with a formatted message.
func errf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// KindOf extracts the Kind from err, or KindStorage for anything that
// is not an engine error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindStorage
}
