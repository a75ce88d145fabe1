package adapter

import (
	"errors"
	"strings"
)

// Error kinds. Every error leaving this package wraps exactly one of them.
var (
	// ErrTransport covers dial, read and write failures. Always retried.
	ErrTransport = errors.New("transport error")
	// ErrHandshakeTimeout means no subscribe acknowledgment arrived in time.
	ErrHandshakeTimeout = errors.New("handshake timeout")
	// ErrSubscriptionRejected is terminal for one supervisor.
	ErrSubscriptionRejected = errors.New("subscription rejected")
	// ErrParseFailure marks a frame matching no known shape. Counted only.
	ErrParseFailure = errors.New("parse failure")
	// ErrUnsupportedVenue is returned before any connection attempt.
	ErrUnsupportedVenue = errors.New("unsupported venue")
)

// Error carries the kind, the venue and the operation that failed.
type Error struct {
	Kind     error
	Exchange Exchange
	Op       string
	Err      error
}

func newError(kind error, ex Exchange, op string, err error) *Error {
	return &Error{Kind: kind, Exchange: ex, Op: op, Err: err}
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Exchange != "" {
		b.WriteString(string(e.Exchange))
		b.WriteString(": ")
	}
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(e.Kind.Error())
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap exposes both the kind and the cause to errors.Is / errors.As.
func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// Terminal reports whether err ends a subscription rather than triggering a
// reconnect.
func Terminal(err error) bool {
	return errors.Is(err, ErrSubscriptionRejected) || errors.Is(err, ErrUnsupportedVenue)
}
