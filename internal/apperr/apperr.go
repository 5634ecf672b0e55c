package apperr

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os/exec"
	"syscall"
)

// Kind classifies failures by how the daemon reacts to them.
type Kind string

const (
	KindTransient          Kind = "transient"           // retried or apologised for once
	KindAuthExpired        Kind = "auth_expired"        // credentials wiped, acquisition restarts
	KindMediaExpired       Kind = "media_expired"       // resolver fallback chain
	KindReconnectExhausted Kind = "reconnect_exhausted" // fatal
	KindDownstream         Kind = "downstream"          // AI/search/reader failure, reported
	KindMissingDependency  Kind = "missing_dependency"  // configuration problem, reported
)

// Error is a classified failure from an operation against a collaborator.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches sentinel errors by kind so errors.Is(err, ErrMediaExpired)
// works for any wrapped *Error of that kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Op == "" && t.Err == nil && t.Kind == e.Kind
}

// Sentinels for errors.Is checks.
var (
	ErrTransient          = &Error{Kind: KindTransient}
	ErrAuthExpired        = &Error{Kind: KindAuthExpired}
	ErrMediaExpired       = &Error{Kind: KindMediaExpired}
	ErrReconnectExhausted = &Error{Kind: KindReconnectExhausted}
	ErrDownstream         = &Error{Kind: KindDownstream}
	ErrMissingDependency  = &Error{Kind: KindMissingDependency}
)

// New wraps err with a kind and operation name.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the kind of the first *Error in err's chain, or "" if none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// Classify wraps a raw collaborator error. Timeouts and connection resets
// become transient; missing executables become missing_dependency; the rest
// are downstream failures. Already classified errors are returned as-is.
func Classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if KindOf(err) != "" {
		return err
	}
	switch {
	case IsNetworkTransient(err):
		return New(KindTransient, op, err)
	case errors.Is(err, exec.ErrNotFound):
		return New(KindMissingDependency, op, err)
	default:
		return New(KindDownstream, op, err)
	}
}

// IsNetworkTransient reports whether err looks like a timeout or a reset connection.
func IsNetworkTransient(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, syscall.ECONNRESET) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
