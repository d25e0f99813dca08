package contracts

import (
	"errors"
	"fmt"
)

// ErrorKind is a stable machine-readable error discriminator. Callers branch
// on the kind, never on message text.
type ErrorKind string

const (
	KindDuplicateSession  ErrorKind = "DUPLICATE_SESSION"
	KindHeadNotFound      ErrorKind = "HEAD_NOT_FOUND"
	KindHeadClosed        ErrorKind = "HEAD_CLOSED"
	KindInvalidTransition ErrorKind = "INVALID_TRANSITION"
	KindOrderRejected     ErrorKind = "ORDER_REJECTED"
	KindOrderNotFound     ErrorKind = "ORDER_NOT_FOUND"
	KindProofNotAttached  ErrorKind = "PROOF_NOT_ATTACHED"
	KindProofMismatch     ErrorKind = "PROOF_MISMATCH"
	KindNoVotes           ErrorKind = "NO_VOTES"
	KindInsufficientData  ErrorKind = "INSUFFICIENT_DATA"
	KindTimeout           ErrorKind = "TIMEOUT"
	KindNetwork           ErrorKind = "NETWORK"
	KindSignatureInvalid  ErrorKind = "SIGNATURE_INVALID"
	KindInternal          ErrorKind = "INTERNAL"
)

// Retryable reports whether the coordinator may retry an operation failing
// with this kind. Validation and state errors indicate a caller bug or a
// stale view of head state and are never retried.
func (k ErrorKind) Retryable() bool {
	return k == KindTimeout || k == KindNetwork
}

// Error is the structured error surfaced by every settlement operation. It
// always carries the head (and where relevant, order) it refers to.
type Error struct {
	Kind    ErrorKind
	HeadID  string
	OrderID string
	Msg     string
	Err     error
}

func (e *Error) Error() string {
	s := string(e.Kind)
	if e.HeadID != "" {
		s += " head=" + e.HeadID
	}
	if e.OrderID != "" {
		s += " order=" + e.OrderID
	}
	if e.Msg != "" {
		s += ": " + e.Msg
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches two settlement errors by kind, so sentinel comparisons like
// errors.Is(err, &Error{Kind: KindHeadNotFound}) work.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return e.Kind == t.Kind
}

// Errf builds a settlement error with formatted detail.
func Errf(kind ErrorKind, headID, orderID, format string, args ...any) *Error {
	return &Error{Kind: kind, HeadID: headID, OrderID: orderID, Msg: fmt.Sprintf(format, args...)}
}

// WrapErr attaches settlement context to an underlying error.
func WrapErr(kind ErrorKind, headID, orderID string, err error) *Error {
	return &Error{Kind: kind, HeadID: headID, OrderID: orderID, Err: err}
}

// KindOf extracts the error kind, defaulting to INTERNAL for foreign errors.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}
