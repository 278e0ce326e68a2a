package core

import (
	"errors"
	"fmt"
)

// ErrorKind classifies failures so callers can distinguish them without
// string matching. The set is part of the external contract.
type ErrorKind string

const (
	KindValidation      ErrorKind = "validation"
	KindConflict        ErrorKind = "conflict"
	KindForbidden       ErrorKind = "forbidden"
	KindInvalidState    ErrorKind = "invalid_state"
	KindInvalidVersion  ErrorKind = "invalid_version"
	KindApprovedContent ErrorKind = "approved_content"
	KindCapExceeded     ErrorKind = "cap_exceeded"
	KindTimeout         ErrorKind = "timeout"
	KindNotFound        ErrorKind = "not_found"
	KindUnavailable     ErrorKind = "unavailable"
	KindInternal        ErrorKind = "internal"
)

// QualityError carries a kind, an operation name and an optional cause.
type QualityError struct {
	Kind   ErrorKind
	Op     string
	Reason string
	Err    error
}

func (e *QualityError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %s: %v", e.Op, e.Kind, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, e.Reason)
}

func (e *QualityError) Unwrap() error {
	return e.Err
}

// NewError builds a QualityError without a cause.
func NewError(kind ErrorKind, op, reason string) *QualityError {
	return &QualityError{Kind: kind, Op: op, Reason: reason}
}

// WrapError builds a QualityError around a cause.
func WrapError(kind ErrorKind, op, reason string, err error) *QualityError {
	return &QualityError{Kind: kind, Op: op, Reason: reason, Err: err}
}

// KindOf extracts the kind from err, or KindInternal when err carries none.
func KindOf(err error) ErrorKind {
	var qe *QualityError
	if errors.As(err, &qe) {
		return qe.Kind
	}
	return KindInternal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var qe *QualityError
	if errors.As(err, &qe) {
		return qe.Kind == kind
	}
	return false
}

// ReasonOf extracts the human-readable reason from err, if any.
func ReasonOf(err error) string {
	var qe *QualityError
	if errors.As(err, &qe) {
		return qe.Reason
	}
	return ""
}

// Common storage sentinels. Storage implementations wrap them into
// QualityError values at their boundary.
var (
	ErrNotFound       = errors.New("record not found")
	ErrDuplicate      = errors.New("duplicate record")
	ErrWriteOnce      = errors.New("row is write-once")
	ErrNotConnected   = errors.New("storage is not connected")
	ErrEmptyBlogName  = errors.New("blog name cannot be empty")
	ErrEmptyContent   = errors.New("version content cannot be empty")
	ErrMissingCycleID = errors.New("ai_rewrite versions require a source rewrite cycle id")
	ErrParentMismatch = errors.New("parent version belongs to a different blog")
	ErrVersionBlogMix = errors.New("version does not belong to the given blog")
	ErrNotHuman       = errors.New("user is not marked as human")
)
