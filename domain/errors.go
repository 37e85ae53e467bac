package domain

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorCode represents a semantic classification shared across transport layers.
type ErrorCode string

const (
	ErrCodeNotFound    ErrorCode = "NOT_FOUND"
	ErrCodeInvalid     ErrorCode = "INVALID"
	ErrCodeConflict    ErrorCode = "CONFLICT"
	ErrCodeUnavailable ErrorCode = "UNAVAILABLE"
	ErrCodeInternal    ErrorCode = "INTERNAL"
)

// Error represents a domain-level error.
type Error struct {
	Code    ErrorCode
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// NewError builds a domain error.
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// WrapError wraps an existing error with a domain classification.
func WrapError(code ErrorCode, message string, err error) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// Common domain errors.
var (
	ErrTaskNotFound     = NewError(ErrCodeNotFound, "task not found")
	ErrMutationNotFound = NewError(ErrCodeNotFound, "mutation not found")
	ErrVersionConflict  = NewError(ErrCodeConflict, "version conflict")
	ErrInvalidPayload   = NewError(ErrCodeInvalid, "invalid payload")
	ErrStoreUnavailable = NewError(ErrCodeUnavailable, "local store unavailable")
)

// IsDomainError helps checking error codes.
func IsDomainError(err error, code ErrorCode) bool {
	var dErr *Error
	if errors.As(err, &dErr) {
		return dErr.Code == code
	}
	return false
}

// RemoteError is a failed call against the remote store.
type RemoteError struct {
	Status  int
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote error %d: %s", e.Status, e.Message)
}

// IsVersionConflict reports whether err signals an optimistic-concurrency violation,
// either as the domain conflict error or as a 409 from the remote.
func IsVersionConflict(err error) bool {
	if IsDomainError(err, ErrCodeConflict) {
		return true
	}
	var rErr *RemoteError
	if errors.As(err, &rErr) {
		return rErr.Status == http.StatusConflict
	}
	return false
}

// IsNotFound reports whether err means the record does not exist.
func IsNotFound(err error) bool {
	if IsDomainError(err, ErrCodeNotFound) {
		return true
	}
	var rErr *RemoteError
	if errors.As(err, &rErr) {
		return rErr.Status == http.StatusNotFound
	}
	return false
}
