package graph

import (
	"errors"
	"fmt"
)

// AuthError indicates the credential was rejected or could not be refreshed.
type AuthError struct {
	Op  string
	Err error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("auth failed during %s: %v", e.Op, e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// NotFoundError indicates the message or subscription no longer exists.
type NotFoundError struct {
	Resource string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("not found: %s", e.Resource)
}

// TransientError indicates a network failure, timeout, throttle, or server
// error that a later attempt may resolve.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient failure during %s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// RejectedError indicates the provider refused a subscription operation.
type RejectedError struct {
	Op     string
	Detail string
	Status int
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("provider rejected %s (HTTP %d): %s", e.Op, e.Status, e.Detail)
}

// IsAuth checks if an error is an authentication failure.
func IsAuth(err error) bool {
	var authErr *AuthError
	return errors.As(err, &authErr)
}

// IsNotFound checks if an error indicates a missing resource.
func IsNotFound(err error) bool {
	var nfErr *NotFoundError
	return errors.As(err, &nfErr)
}

// IsTransient checks if an error is worth retrying later.
func IsTransient(err error) bool {
	var trErr *TransientError
	return errors.As(err, &trErr)
}

// IsRejected checks if an error is a provider refusal.
func IsRejected(err error) bool {
	var rjErr *RejectedError
	return errors.As(err, &rjErr)
}

// classifyStatus maps a non-2xx Graph response to an error kind.
func classifyStatus(op string, status int, detail string) error {
	switch {
	case status == 401 || status == 403:
		return &AuthError{Op: op, Err: fmt.Errorf("HTTP %d: %s", status, detail)}
	case status == 404:
		return &NotFoundError{Resource: op}
	case status == 429 || status >= 500:
		return &TransientError{Op: op, Err: fmt.Errorf("HTTP %d: %s", status, detail)}
	default:
		return &RejectedError{Op: op, Status: status, Detail: detail}
	}
}
