package contracts

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrNotFound             = errors.New("not found")
	ErrInvalidMode          = errors.New("invalid mode")
	ErrSandboxExpired       = errors.New("sandbox expired")
	ErrContainmentViolation = errors.New("containment violation")
	ErrInvalidInput         = errors.New("invalid input")
	ErrConflict             = errors.New("concurrent modification")
)

// ContainmentViolationError names the sandbox constraints a caller asked to
// switch on. It matches ErrContainmentViolation with errors.Is.
type ContainmentViolationError struct {
	Constraints []string
}

func (e *ContainmentViolationError) Error() string {
	return fmt.Sprintf("containment violation: %s must be false", strings.Join(e.Constraints, ", "))
}

func (e *ContainmentViolationError) Unwrap() error { return ErrContainmentViolation }

// RetryableError marks an infrastructure failure (timeout, unavailable
// collaborator) as distinct from a governance outcome.
type RetryableError struct {
	Op  string
	Err error
}

func (e *RetryableError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *RetryableError) Unwrap() error { return e.Err }

// Retryable wraps err as a RetryableError unless it is nil or already a
// governance error.
func Retryable(op string, err error) error {
	if err == nil {
		return nil
	}
	for _, sentinel := range []error{ErrNotFound, ErrInvalidMode, ErrSandboxExpired, ErrContainmentViolation, ErrInvalidInput, ErrConflict} {
		if errors.Is(err, sentinel) {
			return err
		}
	}
	return &RetryableError{Op: op, Err: err}
}

// IsRetryable reports whether err is an infrastructure error worth retrying.
func IsRetryable(err error) bool {
	var re *RetryableError
	if errors.As(err, &re) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}
