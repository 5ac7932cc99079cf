// Package faults defines the error taxonomy shared across the lifecycle engine.
// Callers classify with the Is* predicates instead of matching error strings.
package faults

import (
	"context"
	"errors"
	"fmt"
)

// ValidationError rejects malformed input before anything is persisted.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("validation: %s", e.Reason)
	}
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Reason)
}

// Validation builds a ValidationError for the given field.
func Validation(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// TransientRemoteError marks a remote failure (timeout, unreachability) that is
// retried on the next cycle and never treated as fatal.
type TransientRemoteError struct {
	Op  string
	Err error
}

func (e *TransientRemoteError) Error() string {
	return fmt.Sprintf("transient remote failure in %s: %v", e.Op, e.Err)
}

func (e *TransientRemoteError) Unwrap() error { return e.Err }

// TransientRemote wraps err as a recoverable remote failure.
func TransientRemote(op string, err error) error {
	if err == nil {
		return nil
	}
	return &TransientRemoteError{Op: op, Err: err}
}

// CapacityError signals that the local store cannot accept a write. It is always
// surfaced explicitly, never swallowed.
type CapacityError struct {
	Resource string
	Err      error
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("capacity exhausted on %s: %v", e.Resource, e.Err)
}

func (e *CapacityError) Unwrap() error { return e.Err }

// Capacity wraps err as a capacity refusal on the named resource.
func Capacity(resource string, err error) error {
	if err == nil {
		return nil
	}
	return &CapacityError{Resource: resource, Err: err}
}

// ConsistencyError reports a concurrent conflict on a keyed resource. Per-key
// serialization resolves these; they are reported, not fatal.
type ConsistencyError struct {
	Key string
	Err error
}

func (e *ConsistencyError) Error() string {
	return fmt.Sprintf("consistency conflict on %s: %v", e.Key, e.Err)
}

func (e *ConsistencyError) Unwrap() error { return e.Err }

// Consistency wraps err as a conflict on key.
func Consistency(key string, err error) error {
	if err == nil {
		return nil
	}
	return &ConsistencyError{Key: key, Err: err}
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

// IsTransientRemote reports whether err is a TransientRemoteError or a context
// deadline, both of which background jobs retry on their own schedule.
func IsTransientRemote(err error) bool {
	var t *TransientRemoteError
	if errors.As(err, &t) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// IsCapacity reports whether err is a CapacityError.
func IsCapacity(err error) bool {
	var c *CapacityError
	return errors.As(err, &c)
}

// IsConsistency reports whether err is a ConsistencyError.
func IsConsistency(err error) bool {
	var c *ConsistencyError
	return errors.As(err, &c)
}
