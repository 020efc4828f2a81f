package collection

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// ErrorClass buckets adapter and store failures so the scheduler can pick a
// retry policy without inspecting error strings.
type ErrorClass int

// Error classes, from most to least retryable.
const (
	// ClassTransient covers network faults, 5xx responses and timeouts.
	// Retried with exponential backoff.
	ClassTransient ErrorClass = iota
	// ClassCapacity covers rate-limit pushback. Requeued after a delay
	// without consuming a retry attempt.
	ClassCapacity
	// ClassValidation covers malformed upstream data. Deterministic, so
	// never retried; the job dead-letters immediately.
	ClassValidation
	// ClassFatal covers persistence-store unavailability. New triggers halt
	// until the operator intervenes.
	ClassFatal
)

// TransientError marks a failure worth retrying with backoff.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return fmt.Sprintf("transient: %v", e.Err) }
func (e *TransientError) Unwrap() error { return e.Err }

// ValidationError marks a deterministic upstream-data failure.
type ValidationError struct {
	Err error
}

func (e *ValidationError) Error() string { return fmt.Sprintf("validation: %v", e.Err) }
func (e *ValidationError) Unwrap() error { return e.Err }

// CapacityError marks rate-limit or backpressure pushback.
type CapacityError struct {
	Err error
}

func (e *CapacityError) Error() string { return fmt.Sprintf("capacity: %v", e.Err) }
func (e *CapacityError) Unwrap() error { return e.Err }

// FatalError marks persistence-store unavailability.
type FatalError struct {
	Err error
}

func (e *FatalError) Error() string { return fmt.Sprintf("fatal: %v", e.Err) }
func (e *FatalError) Unwrap() error { return e.Err }

// Transient wraps err as a TransientError.
func Transient(err error) error {
	return &TransientError{Err: err}
}

// Invalid wraps err as a ValidationError.
func Invalid(err error) error {
	return &ValidationError{Err: err}
}

// Capacity wraps err as a CapacityError.
func Capacity(err error) error {
	return &CapacityError{Err: err}
}

// Fatal wraps err as a FatalError.
func Fatal(err error) error {
	return &FatalError{Err: err}
}

// Classify maps an arbitrary error onto the taxonomy. Unwrapped network
// timeouts and context deadlines count as transient; anything unrecognized
// defaults to transient so a one-off upstream hiccup is not dead-lettered.
func Classify(err error) ErrorClass {
	var fatal *FatalError
	if errors.As(err, &fatal) {
		return ClassFatal
	}
	var invalid *ValidationError
	if errors.As(err, &invalid) {
		return ClassValidation
	}
	var capErr *CapacityError
	if errors.As(err, &capErr) {
		return ClassCapacity
	}
	var transient *TransientError
	if errors.As(err, &transient) {
		return ClassTransient
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ClassTransient
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ClassTransient
	}
	return ClassTransient
}
