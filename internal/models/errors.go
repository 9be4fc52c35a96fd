package models

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound = errors.New("resource not found")

	// ErrPreconditionViolation is returned for an illegal stage or approval transition.
	ErrPreconditionViolation = errors.New("precondition violation")
	// ErrConflict is returned when a concurrent mutation won a compare-and-set.
	ErrConflict = errors.New("concurrent modification conflict")

	ErrInvalidInput = errors.New("invalid input data")

	ErrAssemblyFailed = errors.New("assembly failed")
)

// Precondition wraps ErrPreconditionViolation with a reason.
func Precondition(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrPreconditionViolation, fmt.Sprintf(format, args...))
}

// AssemblyError reports a failed concatenation. The stage stays assembling.
type AssemblyError struct {
	Reason string
	Err    error
}

func (e *AssemblyError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("assembly failed: %s: %v", e.Reason, e.Err)
	}
	return "assembly failed: " + e.Reason
}

func (e *AssemblyError) Unwrap() error { return e.Err }

// Is lets errors.Is(err, ErrAssemblyFailed) match any AssemblyError.
func (e *AssemblyError) Is(target error) bool { return target == ErrAssemblyFailed }
