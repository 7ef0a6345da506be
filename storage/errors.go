package storage

import (
	"errors"
	"fmt"
)

// Common storage errors.
var (
	// ErrUnavailable is matched by every error wrapped with Unavailable,
	// so callers can test with errors.Is(err, storage.ErrUnavailable).
	ErrUnavailable = errors.New("store unavailable")
)

// UnavailableError reports a failed round trip to the shared store.
// Callers must treat it as fatal for the current request.
type UnavailableError struct {
	Op  string
	Err error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("store unavailable: %s: %v", e.Op, e.Err)
}

func (e *UnavailableError) Unwrap() error {
	return e.Err
}

// Is makes errors.Is(err, ErrUnavailable) succeed for any UnavailableError.
func (e *UnavailableError) Is(target error) bool {
	return target == ErrUnavailable
}

// Unavailable wraps a store error for the named operation.
// A nil error stays nil.
func Unavailable(op string, err error) error {
	if err == nil {
		return nil
	}
	return &UnavailableError{Op: op, Err: err}
}

// IsUnavailable returns true if err came from a failed store call.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrUnavailable)
}
