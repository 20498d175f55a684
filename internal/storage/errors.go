package storage

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned by Get when no record has the requested id.
var ErrNotFound = errors.New("exchange not found")

// ErrNotFinalized is returned by Append for a record without a terminal status.
var ErrNotFinalized = errors.New("exchange is not finalized")

// StorageError reports a failed operation on the backing store.
type StorageError struct {
	Operation string // "open", "append", "get", "list", ...
	Cause     error
}

// Error implements the error interface.
func (e *StorageError) Error() string {
	return fmt.Sprintf("storage error [operation=%s]: %v", e.Operation, e.Cause)
}

// Unwrap returns the underlying cause error.
func (e *StorageError) Unwrap() error {
	return e.Cause
}

func newStorageError(op string, cause error) *StorageError {
	return &StorageError{Operation: op, Cause: cause}
}
