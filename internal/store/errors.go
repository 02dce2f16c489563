package store

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a server or snapshot does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when an explicit registration collides with an
	// existing slug. No row is created.
	ErrConflict = errors.New("conflict")
	// ErrInvalid is returned for input the store refuses before touching the
	// database.
	ErrInvalid = errors.New("invalid input")
)

// StorageError wraps a failed transaction. Nothing from the failed operation
// is visible after it is returned.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string { return fmt.Sprintf("store: %s: %v", e.Op, e.Err) }

func (e *StorageError) Unwrap() error { return e.Err }
