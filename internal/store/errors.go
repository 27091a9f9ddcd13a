package store

import (
	"errors"
	"fmt"
)

// ErrStorage matches every failure of the persistence layer.
var ErrStorage = errors.New("queue storage failure")

// StorageError reports a failed store operation. Losing a queued submission is worse than a
// failed network attempt, so callers surface these to the operator instead of retrying quietly.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// Is lets errors.Is(err, ErrStorage) match any StorageError.
func (e *StorageError) Is(target error) bool {
	return target == ErrStorage
}

func storageErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StorageError{Op: op, Err: err}
}
