// Package storage provides the durable backends behind the response store:
// Redis snapshots, PostgreSQL records and ClickHouse history.
package storage

import (
	"errors"
	"fmt"
)

// Storage error types for categorizing backend failures.
var (
	// ErrConnectionFailed indicates a failure to reach the backend.
	ErrConnectionFailed = errors.New("storage: connection failed")

	// ErrQueryFailed indicates a statement execution failure.
	ErrQueryFailed = errors.New("storage: query failed")

	// ErrBatchInsertFailed indicates a history batch could not be written.
	ErrBatchInsertFailed = errors.New("storage: batch insert failed")

	// ErrNotFound indicates the requested record was not found.
	ErrNotFound = errors.New("storage: not found")

	// ErrInvalidData indicates a record could not be encoded or decoded.
	ErrInvalidData = errors.New("storage: invalid data")

	// ErrClosed indicates the backend was already closed.
	ErrClosed = errors.New("storage: closed")
)

// StorageError wraps backend errors with the operation and table involved.
type StorageError struct {
	Op    string // Operation that failed (e.g., "Save", "Load", "Insert")
	Table string // Table or key space, if applicable
	Err   error
}

// Error returns the error message.
func (e *StorageError) Error() string {
	if e.Table != "" {
		return fmt.Sprintf("storage.%s(%s): %v", e.Op, e.Table, e.Err)
	}
	return fmt.Sprintf("storage.%s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *StorageError) Unwrap() error {
	return e.Err
}

// IsConnectionError checks if the error is a connection error.
func IsConnectionError(err error) bool {
	return errors.Is(err, ErrConnectionFailed)
}

// IsNotFound checks if the error is a not found error.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// WrapConnectionError wraps an error as a connection error.
func WrapConnectionError(op string, err error) error {
	return &StorageError{
		Op:  op,
		Err: fmt.Errorf("%w: %v", ErrConnectionFailed, err),
	}
}

// WrapQueryError wraps an error as a query error.
func WrapQueryError(op, table string, err error) error {
	return &StorageError{
		Op:    op,
		Table: table,
		Err:   fmt.Errorf("%w: %v", ErrQueryFailed, err),
	}
}

// WrapDataError wraps an encoding or decoding failure.
func WrapDataError(op, table string, err error) error {
	return &StorageError{
		Op:    op,
		Table: table,
		Err:   fmt.Errorf("%w: %v", ErrInvalidData, err),
	}
}

// WrapNotFoundError reports a missing record.
func WrapNotFoundError(op, table, id string) error {
	return &StorageError{
		Op:    op,
		Table: table,
		Err:   fmt.Errorf("%w: id=%s", ErrNotFound, id),
	}
}
