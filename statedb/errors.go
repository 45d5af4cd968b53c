package statedb

import (
	"errors"
	"fmt"
)

// ==================== Sentinel Errors ====================

var (
	// ErrEmptyUUID is returned when a run ID parameter is empty
	ErrEmptyUUID = errors.New("UUID cannot be empty")

	// ErrInvalidUUID is returned when a run ID is not a UUID
	ErrInvalidUUID = errors.New("invalid UUID format")

	// ErrEmptyPath is returned when a chroot path parameter is empty
	ErrEmptyPath = errors.New("chroot path cannot be empty")

	// ErrRecordNotFound is returned when a record doesn't exist in the database
	ErrRecordNotFound = errors.New("record not found")

	// ErrBucketNotFound is returned when a required bucket doesn't exist
	ErrBucketNotFound = errors.New("database bucket not found")
)

// ==================== Structured Error Types ====================

// DatabaseError wraps database operation errors with the operation and
// bucket involved.
type DatabaseError struct {
	Op     string
	Bucket string
	Err    error
}

func (e *DatabaseError) Error() string {
	if e.Bucket != "" {
		return fmt.Sprintf("database %s [bucket: %s]: %v", e.Op, e.Bucket, e.Err)
	}
	return fmt.Sprintf("database %s: %v", e.Op, e.Err)
}

func (e *DatabaseError) Unwrap() error {
	return e.Err
}

// RecordError wraps record operation errors with the key of the record
// involved (a run ID or a chroot path).
type RecordError struct {
	Op  string
	Key string
	Err error
}

func (e *RecordError) Error() string {
	return fmt.Sprintf("record %s [%s]: %v", e.Op, e.Key, e.Err)
}

func (e *RecordError) Unwrap() error {
	return e.Err
}

// ValidationError reports an invalid input field.
type ValidationError struct {
	Field string
	Value string
	Err   error
}

func (e *ValidationError) Error() string {
	if e.Value != "" {
		return fmt.Sprintf("validation failed [%s=%s]: %v", e.Field, e.Value, e.Err)
	}
	return fmt.Sprintf("validation failed [%s]: %v", e.Field, e.Err)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// IsRecordNotFound checks if the error indicates a missing record.
func IsRecordNotFound(err error) bool {
	return errors.Is(err, ErrRecordNotFound)
}

// IsValidationError checks if the error is a validation error.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
