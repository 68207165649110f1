package storage

import (
	"time"

	"github.com/maxiofs/shardkv/internal/config"
)

// Config alias for storage configuration
type Config = config.StorageConfig

// Common storage errors
var (
	ErrObjectNotFound   = NewError("ObjectNotFound", "The specified blob does not exist")
	ErrObjectExists     = NewError("ObjectExists", "The specified blob already exists")
	ErrInvalidPath      = NewError("InvalidPath", "The specified blob name is invalid")
	ErrPermissionDenied = NewError("PermissionDenied", "Permission denied")
	ErrStorageNotReady  = NewError("StorageNotReady", "Storage backend is not ready")
)

// StorageError represents a storage-specific error
type StorageError struct {
	Code    string
	Message string
	Cause   error
}

func (e *StorageError) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

// Unwrap returns the underlying cause
func (e *StorageError) Unwrap() error {
	return e.Cause
}

// Is matches storage errors by code so wrapped variants still compare equal
// to the sentinels above.
func (e *StorageError) Is(target error) bool {
	t, ok := target.(*StorageError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// NewError creates a new storage error
func NewError(code, message string) *StorageError {
	return &StorageError{
		Code:    code,
		Message: message,
	}
}

// NewErrorWithCause creates a new storage error with underlying cause
func NewErrorWithCause(code, message string, cause error) *StorageError {
	return &StorageError{
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

// BlobInfo describes one blob file
type BlobInfo struct {
	Name    string
	Size    int64
	ModTime time.Time
}

// RecoveryStats reports what Recover did with leftover temp files
type RecoveryStats struct {
	TempFilesFound int
	Discarded      int // target already complete, temp removed
	Completed      int // target missing, temp renamed into place
	Failed         int
}
