package engine

import "errors"

// Errors carried by Failed outcomes. Store failures wrap one of these, so
// callers can test with errors.Is.
var (
	ErrIOFailure            = errors.New("blob storage failure")
	ErrMetadataFailure      = errors.New("metadata store failure")
	ErrKeyNotFound          = errors.New("key not found")
	ErrUnsupportedOperation = errors.New("unsupported operation")
	ErrInvalidKey           = errors.New("invalid key")
	ErrClosed               = errors.New("engine is closed")
)
