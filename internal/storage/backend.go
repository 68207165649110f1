package storage

import "context"

// Backend is the per-shard blob store. Blob names are flat file names; every
// name is written at most once.
type Backend interface {
	// WriteNew durably creates a new blob. It never overwrites an existing one.
	WriteNew(ctx context.Context, name string, data []byte) error
	// Read returns the blob contents or ErrObjectNotFound.
	Read(ctx context.Context, name string) ([]byte, error)
	// Delete removes a blob. A missing blob yields ErrObjectNotFound.
	Delete(ctx context.Context, name string) error
	Exists(ctx context.Context, name string) (bool, error)

	// List returns every complete blob; temp files are excluded.
	List(ctx context.Context) ([]BlobInfo, error)

	// Recover cleans up temp files left by interrupted writes.
	Recover(ctx context.Context) (RecoveryStats, error)

	Root() string
	Close() error
}
