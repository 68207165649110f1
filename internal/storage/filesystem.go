package storage

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
)

// tempSuffix marks a blob whose write has not been renamed into place yet
const tempSuffix = ".tmp"

// FilesystemBackend implements the Backend interface for local filesystem storage
type FilesystemBackend struct {
	rootPath string
	config   Config
	logger   *logrus.Logger
}

// NewFilesystemBackend creates a new filesystem storage backend
func NewFilesystemBackend(config Config, logger *logrus.Logger) (*FilesystemBackend, error) {
	if config.Root == "" {
		return nil, NewError("InvalidRoot", "Storage root is not configured")
	}
	if logger == nil {
		logger = logrus.New()
	}

	// Ensure root path exists
	if err := os.MkdirAll(config.Root, 0755); err != nil {
		return nil, NewErrorWithCause("CreateRootDir", "Failed to create root directory", err)
	}

	return &FilesystemBackend{
		rootPath: config.Root,
		config:   config,
		logger:   logger,
	}, nil
}

// WriteNew stores a new blob. The bytes go to <name>.tmp first and are renamed
// into place once flushed, so a partially written blob is never visible under
// its final name.
func (fs *FilesystemBackend) WriteNew(ctx context.Context, name string, data []byte) error {
	if err := fs.validateName(name); err != nil {
		return err
	}

	fullPath := fs.getFullPath(name)

	if _, err := os.Lstat(fullPath); err == nil {
		return ErrObjectExists
	} else if !os.IsNotExist(err) {
		return NewErrorWithCause("StatFile", "Failed to stat file", err)
	}

	tempPath := fullPath + tempSuffix
	tempFile, err := os.OpenFile(tempPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return NewErrorWithCause("CreateTempFile", "Failed to create temporary file", err)
	}

	if _, err := tempFile.Write(data); err != nil {
		tempFile.Close()
		os.Remove(tempPath)
		return NewErrorWithCause("WriteData", "Failed to write data", err)
	}

	if fs.config.SyncWrites {
		if err := tempFile.Sync(); err != nil {
			tempFile.Close()
			os.Remove(tempPath)
			return NewErrorWithCause("SyncData", "Failed to flush data", err)
		}
	}

	if err := tempFile.Close(); err != nil {
		os.Remove(tempPath)
		return NewErrorWithCause("CloseTempFile", "Failed to close temporary file", err)
	}

	// Atomic move
	if err := os.Rename(tempPath, fullPath); err != nil {
		os.Remove(tempPath)
		return NewErrorWithCause("AtomicMove", "Failed to move file to final location", err)
	}

	if fs.config.SyncWrites {
		fs.syncDir()
	}

	return nil
}

// Read retrieves a blob from the filesystem
func (fs *FilesystemBackend) Read(ctx context.Context, name string) ([]byte, error) {
	if err := fs.validateName(name); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(fs.getFullPath(name))
	if os.IsNotExist(err) {
		return nil, ErrObjectNotFound
	} else if err != nil {
		return nil, NewErrorWithCause("ReadFile", "Failed to read file", err)
	}

	return data, nil
}

// Delete removes a blob from the filesystem
func (fs *FilesystemBackend) Delete(ctx context.Context, name string) error {
	if err := fs.validateName(name); err != nil {
		return err
	}

	if err := os.Remove(fs.getFullPath(name)); err != nil {
		if os.IsNotExist(err) {
			return ErrObjectNotFound
		}
		return NewErrorWithCause("DeleteFile", "Failed to delete file", err)
	}

	return nil
}

// Exists checks if a blob exists in the filesystem
func (fs *FilesystemBackend) Exists(ctx context.Context, name string) (bool, error) {
	if err := fs.validateName(name); err != nil {
		return false, err
	}

	_, err := os.Stat(fs.getFullPath(name))
	if os.IsNotExist(err) {
		return false, nil
	} else if err != nil {
		return false, NewErrorWithCause("StatFile", "Failed to stat file", err)
	}

	return true, nil
}

// List lists every complete blob in the root directory
func (fs *FilesystemBackend) List(ctx context.Context) ([]BlobInfo, error) {
	entries, err := os.ReadDir(fs.rootPath)
	if err != nil {
		return nil, NewErrorWithCause("ReadDirectory", "Failed to read directory", err)
	}

	blobs := make([]BlobInfo, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || strings.HasSuffix(entry.Name(), tempSuffix) {
			continue
		}

		info, err := entry.Info()
		if err != nil {
			// Deleted between ReadDir and Info
			if os.IsNotExist(err) {
				continue
			}
			return nil, NewErrorWithCause("StatFile", "Failed to stat file", err)
		}

		blobs = append(blobs, BlobInfo{
			Name:    entry.Name(),
			Size:    info.Size(),
			ModTime: info.ModTime(),
		})
	}

	return blobs, nil
}

// Root returns the blob directory
func (fs *FilesystemBackend) Root() string {
	return fs.rootPath
}

// Close closes the filesystem backend
func (fs *FilesystemBackend) Close() error {
	// Filesystem backend doesn't need explicit cleanup
	return nil
}

// Helper methods

// validateName validates that the name is a plain file name inside the root
func (fs *FilesystemBackend) validateName(name string) error {
	if name == "" || name == "." || name == ".." {
		return ErrInvalidPath
	}

	// Prevent directory traversal attacks
	if strings.ContainsAny(name, `/\`) || filepath.Base(name) != name {
		return ErrInvalidPath
	}

	// Temp names are reserved for in-flight writes
	if strings.HasSuffix(name, tempSuffix) {
		return ErrInvalidPath
	}

	return nil
}

// getFullPath returns the full filesystem path for a given blob name
func (fs *FilesystemBackend) getFullPath(name string) string {
	return filepath.Join(fs.rootPath, name)
}

// syncDir flushes the directory entry so a rename survives a power loss.
// Not every platform supports fsync on directories, so failures are only logged.
func (fs *FilesystemBackend) syncDir() {
	dir, err := os.Open(fs.rootPath)
	if err != nil {
		fs.logger.WithError(err).WithField("root", fs.rootPath).Debug("Failed to open blob directory for sync")
		return
	}
	defer dir.Close()

	if err := dir.Sync(); err != nil {
		fs.logger.WithError(err).WithField("root", fs.rootPath).Debug("Failed to sync blob directory")
	}
}

// compile-time interface check
var _ Backend = (*FilesystemBackend)(nil)
