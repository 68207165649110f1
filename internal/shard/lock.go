package shard

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// LockFile guards a data directory against a second engine
const LockFile = "LOCK"

// ErrDataDirLocked is returned when another engine already holds the data
// directory
var ErrDataDirLocked = errors.New("data directory is locked by another engine")

// DirLock is an exclusive advisory lock on a data directory, held until
// Release
type DirLock struct {
	file *os.File
}

// LockDataDir creates dataDir when missing and takes its lock without
// blocking
func LockDataDir(dataDir string) (*DirLock, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	path := filepath.Join(dataDir, LockFile)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock file: %w", err)
	}
	if err := lockFile(f); err != nil {
		f.Close()
		if errors.Is(err, errWouldBlock) {
			return nil, fmt.Errorf("%w: %s", ErrDataDirLocked, dataDir)
		}
		return nil, fmt.Errorf("failed to lock data directory: %w", err)
	}
	return &DirLock{file: f}, nil
}

// Release drops the lock. The lock file itself stays on disk.
func (l *DirLock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	err := unlockFile(l.file)
	if cerr := l.file.Close(); err == nil {
		err = cerr
	}
	l.file = nil
	return err
}
