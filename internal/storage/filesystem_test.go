package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func createTestBackend(t *testing.T) (*FilesystemBackend, string) {
	t.Helper()
	tmpDir := t.TempDir()

	logger := logrus.New()
	logger.SetOutput(os.Stderr)
	logger.SetLevel(logrus.WarnLevel)

	backend, err := NewFilesystemBackend(Config{Root: tmpDir, SyncWrites: true}, logger)
	require.NoError(t, err)
	require.NotNil(t, backend)

	return backend, tmpDir
}

// TestNewFilesystemBackend tests backend creation
func TestNewFilesystemBackend(t *testing.T) {
	t.Run("Create backend with valid config", func(t *testing.T) {
		tmpDir := t.TempDir()

		backend, err := NewFilesystemBackend(Config{Root: tmpDir}, nil)
		assert.NoError(t, err)
		assert.NotNil(t, backend)
		assert.Equal(t, tmpDir, backend.Root())
	})

	t.Run("Create backend creates root directory", func(t *testing.T) {
		rootPath := filepath.Join(t.TempDir(), "shard-000", "data")

		_, err := NewFilesystemBackend(Config{Root: rootPath}, nil)
		require.NoError(t, err)

		info, err := os.Stat(rootPath)
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	})

	t.Run("Empty root is rejected", func(t *testing.T) {
		_, err := NewFilesystemBackend(Config{}, nil)
		assert.Error(t, err)
	})
}

func TestWriteNewAndRead(t *testing.T) {
	backend, tmpDir := createTestBackend(t)
	ctx := context.Background()

	data := []byte("hello world")
	require.NoError(t, backend.WriteNew(ctx, "k$1.data", data))

	got, err := backend.Read(ctx, "k$1.data")
	require.NoError(t, err)
	assert.Equal(t, data, got)

	// No temp file left behind
	_, err = os.Stat(filepath.Join(tmpDir, "k$1.data"+tempSuffix))
	assert.True(t, os.IsNotExist(err))
}

func TestWriteNew_EmptyValue(t *testing.T) {
	backend, _ := createTestBackend(t)
	ctx := context.Background()

	require.NoError(t, backend.WriteNew(ctx, "empty.data", []byte{}))

	got, err := backend.Read(ctx, "empty.data")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestWriteNew_RefusesOverwrite(t *testing.T) {
	backend, _ := createTestBackend(t)
	ctx := context.Background()

	require.NoError(t, backend.WriteNew(ctx, "once.data", []byte("first")))

	err := backend.WriteNew(ctx, "once.data", []byte("second"))
	assert.ErrorIs(t, err, ErrObjectExists)

	got, err := backend.Read(ctx, "once.data")
	require.NoError(t, err)
	assert.Equal(t, []byte("first"), got)
}

func TestWriteNew_InFlightTempBlocksSecondWriter(t *testing.T) {
	backend, tmpDir := createTestBackend(t)
	ctx := context.Background()

	// Another writer holds the temp name
	require.NoError(t, os.WriteFile(filepath.Join(tmpDir, "busy.data"+tempSuffix), []byte("x"), 0644))

	err := backend.WriteNew(ctx, "busy.data", []byte("y"))
	require.Error(t, err)

	var storageErr *StorageError
	require.True(t, errors.As(err, &storageErr))
	assert.Equal(t, "CreateTempFile", storageErr.Code)
}

func TestRead_NotFound(t *testing.T) {
	backend, _ := createTestBackend(t)

	_, err := backend.Read(context.Background(), "missing.data")
	assert.ErrorIs(t, err, ErrObjectNotFound)
}

func TestDelete(t *testing.T) {
	backend, _ := createTestBackend(t)
	ctx := context.Background()

	require.NoError(t, backend.WriteNew(ctx, "gone.data", []byte("bye")))
	require.NoError(t, backend.Delete(ctx, "gone.data"))

	exists, err := backend.Exists(ctx, "gone.data")
	require.NoError(t, err)
	assert.False(t, exists)

	// Second delete reports the blob as already gone
	assert.ErrorIs(t, backend.Delete(ctx, "gone.data"), ErrObjectNotFound)
}

func TestExists(t *testing.T) {
	backend, _ := createTestBackend(t)
	ctx := context.Background()

	exists, err := backend.Exists(ctx, "a.data")
	require.NoError(t, err)
	assert.False(t, exists)

	require.NoError(t, backend.WriteNew(ctx, "a.data", []byte("a")))

	exists, err = backend.Exists(ctx, "a.data")
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestList(t *testing.T) {
	backend, tmpDir := createTestBackend(t)
	ctx := context.Background()

	require.NoError(t, backend.WriteNew(ctx, "a.data", []byte("aa")))
	require.NoError(t, backend.WriteNew(ctx, "b.data", []byte("bbb")))
	require.NoError(t, os.WriteFile(filepath.Join(tmpDir, "c.data"+tempSuffix), []byte("c"), 0644))
	require.NoError(t, os.Mkdir(filepath.Join(tmpDir, "subdir"), 0755))

	blobs, err := backend.List(ctx)
	require.NoError(t, err)

	sizes := make(map[string]int64)
	for _, b := range blobs {
		sizes[b.Name] = b.Size
		assert.False(t, b.ModTime.IsZero())
	}
	assert.Equal(t, map[string]int64{"a.data": 2, "b.data": 3}, sizes)
}

func TestValidateName(t *testing.T) {
	backend, _ := createTestBackend(t)
	ctx := context.Background()

	tests := []struct {
		name  string
		valid bool
	}{
		{"plain.data", true},
		{"key%2Fwith%2Fslash$abc.data", true},
		{"", false},
		{".", false},
		{"..", false},
		{"../escape.data", false},
		{"nested/name.data", false},
		{`back\slash.data`, false},
		{"reserved.data.tmp", false},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("%q", tt.name), func(t *testing.T) {
			err := backend.WriteNew(ctx, tt.name, []byte("x"))
			if tt.valid {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrInvalidPath)
			}
		})
	}
}

func TestStorageError(t *testing.T) {
	cause := errors.New("disk on fire")
	err := NewErrorWithCause("ObjectNotFound", "wrapped", cause)

	assert.ErrorIs(t, err, ErrObjectNotFound)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "wrapped: disk on fire", err.Error())
	assert.Equal(t, "Permission denied", ErrPermissionDenied.Error())
	assert.NotErrorIs(t, ErrObjectExists, ErrObjectNotFound)
}

func TestConcurrentWriteNew(t *testing.T) {
	backend, _ := createTestBackend(t)
	ctx := context.Background()

	const writers = 16
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			name := fmt.Sprintf("blob-%02d.data", i)
			assert.NoError(t, backend.WriteNew(ctx, name, []byte(name)))
		}(i)
	}
	wg.Wait()

	blobs, err := backend.List(ctx)
	require.NoError(t, err)
	assert.Len(t, blobs, writers)

	for i := 0; i < writers; i++ {
		name := fmt.Sprintf("blob-%02d.data", i)
		got, err := backend.Read(ctx, name)
		require.NoError(t, err)
		assert.Equal(t, []byte(name), got)
	}
}

func TestRecover(t *testing.T) {
	t.Run("Clean directory is a no-op", func(t *testing.T) {
		backend, _ := createTestBackend(t)
		ctx := context.Background()
		require.NoError(t, backend.WriteNew(ctx, "a.data", []byte("a")))

		stats, err := backend.Recover(ctx)
		require.NoError(t, err)
		assert.Equal(t, RecoveryStats{}, stats)

		got, err := backend.Read(ctx, "a.data")
		require.NoError(t, err)
		assert.Equal(t, []byte("a"), got)
	})

	t.Run("Temp with existing target is discarded", func(t *testing.T) {
		backend, tmpDir := createTestBackend(t)
		ctx := context.Background()
		require.NoError(t, backend.WriteNew(ctx, "done.data", []byte("final")))
		tempPath := filepath.Join(tmpDir, "done.data"+tempSuffix)
		require.NoError(t, os.WriteFile(tempPath, []byte("stale"), 0644))

		stats, err := backend.Recover(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, stats.TempFilesFound)
		assert.Equal(t, 1, stats.Discarded)

		_, err = os.Stat(tempPath)
		assert.True(t, os.IsNotExist(err))

		got, err := backend.Read(ctx, "done.data")
		require.NoError(t, err)
		assert.Equal(t, []byte("final"), got)
	})

	t.Run("Temp without target is completed", func(t *testing.T) {
		backend, tmpDir := createTestBackend(t)
		ctx := context.Background()
		tempPath := filepath.Join(tmpDir, "half.data"+tempSuffix)
		require.NoError(t, os.WriteFile(tempPath, []byte("payload"), 0644))

		stats, err := backend.Recover(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, stats.TempFilesFound)
		assert.Equal(t, 1, stats.Completed)
		assert.Zero(t, stats.Failed)

		got, err := backend.Read(ctx, "half.data")
		require.NoError(t, err)
		assert.Equal(t, []byte("payload"), got)

		_, err = os.Stat(tempPath)
		assert.True(t, os.IsNotExist(err))
	})

	t.Run("Recover is idempotent", func(t *testing.T) {
		backend, tmpDir := createTestBackend(t)
		ctx := context.Background()
		require.NoError(t, os.WriteFile(filepath.Join(tmpDir, "x.data"+tempSuffix), []byte("x"), 0644))

		_, err := backend.Recover(ctx)
		require.NoError(t, err)

		stats, err := backend.Recover(ctx)
		require.NoError(t, err)
		assert.Zero(t, stats.TempFilesFound)
	})

	t.Run("Missing root fails", func(t *testing.T) {
		backend, tmpDir := createTestBackend(t)
		require.NoError(t, os.RemoveAll(tmpDir))

		_, err := backend.Recover(context.Background())
		assert.Error(t, err)
	})
}
