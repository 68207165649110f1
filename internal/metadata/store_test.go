package metadata

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/maxiofs/shardkv/internal/config"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var backends = []string{
	config.MetadataBackendSQLite,
	config.MetadataBackendBadger,
	config.MetadataBackendPebble,
}

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)
	return logger
}

func openStore(t *testing.T, backend, dir string) Store {
	t.Helper()
	store, err := Open(Options{
		Backend: backend,
		Dir:     dir,
		Logger:  testLogger(),
	})
	require.NoError(t, err)
	require.NoError(t, store.Init(context.Background()))
	return store
}

// forEachBackend runs fn against a fresh store of every backend
func forEachBackend(t *testing.T, fn func(t *testing.T, store Store, dir string)) {
	for _, backend := range backends {
		t.Run(backend, func(t *testing.T) {
			dir := t.TempDir()
			store := openStore(t, backend, dir)
			t.Cleanup(func() { store.Close() })
			fn(t, store, dir)
		})
	}
}

func addCommitted(t *testing.T, store Store, ts int64, key, path string) {
	t.Helper()
	ctx := context.Background()
	ok, err := store.AddUpdatingEntry(ctx, ts, key, path)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = store.CommitEntry(ctx, ts, key)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestStore_PutProtocol(t *testing.T) {
	forEachBackend(t, func(t *testing.T, store Store, _ string) {
		ctx := context.Background()

		ok, err := store.AddUpdatingEntry(ctx, 100, "alpha", "alpha$1.data")
		require.NoError(t, err)
		assert.True(t, ok)

		// Updating entries are never live
		_, found, err := store.GetCommittedPath(ctx, "alpha")
		require.NoError(t, err)
		assert.False(t, found)

		ok, err = store.CommitEntry(ctx, 100, "alpha")
		require.NoError(t, err)
		assert.True(t, ok)

		path, found, err := store.GetCommittedPath(ctx, "alpha")
		require.NoError(t, err)
		assert.True(t, found)
		assert.Equal(t, "alpha$1.data", path)

		// Already committed: nothing left to commit
		ok, err = store.CommitEntry(ctx, 100, "alpha")
		require.NoError(t, err)
		assert.False(t, ok)
	})
}

func TestStore_CommitMismatch(t *testing.T) {
	forEachBackend(t, func(t *testing.T, store Store, _ string) {
		ctx := context.Background()

		_, err := store.AddUpdatingEntry(ctx, 100, "alpha", "alpha$1.data")
		require.NoError(t, err)

		ok, err := store.CommitEntry(ctx, 101, "alpha")
		require.NoError(t, err)
		assert.False(t, ok)

		ok, err = store.CommitEntry(ctx, 100, "beta")
		require.NoError(t, err)
		assert.False(t, ok)
	})
}

func TestStore_DuplicatePathRejected(t *testing.T) {
	forEachBackend(t, func(t *testing.T, store Store, _ string) {
		ctx := context.Background()

		ok, err := store.AddUpdatingEntry(ctx, 1, "a", "shared.data")
		require.NoError(t, err)
		require.True(t, ok)

		ok, err = store.AddUpdatingEntry(ctx, 2, "b", "shared.data")
		assert.False(t, ok)
		assert.ErrorIs(t, err, ErrDuplicatePath)
	})
}

func TestStore_LiveVersionIsGreatestTimestamp(t *testing.T) {
	forEachBackend(t, func(t *testing.T, store Store, _ string) {
		ctx := context.Background()

		addCommitted(t, store, 200, "k", "k$new.data")
		// An older version committing late does not win
		addCommitted(t, store, 100, "k", "k$old.data")

		path, found, err := store.GetCommittedPath(ctx, "k")
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, "k$new.data", path)

		candidates, err := store.CompactionCandidates(ctx)
		require.NoError(t, err)
		assert.Len(t, candidates, 1)
		assert.Contains(t, candidates, mustID(t, store, "k", "k$old.data"))
	})
}

func TestStore_ListCommittedKeys(t *testing.T) {
	forEachBackend(t, func(t *testing.T, store Store, _ string) {
		ctx := context.Background()

		keys, err := store.ListCommittedKeys(ctx)
		require.NoError(t, err)
		assert.Empty(t, keys)

		addCommitted(t, store, 1, "b", "b$1.data")
		addCommitted(t, store, 2, "a", "a$1.data")
		addCommitted(t, store, 3, "a", "a$2.data")
		addCommitted(t, store, 4, "gone", "gone$1.data")
		_, err = store.AddUpdatingEntry(ctx, 5, "pending", "pending$1.data")
		require.NoError(t, err)
		_, err = store.MarkEntriesRemoved(ctx, "gone")
		require.NoError(t, err)

		keys, err = store.ListCommittedKeys(ctx)
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"a", "b"}, keys)
	})
}

func TestStore_MarkEntriesRemoved(t *testing.T) {
	forEachBackend(t, func(t *testing.T, store Store, _ string) {
		ctx := context.Background()

		ok, err := store.MarkEntriesRemoved(ctx, "missing")
		require.NoError(t, err)
		assert.False(t, ok)

		addCommitted(t, store, 1, "k", "k$1.data")
		addCommitted(t, store, 2, "k", "k$2.data")
		_, err = store.AddUpdatingEntry(ctx, 3, "k", "k$3.data")
		require.NoError(t, err)

		ok, err = store.MarkEntriesRemoved(ctx, "k")
		require.NoError(t, err)
		assert.True(t, ok)

		_, found, err := store.GetCommittedPath(ctx, "k")
		require.NoError(t, err)
		assert.False(t, found)

		// The in-flight write can no longer commit
		ok, err = store.CommitEntry(ctx, 3, "k")
		require.NoError(t, err)
		assert.False(t, ok)

		entries, err := store.EntriesForKey(ctx, "k")
		require.NoError(t, err)
		require.Len(t, entries, 3)
		for _, e := range entries {
			assert.Equal(t, StatusRemoved, e.Status)
		}

		candidates, err := store.CompactionCandidates(ctx)
		require.NoError(t, err)
		assert.Len(t, candidates, 3)
	})
}

func TestStore_CompactionCandidates(t *testing.T) {
	forEachBackend(t, func(t *testing.T, store Store, _ string) {
		ctx := context.Background()

		addCommitted(t, store, 1, "k", "k$1.data")
		addCommitted(t, store, 2, "k", "k$2.data")
		addCommitted(t, store, 3, "k", "k$3.data")
		addCommitted(t, store, 4, "solo", "solo$1.data")
		_, err := store.AddUpdatingEntry(ctx, 5, "k", "k$4.data")
		require.NoError(t, err)

		candidates, err := store.CompactionCandidates(ctx)
		require.NoError(t, err)

		paths := make(map[string]bool)
		for _, p := range candidates {
			paths[p] = true
		}
		assert.Equal(t, map[string]bool{"k$1.data": true, "k$2.data": true}, paths)
	})
}

func TestStore_DeleteEntries(t *testing.T) {
	forEachBackend(t, func(t *testing.T, store Store, _ string) {
		ctx := context.Background()

		addCommitted(t, store, 1, "k", "k$1.data")
		addCommitted(t, store, 2, "k", "k$2.data")

		candidates, err := store.CompactionCandidates(ctx)
		require.NoError(t, err)
		require.Len(t, candidates, 1)

		ids := make([]int64, 0, len(candidates))
		for id := range candidates {
			ids = append(ids, id)
		}
		require.NoError(t, store.DeleteEntries(ctx, ids))
		// Deleting again is harmless
		require.NoError(t, store.DeleteEntries(ctx, ids))
		require.NoError(t, store.DeleteEntries(ctx, nil))

		candidates, err = store.CompactionCandidates(ctx)
		require.NoError(t, err)
		assert.Empty(t, candidates)

		paths, err := store.ReferencedPaths(ctx)
		require.NoError(t, err)
		assert.Equal(t, map[string]struct{}{"k$2.data": {}}, paths)

		path, found, err := store.GetCommittedPath(ctx, "k")
		require.NoError(t, err)
		assert.True(t, found)
		assert.Equal(t, "k$2.data", path)
	})
}

func TestStore_ReferencedPathsIncludesEveryStatus(t *testing.T) {
	forEachBackend(t, func(t *testing.T, store Store, _ string) {
		ctx := context.Background()

		addCommitted(t, store, 1, "c", "c$1.data")
		addCommitted(t, store, 2, "r", "r$1.data")
		_, err := store.MarkEntriesRemoved(ctx, "r")
		require.NoError(t, err)
		_, err = store.AddUpdatingEntry(ctx, 3, "u", "u$1.data")
		require.NoError(t, err)

		paths, err := store.ReferencedPaths(ctx)
		require.NoError(t, err)
		assert.Len(t, paths, 3)
		assert.Contains(t, paths, "c$1.data")
		assert.Contains(t, paths, "r$1.data")
		assert.Contains(t, paths, "u$1.data")

		stats, err := store.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, EntryStats{Updating: 1, Committed: 1, Removed: 1}, stats)
		assert.Equal(t, int64(3), stats.Total())
	})
}

func TestStore_InitDiscardsUpdatingAndPersists(t *testing.T) {
	for _, backend := range backends {
		t.Run(backend, func(t *testing.T) {
			ctx := context.Background()
			dir := t.TempDir()

			store := openStore(t, backend, dir)
			addCommitted(t, store, 1, "kept", "kept$1.data")
			_, err := store.AddUpdatingEntry(ctx, 2, "kept", "kept$2.data")
			require.NoError(t, err)
			_, err = store.AddUpdatingEntry(ctx, 3, "lost", "lost$1.data")
			require.NoError(t, err)
			require.NoError(t, store.Close())

			store = openStore(t, backend, dir)
			defer store.Close()

			// Init is idempotent
			require.NoError(t, store.Init(ctx))

			stats, err := store.Stats(ctx)
			require.NoError(t, err)
			assert.Equal(t, EntryStats{Committed: 1}, stats)

			path, found, err := store.GetCommittedPath(ctx, "kept")
			require.NoError(t, err)
			assert.True(t, found)
			assert.Equal(t, "kept$1.data", path)

			// Ids keep increasing across restarts
			ok, err := store.AddUpdatingEntry(ctx, 4, "kept", "kept$3.data")
			require.NoError(t, err)
			require.True(t, ok)
			entries, err := store.EntriesForKey(ctx, "kept")
			require.NoError(t, err)
			require.Len(t, entries, 2)
			assert.Greater(t, entries[1].ID, entries[0].ID)
		})
	}
}

func TestStore_IDsNotReusedAfterCompaction(t *testing.T) {
	for _, backend := range backends {
		t.Run(backend, func(t *testing.T) {
			ctx := context.Background()
			dir := t.TempDir()

			store := openStore(t, backend, dir)
			addCommitted(t, store, 1, "a", "a$1.data")
			addCommitted(t, store, 2, "b", "b$1.data")
			removedID := mustID(t, store, "b", "b$1.data")

			ok, err := store.MarkEntriesRemoved(ctx, "b")
			require.NoError(t, err)
			require.True(t, ok)
			candidates, err := store.CompactionCandidates(ctx)
			require.NoError(t, err)
			require.Contains(t, candidates, removedID)
			ids := make([]int64, 0, len(candidates))
			for id := range candidates {
				ids = append(ids, id)
			}
			require.NoError(t, store.DeleteEntries(ctx, ids))
			require.NoError(t, store.Close())

			// The highest surviving row is now a, below b's old id
			store = openStore(t, backend, dir)
			defer store.Close()

			addCommitted(t, store, 3, "c", "c$1.data")
			assert.Greater(t, mustID(t, store, "c", "c$1.data"), removedID)
		})
	}
}

func TestStore_ConcurrentWritersSameKey(t *testing.T) {
	forEachBackend(t, func(t *testing.T, store Store, _ string) {
		ctx := context.Background()
		const writers = 20

		var wg sync.WaitGroup
		for i := 1; i <= writers; i++ {
			wg.Add(1)
			go func(ts int64) {
				defer wg.Done()
				path := fmt.Sprintf("hot$%d.data", ts)
				ok, err := store.AddUpdatingEntry(ctx, ts, "hot", path)
				if !assert.NoError(t, err) || !assert.True(t, ok) {
					return
				}
				ok, err = store.CommitEntry(ctx, ts, "hot")
				assert.NoError(t, err)
				assert.True(t, ok)
			}(int64(i))
		}
		wg.Wait()

		path, found, err := store.GetCommittedPath(ctx, "hot")
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, fmt.Sprintf("hot$%d.data", writers), path)

		candidates, err := store.CompactionCandidates(ctx)
		require.NoError(t, err)
		assert.Len(t, candidates, writers-1)
	})
}

func TestStore_LatestTimestamp(t *testing.T) {
	forEachBackend(t, func(t *testing.T, store Store, _ string) {
		ctx := context.Background()

		ts, err := store.LatestTimestamp(ctx)
		require.NoError(t, err)
		assert.Zero(t, ts)

		addCommitted(t, store, 500, "a", "a$1.data")
		addCommitted(t, store, 300, "b", "b$1.data")
		_, err = store.MarkEntriesRemoved(ctx, "a")
		require.NoError(t, err)

		ts, err = store.LatestTimestamp(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(500), ts)
	})
}

func TestOpen_UnknownBackend(t *testing.T) {
	_, err := Open(Options{Backend: "postgres", Dir: t.TempDir()})
	assert.Error(t, err)
}

func TestKVStore_Maintain(t *testing.T) {
	for _, backend := range []string{config.MetadataBackendBadger, config.MetadataBackendPebble} {
		t.Run(backend, func(t *testing.T) {
			store := openStore(t, backend, t.TempDir())

			m, ok := store.(Maintainer)
			require.True(t, ok)
			assert.NoError(t, m.Maintain(context.Background()))

			require.NoError(t, store.Close())
			assert.NoError(t, store.Close())
			assert.ErrorIs(t, m.Maintain(context.Background()), ErrStoreClosed)
		})
	}
}

// Index keys are "key/<key>\x00<id>", so a key containing NUL must not leak
// into the scan of its prefix
func TestKVStore_KeysSharingPrefix(t *testing.T) {
	for _, backend := range []string{config.MetadataBackendBadger, config.MetadataBackendPebble} {
		t.Run(backend, func(t *testing.T) {
			ctx := context.Background()
			store := openStore(t, backend, t.TempDir())
			defer store.Close()

			addCommitted(t, store, 1, "a", "a$1.data")
			addCommitted(t, store, 2, "a\x00b", "ab$1.data")
			addCommitted(t, store, 3, "ab", "ab$2.data")

			entries, err := store.EntriesForKey(ctx, "a")
			require.NoError(t, err)
			require.Len(t, entries, 1)
			assert.Equal(t, "a$1.data", entries[0].Path)

			ok, err := store.MarkEntriesRemoved(ctx, "a")
			require.NoError(t, err)
			assert.True(t, ok)

			_, found, err := store.GetCommittedPath(ctx, "a\x00b")
			require.NoError(t, err)
			assert.True(t, found)
		})
	}
}

func mustID(t *testing.T, store Store, key, path string) int64 {
	t.Helper()
	entries, err := store.EntriesForKey(context.Background(), key)
	require.NoError(t, err)
	for _, e := range entries {
		if e.Path == path {
			return e.ID
		}
	}
	t.Fatalf("no entry for path %s", path)
	return 0
}
