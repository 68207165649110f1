package metadata

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/maxiofs/shardkv/internal/config"
	"github.com/sirupsen/logrus"
)

// Store is the per-shard write-ahead log of versioned entries. It is the
// authority on which blob holds the live value of a key.
//
// Boolean results report whether the expected number of rows was affected;
// the error result is reserved for an unreachable or broken store.
type Store interface {
	// Init ensures the schema exists and discards every Updating entry left
	// by an interrupted write. It is idempotent.
	Init(ctx context.Context) error

	// AddUpdatingEntry records a write in progress. True iff one row was inserted.
	AddUpdatingEntry(ctx context.Context, ts int64, key, path string) (bool, error)

	// CommitEntry moves the Updating entry matching (key, ts) to Committed.
	// True iff exactly one row changed.
	CommitEntry(ctx context.Context, ts int64, key string) (bool, error)

	// GetCommittedPath returns the path of the live version of key
	GetCommittedPath(ctx context.Context, key string) (string, bool, error)

	// ListCommittedKeys returns every key with at least one Committed entry
	ListCommittedKeys(ctx context.Context) ([]string, error)

	// MarkEntriesRemoved tombstones every entry of key. True iff at least one row changed.
	MarkEntriesRemoved(ctx context.Context, key string) (bool, error)

	// CompactionCandidates maps id to path for every Removed entry and every
	// superseded Committed entry. Live versions and Updating entries are
	// never returned.
	CompactionCandidates(ctx context.Context) (map[int64]string, error)

	// DeleteEntries physically removes rows
	DeleteEntries(ctx context.Context, ids []int64) error

	// ReferencedPaths returns the path of every row regardless of status
	ReferencedPaths(ctx context.Context) (map[string]struct{}, error)

	// EntriesForKey returns every row of key ordered by id
	EntriesForKey(ctx context.Context, key string) ([]Entry, error)

	// LatestTimestamp returns the greatest timestamp of any row, or 0
	LatestTimestamp(ctx context.Context) (int64, error)

	Stats(ctx context.Context) (EntryStats, error)

	Close() error
}

// Maintainer is implemented by stores that need periodic housekeeping
// after compaction, such as Badger's value log GC.
type Maintainer interface {
	Maintain(ctx context.Context) error
}

// Options selects and configures a metadata backend
type Options struct {
	Backend    string
	Dir        string // shard metadata directory
	SyncWrites bool
	Logger     *logrus.Logger
}

// Open creates the store for opts.Backend under opts.Dir. The caller still
// has to call Init before use.
func Open(opts Options) (Store, error) {
	if opts.Logger == nil {
		opts.Logger = logrus.New()
	}

	switch opts.Backend {
	case config.MetadataBackendSQLite, "":
		return NewSQLiteStore(SQLiteOptions{
			Path:       filepath.Join(opts.Dir, "entries.db"),
			SyncWrites: opts.SyncWrites,
			Logger:     opts.Logger,
		})
	case config.MetadataBackendBadger:
		raw, err := NewBadgerStore(BadgerOptions{
			DataDir:    filepath.Join(opts.Dir, "badger"),
			SyncWrites: opts.SyncWrites,
			Logger:     opts.Logger,
		})
		if err != nil {
			return nil, err
		}
		return NewKVStore(raw, opts.Logger), nil
	case config.MetadataBackendPebble:
		raw, err := NewPebbleStore(PebbleOptions{
			DataDir:    filepath.Join(opts.Dir, "pebble"),
			SyncWrites: opts.SyncWrites,
			Logger:     opts.Logger,
		})
		if err != nil {
			return nil, err
		}
		return NewKVStore(raw, opts.Logger), nil
	default:
		return nil, fmt.Errorf("unsupported metadata backend: %s", opts.Backend)
	}
}
