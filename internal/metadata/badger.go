package metadata

import (
	"context"
	"errors"
	"fmt"
	"os"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/sirupsen/logrus"
)

// badgerGCDiscardRatio is the share of stale data a value log file needs
// before GC rewrites it
const badgerGCDiscardRatio = 0.5

// BadgerStore keeps metadata rows in BadgerDB
type BadgerStore struct {
	db     *badger.DB
	logger *logrus.Logger
}

// BadgerOptions configures a BadgerStore
type BadgerOptions struct {
	DataDir    string
	SyncWrites bool
	Logger     *logrus.Logger
}

// NewBadgerStore opens (or creates) the database in opts.DataDir
func NewBadgerStore(opts BadgerOptions) (*BadgerStore, error) {
	if opts.Logger == nil {
		opts.Logger = logrus.New()
	}
	if err := os.MkdirAll(opts.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create metadata directory: %w", err)
	}

	// One database per shard holding small JSON rows: keep the memory
	// budget per instance low
	dbOpts := badger.DefaultOptions(opts.DataDir).
		WithLogger(newEngineLogger(opts.Logger, "BadgerDB")).
		WithSyncWrites(opts.SyncWrites).
		WithNumVersionsToKeep(1).
		WithMemTableSize(16 << 20).
		WithValueLogFileSize(64 << 20).
		WithBlockCacheSize(32 << 20).
		WithIndexCacheSize(16 << 20)

	db, err := badger.Open(dbOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger db: %w", err)
	}

	opts.Logger.WithField("path", opts.DataDir).Debug("Badger metadata store opened")
	return &BadgerStore{db: db, logger: opts.Logger}, nil
}

func (s *BadgerStore) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	return value, err
}

func (s *BadgerStore) Write(ctx context.Context, writes []KVWrite) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		for _, w := range writes {
			var err error
			if w.Delete {
				err = txn.Delete([]byte(w.Key))
			} else {
				err = txn.Set([]byte(w.Key), w.Value)
			}
			if err != nil {
				return fmt.Errorf("write %q: %w", w.Key, err)
			}
		}
		return nil
	})
}

func (s *BadgerStore) Scan(ctx context.Context, prefix string, fn func(key string, val []byte) error) error {
	return s.db.View(func(txn *badger.Txn) error {
		iterOpts := badger.DefaultIteratorOptions
		iterOpts.Prefix = []byte(prefix)
		it := txn.NewIterator(iterOpts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			item := it.Item()
			val, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			if err := fn(string(item.KeyCopy(nil)), val); err != nil {
				return err
			}
		}
		return nil
	})
}

// GC rewrites value log files until Badger reports nothing left to reclaim
func (s *BadgerStore) GC(ctx context.Context) error {
	for rewrites := 0; ; rewrites++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := s.db.RunValueLogGC(badgerGCDiscardRatio)
		if errors.Is(err, badger.ErrNoRewrite) || errors.Is(err, badger.ErrRejected) {
			if rewrites > 0 {
				s.logger.WithField("rewrites", rewrites).Debug("Badger value log GC finished")
			}
			return nil
		}
		if err != nil {
			return err
		}
	}
}

func (s *BadgerStore) Close() error {
	return s.db.Close()
}

var _ RawKVStore = (*BadgerStore)(nil)
