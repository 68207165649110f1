package metadata

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/cockroachdb/pebble"
	"github.com/sirupsen/logrus"
)

// PebbleStore keeps metadata rows in Pebble
type PebbleStore struct {
	db        *pebble.DB
	writeOpts *pebble.WriteOptions
}

// PebbleOptions configures a PebbleStore
type PebbleOptions struct {
	DataDir    string
	SyncWrites bool
	Logger     *logrus.Logger
}

// NewPebbleStore opens (or creates) the database in opts.DataDir
func NewPebbleStore(opts PebbleOptions) (*PebbleStore, error) {
	if opts.Logger == nil {
		opts.Logger = logrus.New()
	}
	if err := os.MkdirAll(opts.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create metadata directory: %w", err)
	}

	cache := pebble.NewCache(32 << 20)
	defer cache.Unref()

	db, err := pebble.Open(opts.DataDir, &pebble.Options{
		Cache:  cache,
		Logger: newEngineLogger(opts.Logger, "Pebble"),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open pebble db: %w", err)
	}

	store := &PebbleStore{db: db, writeOpts: pebble.NoSync}
	if opts.SyncWrites {
		store.writeOpts = pebble.Sync
	}

	opts.Logger.WithField("path", opts.DataDir).Debug("Pebble metadata store opened")
	return store, nil
}

func (s *PebbleStore) Get(ctx context.Context, key string) ([]byte, error) {
	val, closer, err := s.db.Get([]byte(key))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	defer closer.Close()

	return append([]byte(nil), val...), nil
}

func (s *PebbleStore) Write(ctx context.Context, writes []KVWrite) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	batch := s.db.NewBatch()
	defer batch.Close()

	for _, w := range writes {
		var err error
		if w.Delete {
			err = batch.Delete([]byte(w.Key), nil)
		} else {
			err = batch.Set([]byte(w.Key), w.Value, nil)
		}
		if err != nil {
			return fmt.Errorf("write %q: %w", w.Key, err)
		}
	}
	return batch.Commit(s.writeOpts)
}

func (s *PebbleStore) Scan(ctx context.Context, prefix string, fn func(key string, val []byte) error) error {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(prefix),
		UpperBound: upperBound([]byte(prefix)),
	})
	if err != nil {
		return fmt.Errorf("failed to create iterator: %w", err)
	}

	for valid := iter.First(); valid; valid = iter.Next() {
		if err = ctx.Err(); err != nil {
			break
		}
		if err = fn(string(iter.Key()), append([]byte(nil), iter.Value()...)); err != nil {
			break
		}
	}
	if err != nil {
		iter.Close()
		return err
	}
	if err := iter.Error(); err != nil {
		iter.Close()
		return err
	}
	return iter.Close()
}

// GC does nothing: Pebble drops deleted rows during its own compactions
func (s *PebbleStore) GC(ctx context.Context) error {
	return nil
}

func (s *PebbleStore) Close() error {
	return s.db.Close()
}

// upperBound is the smallest key greater than every key starting with
// prefix, or nil when no such key exists
func upperBound(prefix []byte) []byte {
	for i := len(prefix) - 1; i >= 0; i-- {
		if prefix[i] != 0xff {
			end := append([]byte(nil), prefix[:i+1]...)
			end[i]++
			return end
		}
	}
	return nil
}

var _ RawKVStore = (*PebbleStore)(nil)
