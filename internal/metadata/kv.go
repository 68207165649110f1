package metadata

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

// Key layout inside the raw store:
//
//	entry/<id:020d>             JSON Entry
//	key/<key>\x00<id:020d>      per-key index, empty value
//	path/<path>                 path uniqueness guard, value is the id
const (
	entryPrefix = "entry/"
	keyPrefix   = "key/"
	pathPrefix  = "path/"

	// seqKey holds the highest id reserved so far. Ids are reserved in
	// blocks so the sequence never rewinds once rows are compacted away.
	seqKey      = "seq/last_id"
	idBlockSize = 1024

	// Init deletes discarded rows in chunks to stay under engine txn limits
	initDeleteChunk = 512

	pathLockStripes = 64
)

func entryKey(id int64) string {
	return fmt.Sprintf("%s%020d", entryPrefix, id)
}

func keyIndexPrefix(key string) string {
	return keyPrefix + key + "\x00"
}

func keyIndexKey(key string, id int64) string {
	return fmt.Sprintf("%s%020d", keyIndexPrefix(key), id)
}

func pathKey(path string) string {
	return pathPrefix + path
}

// KVStore implements Store on top of a RawKVStore. Key-value engines have no
// "update where" statement, so every read-modify-write of a key runs under
// that key's mutex and is written back with one atomic batch.
type KVStore struct {
	raw     RawKVStore
	logger  *logrus.Logger
	idMu    sync.Mutex
	lastID  int64    // guarded by idMu
	idLimit int64    // highest id persisted under seqKey, guarded by idMu
	keyMu   sync.Map // map[string]*sync.Mutex, one per entry key
	closed  atomic.Bool

	// Paths are checked for uniqueness across keys under a striped lock
	pathLocks [pathLockStripes]sync.Mutex
}

// NewKVStore wraps raw. Init must run before the store is used.
func NewKVStore(raw RawKVStore, logger *logrus.Logger) *KVStore {
	if logger == nil {
		logger = logrus.New()
	}
	return &KVStore{
		raw:    raw,
		logger: logger,
	}
}

func (s *KVStore) lockKey(key string) func() {
	mu, _ := s.keyMu.LoadOrStore(key, &sync.Mutex{})
	m := mu.(*sync.Mutex)
	m.Lock()
	return m.Unlock
}

func (s *KVStore) lockPath(path string) func() {
	h := fnv.New32a()
	h.Write([]byte(path))
	mu := &s.pathLocks[h.Sum32()%pathLockStripes]
	mu.Lock()
	return mu.Unlock
}

func (s *KVStore) checkOpen() error {
	if s.closed.Load() {
		return ErrStoreClosed
	}
	return nil
}

// Init seeds the id sequence and drops every Updating entry
func (s *KVStore) Init(ctx context.Context) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	var maxID int64
	var discarded []Entry
	err := s.scanEntries(ctx, func(e *Entry) bool {
		if e.ID > maxID {
			maxID = e.ID
		}
		if e.Status == StatusUpdating {
			discarded = append(discarded, *e)
		}
		return true
	})
	if err != nil {
		return fmt.Errorf("failed to scan entries: %w", err)
	}

	reserved, err := s.loadSeq(ctx)
	if err != nil {
		return err
	}

	// Ids are never reused, even for rows deleted by compaction
	s.idMu.Lock()
	s.lastID = max(s.lastID, maxID, reserved)
	s.idLimit = s.lastID
	s.idMu.Unlock()

	for start := 0; start < len(discarded); start += initDeleteChunk {
		end := min(start+initDeleteChunk, len(discarded))
		var writes []KVWrite
		for _, e := range discarded[start:end] {
			writes = append(writes, entryDeletes(e)...)
		}
		if err := s.raw.Write(ctx, writes); err != nil {
			return fmt.Errorf("failed to discard updating entries: %w", err)
		}
	}

	if len(discarded) > 0 {
		s.logger.WithField("discarded", len(discarded)).Info("Discarded entries of interrupted writes")
	}

	return nil
}

// AddUpdatingEntry inserts a new Updating row
func (s *KVStore) AddUpdatingEntry(ctx context.Context, ts int64, key, path string) (bool, error) {
	if err := s.checkOpen(); err != nil {
		return false, err
	}
	if key == "" || path == "" {
		return false, ErrInvalidKey
	}

	unlock := s.lockKey(key)
	defer unlock()

	unlockPath := s.lockPath(path)
	defer unlockPath()

	if _, err := s.raw.Get(ctx, pathKey(path)); err == nil {
		return false, ErrDuplicatePath
	} else if !errors.Is(err, ErrNotFound) {
		return false, fmt.Errorf("failed to check path: %w", err)
	}

	id, err := s.allocID(ctx)
	if err != nil {
		return false, err
	}

	entry := Entry{
		ID:        id,
		Key:       key,
		Timestamp: ts,
		Path:      path,
		Status:    StatusUpdating,
	}
	data, err := json.Marshal(&entry)
	if err != nil {
		return false, fmt.Errorf("failed to marshal entry: %w", err)
	}

	writes := []KVWrite{
		setKV(entryKey(entry.ID), data),
		setKV(keyIndexKey(key, entry.ID), []byte{}),
		setKV(pathKey(path), []byte(strconv.FormatInt(entry.ID, 10))),
	}
	if err := s.raw.Write(ctx, writes); err != nil {
		return false, fmt.Errorf("failed to insert entry: %w", err)
	}

	return true, nil
}

// CommitEntry moves the (key, ts) Updating row to Committed
func (s *KVStore) CommitEntry(ctx context.Context, ts int64, key string) (bool, error) {
	if err := s.checkOpen(); err != nil {
		return false, err
	}

	unlock := s.lockKey(key)
	defer unlock()

	entries, err := s.loadKey(ctx, key)
	if err != nil {
		return false, err
	}

	var match *Entry
	for i := range entries {
		e := &entries[i]
		if e.Timestamp != ts || e.Status != StatusUpdating {
			continue
		}
		if match != nil {
			// More than one row would be affected
			return false, nil
		}
		match = e
	}
	if match == nil {
		return false, nil
	}

	match.Status = StatusCommitted
	if err := s.putEntries(ctx, []Entry{*match}); err != nil {
		return false, fmt.Errorf("failed to commit entry: %w", err)
	}
	return true, nil
}

// GetCommittedPath returns the path of the newest Committed row of key
func (s *KVStore) GetCommittedPath(ctx context.Context, key string) (string, bool, error) {
	if err := s.checkOpen(); err != nil {
		return "", false, err
	}

	unlock := s.lockKey(key)
	defer unlock()

	entries, err := s.loadKey(ctx, key)
	if err != nil {
		return "", false, err
	}

	live := liveEntry(entries)
	if live == nil {
		return "", false, nil
	}
	return live.Path, true, nil
}

// ListCommittedKeys returns the distinct keys with a Committed row
func (s *KVStore) ListCommittedKeys(ctx context.Context) ([]string, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	seen := make(map[string]struct{})
	err := s.scanEntries(ctx, func(e *Entry) bool {
		if e.Status == StatusCommitted {
			seen[e.Key] = struct{}{}
		}
		return true
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list committed keys: %w", err)
	}

	keys := make([]string, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

// MarkEntriesRemoved tombstones every row of key
func (s *KVStore) MarkEntriesRemoved(ctx context.Context, key string) (bool, error) {
	if err := s.checkOpen(); err != nil {
		return false, err
	}

	unlock := s.lockKey(key)
	defer unlock()

	entries, err := s.loadKey(ctx, key)
	if err != nil {
		return false, err
	}
	if len(entries) == 0 {
		return false, nil
	}

	for i := range entries {
		entries[i].Status = StatusRemoved
	}
	if err := s.putEntries(ctx, entries); err != nil {
		return false, fmt.Errorf("failed to mark entries removed: %w", err)
	}
	return true, nil
}

// CompactionCandidates returns Removed rows and superseded Committed rows
func (s *KVStore) CompactionCandidates(ctx context.Context) (map[int64]string, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	live := make(map[string]Entry)
	var committed []Entry
	candidates := make(map[int64]string)

	err := s.scanEntries(ctx, func(e *Entry) bool {
		switch e.Status {
		case StatusRemoved:
			candidates[e.ID] = e.Path
		case StatusCommitted:
			committed = append(committed, *e)
			if cur, ok := live[e.Key]; !ok || e.newerThan(&cur) {
				live[e.Key] = *e
			}
		}
		return true
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan compaction candidates: %w", err)
	}

	for _, e := range committed {
		if live[e.Key].ID != e.ID {
			candidates[e.ID] = e.Path
		}
	}
	return candidates, nil
}

// DeleteEntries removes the rows with the given ids. Unknown ids are ignored.
func (s *KVStore) DeleteEntries(ctx context.Context, ids []int64) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	for _, id := range ids {
		data, err := s.raw.Get(ctx, entryKey(id))
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return fmt.Errorf("failed to load entry %d: %w", id, err)
		}

		var e Entry
		if err := json.Unmarshal(data, &e); err != nil {
			return fmt.Errorf("failed to unmarshal entry %d: %w", id, err)
		}

		unlock := s.lockKey(e.Key)
		err = s.raw.Write(ctx, entryDeletes(e))
		unlock()
		if err != nil {
			return fmt.Errorf("failed to delete entry %d: %w", id, err)
		}
	}
	return nil
}

// ReferencedPaths returns the path of every row
func (s *KVStore) ReferencedPaths(ctx context.Context) (map[string]struct{}, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	paths := make(map[string]struct{})
	err := s.scanEntries(ctx, func(e *Entry) bool {
		paths[e.Path] = struct{}{}
		return true
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan paths: %w", err)
	}
	return paths, nil
}

// EntriesForKey returns every row of key ordered by id
func (s *KVStore) EntriesForKey(ctx context.Context, key string) ([]Entry, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	unlock := s.lockKey(key)
	defer unlock()

	return s.loadKey(ctx, key)
}

// LatestTimestamp returns the greatest timestamp of any row
func (s *KVStore) LatestTimestamp(ctx context.Context) (int64, error) {
	if err := s.checkOpen(); err != nil {
		return 0, err
	}

	var latest int64
	err := s.scanEntries(ctx, func(e *Entry) bool {
		latest = max(latest, e.Timestamp)
		return true
	})
	return latest, err
}

// Stats counts rows per status
func (s *KVStore) Stats(ctx context.Context) (EntryStats, error) {
	var stats EntryStats
	if err := s.checkOpen(); err != nil {
		return stats, err
	}

	err := s.scanEntries(ctx, func(e *Entry) bool {
		switch e.Status {
		case StatusUpdating:
			stats.Updating++
		case StatusCommitted:
			stats.Committed++
		case StatusRemoved:
			stats.Removed++
		}
		return true
	})
	return stats, err
}

// Maintain runs the engine's garbage collection
func (s *KVStore) Maintain(ctx context.Context) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	return s.raw.GC(ctx)
}

// Close closes the underlying engine
func (s *KVStore) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	return s.raw.Close()
}

// loadKey reads every row of key through the per-key index, ordered by id.
// Callers hold the key's mutex.
func (s *KVStore) loadKey(ctx context.Context, key string) ([]Entry, error) {
	prefix := keyIndexPrefix(key)

	var ids []int64
	err := s.raw.Scan(ctx, prefix, func(k string, _ []byte) error {
		// Another key whose name extends this one with a NUL byte fails to parse
		if id, err := strconv.ParseInt(strings.TrimPrefix(k, prefix), 10, 64); err == nil {
			ids = append(ids, id)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan key index: %w", err)
	}

	entries := make([]Entry, 0, len(ids))
	for _, id := range ids {
		data, err := s.raw.Get(ctx, entryKey(id))
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to load entry %d: %w", id, err)
		}

		var e Entry
		if err := json.Unmarshal(data, &e); err != nil {
			return nil, fmt.Errorf("failed to unmarshal entry %d: %w", id, err)
		}
		if e.Key == key {
			entries = append(entries, e)
		}
	}
	return entries, nil
}

// loadSeq returns the persisted id high-water mark, 0 on a new store
func (s *KVStore) loadSeq(ctx context.Context) (int64, error) {
	data, err := s.raw.Get(ctx, seqKey)
	if errors.Is(err, ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read id sequence: %w", err)
	}
	id, err := strconv.ParseInt(string(data), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("corrupt id sequence %q: %w", data, err)
	}
	return id, nil
}

// allocID hands out the next id, persisting a new block reservation before
// any id of that block is used
func (s *KVStore) allocID(ctx context.Context) (int64, error) {
	s.idMu.Lock()
	defer s.idMu.Unlock()

	id := s.lastID + 1
	if id > s.idLimit {
		limit := id + idBlockSize - 1
		if err := s.raw.Write(ctx, []KVWrite{setKV(seqKey, []byte(strconv.FormatInt(limit, 10)))}); err != nil {
			return 0, fmt.Errorf("failed to reserve ids: %w", err)
		}
		s.idLimit = limit
	}
	s.lastID = id
	return id, nil
}

// entryDeletes removes a row together with its index and path guard
func entryDeletes(e Entry) []KVWrite {
	return []KVWrite{
		deleteKV(entryKey(e.ID)),
		deleteKV(keyIndexKey(e.Key, e.ID)),
		deleteKV(pathKey(e.Path)),
	}
}

// putEntries writes rows back in one atomic batch
func (s *KVStore) putEntries(ctx context.Context, entries []Entry) error {
	writes := make([]KVWrite, 0, len(entries))
	for i := range entries {
		data, err := json.Marshal(&entries[i])
		if err != nil {
			return fmt.Errorf("failed to marshal entry %d: %w", entries[i].ID, err)
		}
		writes = append(writes, setKV(entryKey(entries[i].ID), data))
	}
	return s.raw.Write(ctx, writes)
}

// scanEntries visits every row in id order
func (s *KVStore) scanEntries(ctx context.Context, fn func(e *Entry) bool) error {
	err := s.raw.Scan(ctx, entryPrefix, func(k string, val []byte) error {
		var e Entry
		if err := json.Unmarshal(val, &e); err != nil {
			return fmt.Errorf("failed to unmarshal %s: %w", k, err)
		}
		if !fn(&e) {
			return errStopScan
		}
		return nil
	})
	if errors.Is(err, errStopScan) {
		return nil
	}
	return err
}

// liveEntry picks the newest Committed entry, or nil
func liveEntry(entries []Entry) *Entry {
	var live *Entry
	for i := range entries {
		e := &entries[i]
		if e.Status != StatusCommitted {
			continue
		}
		if live == nil || e.newerThan(live) {
			live = e
		}
	}
	return live
}

// compile-time interface checks
var (
	_ Store      = (*KVStore)(nil)
	_ Maintainer = (*KVStore)(nil)
)
