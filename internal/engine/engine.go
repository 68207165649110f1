package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/maxiofs/shardkv/internal/compactor"
	"github.com/maxiofs/shardkv/internal/config"
	"github.com/maxiofs/shardkv/internal/metadata"
	"github.com/maxiofs/shardkv/internal/metrics"
	"github.com/maxiofs/shardkv/internal/shard"
	"github.com/maxiofs/shardkv/pkg/compression"
	"github.com/sirupsen/logrus"
)

// Engine is an embedded sharded key-value store. It is safe for concurrent
// use; no lock is held across a whole request.
type Engine struct {
	cfg       *config.Config
	shards    []*shard.Shard
	compactor *compactor.Worker
	recorder  metrics.Recorder
	logger    *logrus.Logger
	clock     *clock
	codec     *compression.Service
	lock      *shard.DirLock

	// Requests hold mu for reading; Close takes it for writing so shards are
	// never closed under an in-flight request
	mu        sync.RWMutex
	cancel    context.CancelFunc
	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// Open validates cfg, opens every shard and starts the compactor when
// enabled. A shard that cannot be opened fails the whole call.
func Open(ctx context.Context, cfg *config.Config, logger *logrus.Logger, recorder metrics.Recorder) (*Engine, error) {
	if logger == nil {
		logger = logrus.New()
	}
	if recorder == nil {
		recorder = metrics.Noop()
	}

	if err := config.Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if shard.ShardFor("", cfg.Shards.Count) < 0 {
		return nil, fmt.Errorf("invalid shard count %d", cfg.Shards.Count)
	}
	lock, err := shard.LockDataDir(cfg.DataDir)
	if err != nil {
		return nil, err
	}
	if err := shard.CheckMarker(cfg.DataDir, cfg.Shards.Count); err != nil {
		lock.Release()
		return nil, err
	}

	codec, err := compression.NewService(compression.Config{
		Algorithm: cfg.Storage.Compression,
		Level:     cfg.Storage.CompressionLevel,
		MinSize:   cfg.Storage.CompressionMinSize,
	})
	if err != nil {
		lock.Release()
		return nil, fmt.Errorf("invalid compression settings: %w", err)
	}

	e := &Engine{
		cfg:      cfg,
		recorder: recorder,
		logger:   logger,
		clock:    newClock(),
		codec:    codec,
		lock:     lock,
	}

	for i, dir := range cfg.Shards.Dirs {
		s, err := shard.Open(ctx, shard.Options{
			Index:           i,
			Dir:             dir,
			MetadataBackend: cfg.Metadata.Backend,
			MetadataSync:    cfg.Metadata.SyncWrites,
			StorageSync:     cfg.Storage.SyncWrites,
			Logger:          logger,
		})
		if err != nil {
			e.closeShards()
			codec.Close()
			lock.Release()
			return nil, err
		}
		e.shards = append(e.shards, s)

		latest, err := s.Meta.LatestTimestamp(ctx)
		if err != nil {
			e.closeShards()
			codec.Close()
			lock.Release()
			return nil, fmt.Errorf("shard %d: %w", i, err)
		}
		e.clock.Observe(latest)
	}

	e.compactor = compactor.NewWorker(e.shards, cfg.Compaction, recorder, logger)
	if cfg.Compaction.Enable {
		bgCtx, cancel := context.WithCancel(context.Background())
		e.cancel = cancel
		e.compactor.Start(bgCtx)
	}

	logger.WithFields(logrus.Fields{
		"data_dir":    cfg.DataDir,
		"shards":      len(e.shards),
		"backend":     cfg.Metadata.Backend,
		"compression": codec.Algorithm(),
	}).Info("Engine opened")

	return e, nil
}

// Dispatch executes one request and never panics on bad input: every
// failure is reported as an OutcomeFailed.
func (e *Engine) Dispatch(ctx context.Context, req Request) Outcome {
	start := time.Now()
	out := e.dispatch(ctx, req)
	e.recorder.RecordOperation(req.Op.String(), out.Kind.String(), time.Since(start))

	log := e.logger.WithFields(logrus.Fields{
		"op":      req.Op.String(),
		"key":     req.Key,
		"outcome": out.Kind.String(),
	})
	if out.Kind == OutcomeFailed {
		log.WithError(out.Err).Debug("Request failed")
	} else {
		log.Trace("Request completed")
	}

	return out
}

func (e *Engine) dispatch(ctx context.Context, req Request) Outcome {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if e.closed.Load() {
		return failed(ErrClosed, "cannot serve request", nil)
	}

	switch req.Op {
	case OpGet, OpPut, OpRemove:
		if req.Key == "" {
			return failed(ErrInvalidKey, "key must not be empty", nil)
		}
	}

	switch req.Op {
	case OpGet:
		return e.get(ctx, req.Key)
	case OpPut:
		return e.put(ctx, req.Key, req.Value)
	case OpRemove:
		return e.remove(ctx, req.Key)
	case OpListKeys:
		return e.listKeys(ctx)
	default:
		e.logger.WithField("op", req.Op.String()).Error("Protocol error: unknown request")
		return failed(ErrUnsupportedOperation, "cannot handle "+req.Op.String(), nil)
	}
}

func (e *Engine) shardFor(key string) *shard.Shard {
	return e.shards[shard.ShardFor(key, len(e.shards))]
}

// put records an Updating entry, writes the blob, then commits. A failure
// after the first step leaves state that restart recovery or the compactor
// cleans up.
func (e *Engine) put(ctx context.Context, key string, data []byte) Outcome {
	s := e.shardFor(key)

	payload, ext, err := e.codec.Encode(data)
	if err != nil {
		return failed(ErrIOFailure, "cannot encode value", err)
	}
	path := blobName(key) + ext
	ts := e.clock.Next()

	ok, err := s.Meta.AddUpdatingEntry(ctx, ts, key, path)
	if err != nil || !ok {
		return failed(ErrMetadataFailure, "cannot record WAL entry", err)
	}

	if err := s.Blobs.WriteNew(ctx, path, payload); err != nil {
		return failed(ErrIOFailure, "cannot persist value", err)
	}

	ok, err = s.Meta.CommitEntry(ctx, ts, key)
	if err != nil || !ok {
		return failed(ErrMetadataFailure, "cannot commit WAL entry", err)
	}

	return success()
}

func (e *Engine) get(ctx context.Context, key string) Outcome {
	s := e.shardFor(key)

	path, found, err := s.Meta.GetCommittedPath(ctx, key)
	if err != nil {
		return failed(ErrMetadataFailure, "cannot look up key", err)
	}
	if !found {
		return empty()
	}

	payload, err := s.Blobs.Read(ctx, path)
	if err == nil {
		var data []byte
		if data, err = e.codec.Decode(path, payload); err == nil {
			return value(data)
		}
	}

	e.logger.WithError(err).WithFields(logrus.Fields{
		"shard": s.Index,
		"key":   key,
		"path":  path,
	}).Warn("Committed blob is unreadable")
	return empty()
}

// remove tombstones every version of key. Blobs are left to the compactor.
func (e *Engine) remove(ctx context.Context, key string) Outcome {
	s := e.shardFor(key)

	_, found, err := s.Meta.GetCommittedPath(ctx, key)
	if err != nil {
		return failed(ErrMetadataFailure, "cannot look up key", err)
	}
	if !found {
		return success()
	}

	ok, err := s.Meta.MarkEntriesRemoved(ctx, key)
	if err != nil || !ok {
		return failed(ErrMetadataFailure, "cannot mark entries removed", err)
	}

	return success()
}

func (e *Engine) listKeys(ctx context.Context) Outcome {
	var keys []string
	for _, s := range e.shards {
		shardKeys, err := s.Meta.ListCommittedKeys(ctx)
		if err != nil {
			return failed(ErrMetadataFailure, fmt.Sprintf("cannot list keys of shard %d", s.Index), err)
		}
		keys = append(keys, shardKeys...)
	}
	sort.Strings(keys)
	if keys == nil {
		keys = []string{}
	}
	return keyList(keys)
}

// Get returns the live value of key, or ErrKeyNotFound
func (e *Engine) Get(ctx context.Context, key string) ([]byte, error) {
	out := e.Dispatch(ctx, Request{Op: OpGet, Key: key})
	switch out.Kind {
	case OutcomeValue:
		return out.Value, nil
	case OutcomeEmpty:
		return nil, ErrKeyNotFound
	default:
		return nil, out.Err
	}
}

// Put stores value under key
func (e *Engine) Put(ctx context.Context, key string, value []byte) error {
	return outcomeErr(e.Dispatch(ctx, Request{Op: OpPut, Key: key, Value: value}))
}

// Remove deletes key. Removing an absent key succeeds.
func (e *Engine) Remove(ctx context.Context, key string) error {
	return outcomeErr(e.Dispatch(ctx, Request{Op: OpRemove, Key: key}))
}

// ListKeys returns every live key in sorted order
func (e *Engine) ListKeys(ctx context.Context) ([]string, error) {
	out := e.Dispatch(ctx, Request{Op: OpListKeys})
	if out.Kind != OutcomeKeyList {
		return nil, out.Err
	}
	return out.Keys, nil
}

// History returns every recorded version of key, oldest first
func (e *Engine) History(ctx context.Context, key string) ([]metadata.Entry, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if e.closed.Load() {
		return nil, ErrClosed
	}
	if key == "" {
		return nil, ErrInvalidKey
	}
	return e.shardFor(key).Meta.EntriesForKey(ctx, key)
}

// Compact runs one synchronous compaction pass over every shard
func (e *Engine) Compact(ctx context.Context) ([]compactor.Result, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if e.closed.Load() {
		return nil, ErrClosed
	}

	results := e.compactor.RunOnce(ctx)

	var errs []error
	for _, r := range results {
		if r.Err != nil {
			errs = append(errs, fmt.Errorf("shard %d: %w", r.Shard, r.Err))
		}
	}
	return results, errors.Join(errs...)
}

// Stats returns per-shard statistics
func (e *Engine) Stats(ctx context.Context) ([]shard.Stats, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if e.closed.Load() {
		return nil, ErrClosed
	}

	stats := make([]shard.Stats, 0, len(e.shards))
	for _, s := range e.shards {
		st, err := s.Stats(ctx)
		if err != nil {
			return nil, err
		}
		stats = append(stats, st)
	}
	return stats, nil
}

// ShardCount returns the number of shards
func (e *Engine) ShardCount() int {
	return len(e.shards)
}

// Close stops the compactor and closes every shard. Requests issued after
// Close fail with ErrClosed.
func (e *Engine) Close() error {
	e.closeOnce.Do(func() {
		e.mu.Lock()
		e.closed.Store(true)
		e.mu.Unlock()

		if e.cancel != nil {
			e.cancel()
		}
		e.compactor.Stop()
		e.closeErr = e.closeShards()
		e.codec.Close()
		if err := e.lock.Release(); err != nil {
			e.closeErr = errors.Join(e.closeErr, fmt.Errorf("failed to release data directory lock: %w", err))
		}
		e.logger.Debug("Engine closed")
	})
	return e.closeErr
}

func (e *Engine) closeShards() error {
	var errs []error
	for _, s := range e.shards {
		if err := s.Close(); err != nil {
			errs = append(errs, fmt.Errorf("shard %d: %w", s.Index, err))
		}
	}
	return errors.Join(errs...)
}

func outcomeErr(out Outcome) error {
	if out.Kind == OutcomeFailed {
		return out.Err
	}
	return nil
}
