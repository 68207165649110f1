package compactor

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/maxiofs/shardkv/internal/config"
	"github.com/maxiofs/shardkv/internal/metadata"
	"github.com/maxiofs/shardkv/internal/metrics"
	"github.com/maxiofs/shardkv/internal/shard"
	"github.com/maxiofs/shardkv/internal/storage"
	"github.com/sirupsen/logrus"
)

// Worker reclaims superseded and tombstoned versions, one goroutine per shard
type Worker struct {
	shards   []*shard.Shard
	cfg      config.CompactionConfig
	recorder metrics.Recorder
	logger   *logrus.Logger
	now      func() time.Time

	// A background pass and RunOnce never work on the same shard at once
	shardMu []sync.Mutex

	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// Result describes one compaction pass over one shard
type Result struct {
	Shard        int           `json:"shard"`
	Candidates   int           `json:"candidates"`
	Reclaimed    int           `json:"reclaimed"`
	BlobFailures int           `json:"blob_failures"`
	OrphansSwept int           `json:"orphans_swept"`
	Duration     time.Duration `json:"duration"`
	Err          error         `json:"-"`
}

// NewWorker creates a compactor over shards
func NewWorker(shards []*shard.Shard, cfg config.CompactionConfig, recorder metrics.Recorder, logger *logrus.Logger) *Worker {
	if logger == nil {
		logger = logrus.New()
	}
	if recorder == nil {
		recorder = metrics.Noop()
	}
	return &Worker{
		shards:   shards,
		cfg:      cfg,
		recorder: recorder,
		logger:   logger,
		now:      time.Now,
		shardMu:  make([]sync.Mutex, len(shards)),
		stopChan: make(chan struct{}),
	}
}

// Start launches one background loop per shard. Each loop waits for the
// initial delay, then compacts every interval until Stop or ctx is done.
func (w *Worker) Start(ctx context.Context) {
	w.logger.WithFields(logrus.Fields{
		"interval":      w.cfg.Interval,
		"initial_delay": w.cfg.InitialDelay,
		"shards":        len(w.shards),
	}).Info("Compactor started")

	for i := range w.shards {
		w.wg.Add(1)
		go w.run(ctx, i)
	}
}

// Stop stops every loop and waits for in-flight passes to finish.
// It is safe to call more than once.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopChan)
	})
	w.wg.Wait()
}

func (w *Worker) run(ctx context.Context, idx int) {
	defer w.wg.Done()

	timer := time.NewTimer(w.cfg.InitialDelay)
	defer timer.Stop()

	select {
	case <-timer.C:
	case <-w.stopChan:
		return
	case <-ctx.Done():
		return
	}

	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()

	for {
		w.CompactShard(ctx, idx)

		select {
		case <-ticker.C:
		case <-w.stopChan:
			w.logger.WithField("shard", idx).Debug("Compactor stopped")
			return
		case <-ctx.Done():
			w.logger.WithField("shard", idx).Debug("Compactor stopped due to context cancellation")
			return
		}
	}
}

// RunOnce compacts every shard concurrently and returns when all are done
func (w *Worker) RunOnce(ctx context.Context) []Result {
	results := make([]Result, len(w.shards))

	var wg sync.WaitGroup
	for i := range w.shards {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = w.CompactShard(ctx, i)
		}(i)
	}
	wg.Wait()

	return results
}

// CompactShard runs one pass over the shard at idx. Failures are logged and
// reported in the result; the next pass retries them.
func (w *Worker) CompactShard(ctx context.Context, idx int) Result {
	w.shardMu[idx].Lock()
	defer w.shardMu[idx].Unlock()

	s := w.shards[idx]
	start := w.now()
	result := Result{Shard: s.Index}
	log := w.logger.WithField("shard", s.Index)

	w.reclaim(ctx, s, &result, log)

	if w.cfg.OrphanSweep && result.Err == nil {
		w.sweepOrphans(ctx, s, &result, log)
	}

	if m, ok := s.Meta.(metadata.Maintainer); ok {
		if err := m.Maintain(ctx); err != nil {
			log.WithError(err).Warn("Metadata maintenance failed")
		}
	}

	result.Duration = w.now().Sub(start)
	w.recorder.RecordCompaction(s.Index, result.Reclaimed, result.BlobFailures, result.Duration)
	if w.cfg.OrphanSweep {
		w.recorder.RecordOrphanSweep(s.Index, result.OrphansSwept)
	}

	fields := logrus.Fields{
		"candidates":    result.Candidates,
		"reclaimed":     result.Reclaimed,
		"blob_failures": result.BlobFailures,
		"orphans":       result.OrphansSwept,
		"duration":      result.Duration,
	}
	if result.Reclaimed > 0 || result.OrphansSwept > 0 || result.BlobFailures > 0 {
		log.WithFields(fields).Info("Compaction pass completed")
	} else {
		log.WithFields(fields).Debug("Compaction pass completed")
	}

	return result
}

// reclaim deletes candidate blobs, then the rows of the blobs that are gone.
// A row is never deleted before its blob.
func (w *Worker) reclaim(ctx context.Context, s *shard.Shard, result *Result, log *logrus.Entry) {
	candidates, err := s.Meta.CompactionCandidates(ctx)
	if err != nil {
		log.WithError(err).Error("Failed to query compaction candidates")
		result.Err = err
		return
	}
	result.Candidates = len(candidates)
	if len(candidates) == 0 {
		return
	}

	ids := make([]int64, 0, len(candidates))
	for id := range candidates {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	deleted := make([]int64, 0, len(ids))
	for _, id := range ids {
		if ctx.Err() != nil {
			break
		}

		path := candidates[id]
		err := s.Blobs.Delete(ctx, path)
		if err != nil && !errors.Is(err, storage.ErrObjectNotFound) {
			log.WithError(err).WithField("path", path).Warn("Failed to delete blob, keeping entry")
			result.BlobFailures++
			continue
		}
		deleted = append(deleted, id)
	}

	if len(deleted) == 0 {
		return
	}
	if err := s.Meta.DeleteEntries(ctx, deleted); err != nil {
		log.WithError(err).Error("Failed to delete compacted entries")
		result.Err = err
		return
	}
	result.Reclaimed = len(deleted)
}

// sweepOrphans deletes blobs no row references. Blobs are listed before the
// references are read: a Put records its row before writing its blob, so a
// listed blob of a live write is always among the references.
func (w *Worker) sweepOrphans(ctx context.Context, s *shard.Shard, result *Result, log *logrus.Entry) {
	sweepStart := w.now()

	blobs, err := s.Blobs.List(ctx)
	if err != nil {
		log.WithError(err).Warn("Failed to list blobs for orphan sweep")
		return
	}

	refs, err := s.Meta.ReferencedPaths(ctx)
	if err != nil {
		log.WithError(err).Warn("Failed to read referenced paths for orphan sweep")
		return
	}

	cutoff := sweepStart.Add(-w.cfg.OrphanGracePeriod)
	for _, blob := range blobs {
		if ctx.Err() != nil {
			return
		}
		if _, ok := refs[blob.Name]; ok {
			continue
		}
		if blob.ModTime.After(cutoff) {
			continue
		}

		if err := s.Blobs.Delete(ctx, blob.Name); err != nil && !errors.Is(err, storage.ErrObjectNotFound) {
			log.WithError(err).WithField("path", blob.Name).Warn("Failed to delete orphan blob")
			continue
		}
		log.WithField("path", blob.Name).Debug("Deleted orphan blob")
		result.OrphansSwept++
	}
}
