package shard

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/maxiofs/shardkv/internal/metadata"
	"github.com/maxiofs/shardkv/internal/storage"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/sirupsen/logrus"
)

const (
	dataSubdir = "data"
	metaSubdir = "meta"
)

// Shard pairs one blob directory with the metadata store that decides which
// of its blobs are live
type Shard struct {
	Index int
	Dir   string
	Blobs storage.Backend
	Meta  metadata.Store

	logger *logrus.Logger
}

// Options configures a shard
type Options struct {
	Index           int
	Dir             string
	MetadataBackend string
	MetadataSync    bool
	StorageSync     bool
	Logger          *logrus.Logger
}

// Stats describes the on-disk state of a shard
type Stats struct {
	Index     int                 `json:"index"`
	Dir       string              `json:"dir"`
	Entries   metadata.EntryStats `json:"entries"`
	Blobs     int                 `json:"blobs"`
	BlobBytes int64               `json:"blob_bytes"`
	DiskTotal uint64              `json:"disk_total"`
	DiskFree  uint64              `json:"disk_free"`
}

// Open prepares the shard directory, recovers interrupted blob writes and
// initializes the metadata store. Any failure here must stop engine startup.
func Open(ctx context.Context, opts Options) (*Shard, error) {
	logger := opts.Logger
	if logger == nil {
		logger = logrus.New()
	}

	if err := os.MkdirAll(opts.Dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create shard directory: %w", err)
	}

	blobs, err := storage.NewFilesystemBackend(storage.Config{
		Root:       filepath.Join(opts.Dir, dataSubdir),
		SyncWrites: opts.StorageSync,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("shard %d: failed to open blob store: %w", opts.Index, err)
	}

	if _, err := blobs.Recover(ctx); err != nil {
		return nil, fmt.Errorf("shard %d: failed to recover blob store: %w", opts.Index, err)
	}

	meta, err := metadata.Open(metadata.Options{
		Backend:    opts.MetadataBackend,
		Dir:        filepath.Join(opts.Dir, metaSubdir),
		SyncWrites: opts.MetadataSync,
		Logger:     logger,
	})
	if err != nil {
		return nil, fmt.Errorf("shard %d: failed to open metadata store: %w", opts.Index, err)
	}

	if err := meta.Init(ctx); err != nil {
		meta.Close()
		return nil, fmt.Errorf("shard %d: failed to initialize metadata store: %w", opts.Index, err)
	}

	logger.WithFields(logrus.Fields{
		"shard": opts.Index,
		"dir":   opts.Dir,
	}).Debug("Shard opened")

	return &Shard{
		Index:  opts.Index,
		Dir:    opts.Dir,
		Blobs:  blobs,
		Meta:   meta,
		logger: logger,
	}, nil
}

// Stats gathers entry counts, blob totals and filesystem usage
func (s *Shard) Stats(ctx context.Context) (Stats, error) {
	stats := Stats{Index: s.Index, Dir: s.Dir}

	entries, err := s.Meta.Stats(ctx)
	if err != nil {
		return stats, fmt.Errorf("shard %d: %w", s.Index, err)
	}
	stats.Entries = entries

	blobs, err := s.Blobs.List(ctx)
	if err != nil {
		return stats, fmt.Errorf("shard %d: %w", s.Index, err)
	}
	stats.Blobs = len(blobs)
	for _, b := range blobs {
		stats.BlobBytes += b.Size
	}

	usage, err := disk.UsageWithContext(ctx, s.Dir)
	if err != nil {
		s.logger.WithError(err).WithField("shard", s.Index).Debug("Failed to read disk usage")
	} else {
		stats.DiskTotal = usage.Total
		stats.DiskFree = usage.Free
	}

	return stats, nil
}

// Close releases the shard's stores
func (s *Shard) Close() error {
	var firstErr error
	if err := s.Meta.Close(); err != nil {
		firstErr = err
	}
	if err := s.Blobs.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
