package storage

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
)

// Recover finishes or discards temp files left behind by writes that were
// interrupted before their rename. It must run before the shard serves
// requests; on a clean directory it does nothing.
//
// A temp file whose target exists is discarded. A temp file whose target is
// missing is renamed into place; no committed entry can reference it, so the
// orphan sweep reclaims it later if nothing claims it.
func (fs *FilesystemBackend) Recover(ctx context.Context) (RecoveryStats, error) {
	var stats RecoveryStats

	entries, err := os.ReadDir(fs.rootPath)
	if err != nil {
		return stats, NewErrorWithCause("ReadDirectory", "Failed to read directory", err)
	}

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), tempSuffix) {
			continue
		}
		stats.TempFilesFound++

		tempPath := filepath.Join(fs.rootPath, entry.Name())
		targetPath := strings.TrimSuffix(tempPath, tempSuffix)
		log := fs.logger.WithFields(logrus.Fields{
			"temp":   tempPath,
			"target": targetPath,
		})

		if _, err := os.Stat(targetPath); err == nil {
			if err := os.Remove(tempPath); err != nil && !os.IsNotExist(err) {
				log.WithError(err).Warn("Failed to discard leftover temp file")
				stats.Failed++
				continue
			}
			log.Debug("Discarded temp file of a completed write")
			stats.Discarded++
			continue
		}

		if err := os.Rename(tempPath, targetPath); err != nil {
			log.WithError(err).Warn("Failed to complete interrupted write")
			stats.Failed++
			continue
		}
		log.Debug("Completed interrupted write")
		stats.Completed++
	}

	if stats.TempFilesFound > 0 {
		fs.syncDir()
		fs.logger.WithFields(logrus.Fields{
			"root":      fs.rootPath,
			"found":     stats.TempFilesFound,
			"discarded": stats.Discarded,
			"completed": stats.Completed,
			"failed":    stats.Failed,
		}).Info("Recovered blob directory")
	}

	return stats, nil
}
