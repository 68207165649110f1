package shard

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// MarkerFile records the shard count of a data directory
const MarkerFile = "SHARDS"

// ErrShardCountMismatch is returned when a data directory was created with a
// different shard count. Keys would route to the wrong shards.
var ErrShardCountMismatch = errors.New("shard count does not match data directory")

// CheckMarker verifies the shard count recorded in dataDir, writing it on
// first use.
func CheckMarker(dataDir string, count int) error {
	path := filepath.Join(dataDir, MarkerFile)

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		if err := os.MkdirAll(dataDir, 0755); err != nil {
			return fmt.Errorf("failed to create data directory: %w", err)
		}
		tmp := path + ".tmp"
		if err := os.WriteFile(tmp, []byte(strconv.Itoa(count)+"\n"), 0644); err != nil {
			return fmt.Errorf("failed to write shard marker: %w", err)
		}
		if err := os.Rename(tmp, path); err != nil {
			os.Remove(tmp)
			return fmt.Errorf("failed to write shard marker: %w", err)
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read shard marker: %w", err)
	}

	recorded, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return fmt.Errorf("corrupt shard marker %s: %w", path, err)
	}
	if recorded != count {
		return fmt.Errorf("%w: directory has %d shards, configured %d", ErrShardCountMismatch, recorded, count)
	}
	return nil
}
