package metadata

import "errors"

// Common errors
var (
	ErrNotFound      = errors.New("key not found")
	ErrInvalidKey    = errors.New("invalid key")
	ErrDuplicatePath = errors.New("path already recorded")
	ErrStoreClosed   = errors.New("metadata store is closed")
)

// Status is the lifecycle state of an entry. Transitions only move forward:
// Updating to Committed, and Updating or Committed to Removed.
type Status string

const (
	StatusUpdating  Status = "UPDATING"
	StatusCommitted Status = "COMMITTED"
	StatusRemoved   Status = "REMOVED"
)

// Valid reports whether s is a known status
func (s Status) Valid() bool {
	switch s {
	case StatusUpdating, StatusCommitted, StatusRemoved:
		return true
	}
	return false
}

// Entry is one recorded version of a key
type Entry struct {
	ID        int64  `json:"id"`
	Key       string `json:"key"`
	Timestamp int64  `json:"as_at"` // unix nanoseconds
	Path      string `json:"path"`
	Status    Status `json:"status"`
}

// newerThan orders committed versions: greater timestamp wins, ties go to
// the greater id.
func (e *Entry) newerThan(other *Entry) bool {
	if e.Timestamp != other.Timestamp {
		return e.Timestamp > other.Timestamp
	}
	return e.ID > other.ID
}

// EntryStats counts entries per status
type EntryStats struct {
	Updating  int64 `json:"updating"`
	Committed int64 `json:"committed"`
	Removed   int64 `json:"removed"`
}

// Total returns the number of rows in the store
func (s EntryStats) Total() int64 {
	return s.Updating + s.Committed + s.Removed
}
