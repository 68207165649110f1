package engine

import (
	"net/url"
	"strings"

	"github.com/google/uuid"
)

const (
	blobSuffix = ".data"

	// Keep names well under common file name limits
	maxKeyPrefix = 100
)

// blobName returns a fresh, never reused blob name for key. The escaped key
// prefix only helps humans browsing a shard; the UUID makes it unique.
func blobName(key string) string {
	prefix := url.QueryEscape(key)
	if len(prefix) > maxKeyPrefix {
		prefix = prefix[:maxKeyPrefix]
		// Never leave a partial %XX escape at the cut
		if i := strings.LastIndexByte(prefix, '%'); i >= 0 && i >= len(prefix)-2 {
			prefix = prefix[:i]
		}
	}
	return prefix + "$" + uuid.NewString() + blobSuffix
}
