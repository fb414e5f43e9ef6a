package cache

import (
	"crypto/md5"
	"encoding/hex"
	"strings"
)

// Key derives the cache filename for a source reference. Local references
// hash only their final path segment; remote references hash the full URL,
// minus its query string when stripQuery is set. The key depends only on
// the reference string, never on content.
func Key(reference string, local, stripQuery bool, length int) string {
	hashable := reference
	if local {
		if i := strings.LastIndex(reference, "/"); i >= 0 {
			hashable = reference[i+1:]
		}
	} else if stripQuery {
		if i := strings.IndexByte(reference, '?'); i >= 0 {
			hashable = reference[:i]
		}
	}

	sum := md5.Sum([]byte(hashable))
	key := hex.EncodeToString(sum[:])
	if length > 0 && length < len(key) {
		key = key[:length]
	}
	return key
}
