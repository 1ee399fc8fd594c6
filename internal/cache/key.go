package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// hashSearchParams grounds the search cache key on caching.go's hashPrompt:
// SHA-256 over a normalized, delimiter-joined parameter tuple.
func hashSearchParams(name, title, state string, requestedCount int) string {
	normalized := strings.ToLower(strings.TrimSpace(name)) + "|" +
		strings.ToLower(strings.TrimSpace(title)) + "|" +
		strings.ToLower(strings.TrimSpace(state)) + "|" +
		fmt.Sprintf("%d", requestedCount)
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])
}
