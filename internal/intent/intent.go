// Package intent derives the stable key that identifies one logical
// execution intent. Locking and idempotency both key off the same hash so
// their views of "the same request" always agree.
package intent

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"relay/internal/domain"
)

const keyLen = 16

// Key hashes the normalized {issueID, step, mode, actorID} tuple. The hash
// is deterministic but not reversible; it is truncated for storage
// efficiency. An empty step normalizes to "default" and an empty actor is
// allowed for actor-agnostic idempotency lookups.
func Key(issueID string, step domain.Step, mode domain.Mode, actorID string) string {
	s := string(step)
	if s == "" {
		s = "default"
	}
	parts := []string{
		strings.TrimSpace(issueID),
		s,
		string(mode),
		strings.TrimSpace(actorID),
	}
	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:])[:keyLen]
}
