package store

import (
	"fmt"
	"time"

	"github.com/agentmux/agentmux/internal/signing"
)

// InsertNonce records a nonce atomically, returning false when it was
// already present. Implements signing.NonceStore. Stale rows past twice
// the replay window are evicted opportunistically on insert.
func (s *Store) InsertNonce(value string, seenAt time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`INSERT OR IGNORE INTO nonces (value, seen_at) VALUES (?, ?)`,
		value, toMillis(seenAt))
	if err != nil {
		return false, fmt.Errorf("store: insert nonce: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("store: insert nonce: %w", err)
	}

	cutoff := seenAt.Add(-2 * signing.MaxClockSkew)
	_, _ = s.db.Exec(`DELETE FROM nonces WHERE seen_at < ?`, toMillis(cutoff))

	return n > 0, nil
}

var _ signing.NonceStore = (*Store)(nil)
