package runner

import (
	"fmt"
	"sync"
	"time"

	"go.etcd.io/bbolt"
)

// processedTTL is the de-duplication window for dispatched commands.
const processedTTL = 30 * time.Minute

var processedBucket = []byte("processed_commands")

// ProcessedSet remembers which command ids have already been dispatched.
// Entries live in memory for the TTL and are persisted to bbolt so a
// supervisor restart inside the window does not re-execute commands.
type ProcessedSet struct {
	mu   sync.Mutex
	seen map[string]time.Time
	db   *bbolt.DB
	ttl  time.Duration
}

// OpenProcessedSet opens (or creates) the bbolt file and loads entries
// still inside the window.
func OpenProcessedSet(path string) (*ProcessedSet, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("runner: open processed set: %w", err)
	}

	ps := &ProcessedSet{
		seen: make(map[string]time.Time),
		db:   db,
		ttl:  processedTTL,
	}

	now := time.Now()
	err = db.Update(func(tx *bbolt.Tx) error {
		bucket, err := tx.CreateBucketIfNotExists(processedBucket)
		if err != nil {
			return err
		}
		var expired [][]byte
		if err := bucket.ForEach(func(k, v []byte) error {
			var at time.Time
			if err := at.UnmarshalBinary(v); err != nil || now.Sub(at) > ps.ttl {
				expired = append(expired, append([]byte(nil), k...))
				return nil
			}
			ps.seen[string(k)] = at
			return nil
		}); err != nil {
			return err
		}
		for _, k := range expired {
			if err := bucket.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("runner: load processed set: %w", err)
	}
	return ps, nil
}

// Close flushes and closes the underlying file.
func (ps *ProcessedSet) Close() error { return ps.db.Close() }

// Mark records a command id as dispatched. Returns false if the id was
// already inside the window, which is the at-most-once guard.
func (ps *ProcessedSet) Mark(id string) (bool, error) {
	now := time.Now()

	ps.mu.Lock()
	defer ps.mu.Unlock()

	if at, ok := ps.seen[id]; ok && now.Sub(at) <= ps.ttl {
		return false, nil
	}
	ps.seen[id] = now
	ps.evictLocked(now)

	err := ps.db.Update(func(tx *bbolt.Tx) error {
		v, err := now.MarshalBinary()
		if err != nil {
			return err
		}
		return tx.Bucket(processedBucket).Put([]byte(id), v)
	})
	if err != nil {
		return true, fmt.Errorf("runner: persist processed id: %w", err)
	}
	return true, nil
}

// Seen reports whether the id is inside the window without marking it.
func (ps *ProcessedSet) Seen(id string) bool {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	at, ok := ps.seen[id]
	return ok && time.Since(at) <= ps.ttl
}

func (ps *ProcessedSet) evictLocked(now time.Time) {
	for id, at := range ps.seen {
		if now.Sub(at) > ps.ttl {
			delete(ps.seen, id)
		}
	}
}
