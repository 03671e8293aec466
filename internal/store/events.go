package store

import (
	"fmt"
	"time"
)

// AppendEvent inserts an event and returns the server-assigned id. The
// writer lock is held across insert and LastInsertId so the returned id is
// the one a subsequent reader observes — this is what makes the event tail
// gap-free for pollers.
func (s *Store) AppendEvent(runID, eventType, data string, sequence int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`INSERT INTO events (run_id, type, data, sequence, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		runID, eventType, data, sequence, toMillis(time.Now()))
	if err != nil {
		return 0, fmt.Errorf("store: append event: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("store: append event id: %w", err)
	}
	return id, nil
}

// ListEvents returns events for a run with id > after, ordered by id ASC,
// capped at limit (default 500, max 1000).
func (s *Store) ListEvents(runID string, after int64, limit int) ([]*Event, error) {
	if limit <= 0 || limit > 1000 {
		limit = 500
	}
	rows, err := s.db.Query(`SELECT id, run_id, type, data, sequence, created_at
		FROM events WHERE run_id = ? AND id > ? ORDER BY id ASC LIMIT ?`,
		runID, after, limit)
	if err != nil {
		return nil, fmt.Errorf("store: list events: %w", err)
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		var (
			e  Event
			ms int64
		)
		if err := rows.Scan(&e.ID, &e.RunID, &e.Type, &e.Data, &e.Sequence, &ms); err != nil {
			return nil, fmt.Errorf("store: scan event: %w", err)
		}
		e.CreatedAt = fromMillis(ms)
		events = append(events, &e)
	}
	return events, rows.Err()
}

// ListRecentEvents returns the last n events for a run in ascending id
// order. Used by the resume endpoint.
func (s *Store) ListRecentEvents(runID string, n int) ([]*Event, error) {
	if n <= 0 {
		n = 50
	}
	rows, err := s.db.Query(`SELECT id, run_id, type, data, sequence, created_at FROM (
			SELECT id, run_id, type, data, sequence, created_at
			FROM events WHERE run_id = ? ORDER BY id DESC LIMIT ?
		) ORDER BY id ASC`, runID, n)
	if err != nil {
		return nil, fmt.Errorf("store: recent events: %w", err)
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		var (
			e  Event
			ms int64
		)
		if err := rows.Scan(&e.ID, &e.RunID, &e.Type, &e.Data, &e.Sequence, &ms); err != nil {
			return nil, fmt.Errorf("store: scan event: %w", err)
		}
		e.CreatedAt = fromMillis(ms)
		events = append(events, &e)
	}
	return events, rows.Err()
}
