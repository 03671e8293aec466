package store

import (
	"fmt"
	"time"
)

// AppendAudit writes one audit record. Audit is append-only; failures are
// reported but callers typically log and continue.
func (s *Store) AppendAudit(e *AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e.CreatedAt = time.Now()
	res, err := s.db.Exec(`INSERT INTO audit
		(user_id, action, object_type, object_id, detail, remote_addr, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.UserID, e.Action, e.ObjectType, e.ObjectID, e.Detail, e.RemoteAddr,
		toMillis(e.CreatedAt))
	if err != nil {
		return fmt.Errorf("store: append audit: %w", err)
	}
	e.ID, _ = res.LastInsertId()
	return nil
}

// ListAudit returns audit entries newest first.
func (s *Store) ListAudit(limit, offset int) ([]*AuditEntry, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	rows, err := s.db.Query(`SELECT id, user_id, action, object_type, object_id,
		detail, remote_addr, created_at FROM audit
		ORDER BY id DESC LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("store: list audit: %w", err)
	}
	defer rows.Close()

	var entries []*AuditEntry
	for rows.Next() {
		var (
			e  AuditEntry
			ms int64
		)
		if err := rows.Scan(&e.ID, &e.UserID, &e.Action, &e.ObjectType,
			&e.ObjectID, &e.Detail, &e.RemoteAddr, &ms); err != nil {
			return nil, fmt.Errorf("store: scan audit: %w", err)
		}
		e.CreatedAt = fromMillis(ms)
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}
