package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// CreateCommand enqueues a command for a run.
func (s *Store) CreateCommand(c *Command) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c.Status = CommandPending
	c.CreatedAt = time.Now()
	_, err := s.db.Exec(`INSERT INTO commands (id, run_id, command, status, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		c.ID, c.RunID, c.Command, c.Status, toMillis(c.CreatedAt))
	if err != nil {
		return fmt.Errorf("store: create command: %w", err)
	}
	return nil
}

// GetCommand fetches one command by id.
func (s *Store) GetCommand(id string) (*Command, error) {
	row := s.db.QueryRow(`SELECT id, run_id, command, status, result, error,
		created_at, acked_at FROM commands WHERE id = ?`, id)
	return scanCommand(row)
}

// PendingCommands returns a run's pending commands ordered by created_at
// ASC, oldest first.
func (s *Store) PendingCommands(runID string) ([]*Command, error) {
	rows, err := s.db.Query(`SELECT id, run_id, command, status, result, error,
		created_at, acked_at FROM commands
		WHERE run_id = ? AND status = ? ORDER BY created_at ASC, id ASC`,
		runID, CommandPending)
	if err != nil {
		return nil, fmt.Errorf("store: pending commands: %w", err)
	}
	defer rows.Close()

	var cmds []*Command
	for rows.Next() {
		c, err := scanCommand(rows)
		if err != nil {
			return nil, err
		}
		cmds = append(cmds, c)
	}
	return cmds, rows.Err()
}

// HasPendingCommand reports whether a run already has a pending command
// with the exact given text. Used to debounce __STOP__ at enqueue time.
func (s *Store) HasPendingCommand(runID, command string) (bool, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM commands
		WHERE run_id = ? AND status = ? AND command = ?`,
		runID, CommandPending, command).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("store: has pending command: %w", err)
	}
	return n > 0, nil
}

// AckCommand marks a command completed. Idempotent: only the first ack
// writes; retries report alreadyAcked=true and change nothing.
func (s *Store) AckCommand(id, result, errMsg string) (alreadyAcked bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`UPDATE commands SET status = ?, result = ?, error = ?, acked_at = ?
		WHERE id = ? AND status = ?`,
		CommandCompleted, result, errMsg, toMillis(time.Now()), id, CommandPending)
	if err != nil {
		return false, fmt.Errorf("store: ack command: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		return false, nil
	}

	// Nothing updated: distinguish "already completed" from "no such row".
	var status string
	err = s.db.QueryRow(`SELECT status FROM commands WHERE id = ?`, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return false, ErrNotFound
	}
	if err != nil {
		return false, fmt.Errorf("store: ack command lookup: %w", err)
	}
	return true, nil
}

func scanCommand(row rowScanner) (*Command, error) {
	var (
		c         Command
		createdAt int64
		ackedAt   sql.NullInt64
	)
	err := row.Scan(&c.ID, &c.RunID, &c.Command, &c.Status, &c.Result, &c.Error,
		&createdAt, &ackedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: scan command: %w", err)
	}
	c.CreatedAt = fromMillis(createdAt)
	c.AckedAt = fromMillisPtr(ackedAt)
	return &c, nil
}
