package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// UpsertRunState writes the wrapper's resume state with COALESCE
// semantics: nil fields preserve whatever was previously stored.
func (s *Store) UpsertRunState(runID string, workingDir, originalCommand *string,
	lastSequence *int64, stdinBuffer, environment *string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`INSERT INTO run_state
		(run_id, working_dir, original_command, last_sequence, stdin_buffer, environment, updated_at)
		VALUES (?, COALESCE(?, ''), COALESCE(?, ''), COALESCE(?, 0), COALESCE(?, ''), COALESCE(?, ''), ?)
		ON CONFLICT(run_id) DO UPDATE SET
			working_dir      = COALESCE(?, working_dir),
			original_command = COALESCE(?, original_command),
			last_sequence    = COALESCE(?, last_sequence),
			stdin_buffer     = COALESCE(?, stdin_buffer),
			environment      = COALESCE(?, environment),
			updated_at       = ?`,
		runID, workingDir, originalCommand, lastSequence, stdinBuffer, environment,
		toMillis(time.Now()),
		workingDir, originalCommand, lastSequence, stdinBuffer, environment,
		toMillis(time.Now()))
	if err != nil {
		return fmt.Errorf("store: upsert run state: %w", err)
	}
	return nil
}

// GetRunState fetches the resume state for a run, or ErrNotFound when the
// wrapper never heartbeated.
func (s *Store) GetRunState(runID string) (*RunState, error) {
	var (
		rs RunState
		ms int64
	)
	err := s.db.QueryRow(`SELECT run_id, working_dir, original_command,
		last_sequence, stdin_buffer, environment, updated_at
		FROM run_state WHERE run_id = ?`, runID).
		Scan(&rs.RunID, &rs.WorkingDir, &rs.OriginalCommand, &rs.LastSequence,
			&rs.StdinBuffer, &rs.Environment, &ms)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get run state: %w", err)
	}
	rs.UpdatedAt = fromMillis(ms)
	return &rs, nil
}
