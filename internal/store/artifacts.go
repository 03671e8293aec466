package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// CreateArtifact records an uploaded artifact. The file is already on disk
// when this row is written; upload failures never leave a row behind.
func (s *Store) CreateArtifact(a *Artifact) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a.CreatedAt = time.Now()
	_, err := s.db.Exec(`INSERT INTO artifacts (id, run_id, name, type, size, path, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.RunID, a.Name, a.Type, a.Size, a.Path, toMillis(a.CreatedAt))
	if err != nil {
		return fmt.Errorf("store: create artifact: %w", err)
	}
	return nil
}

// GetArtifact fetches one artifact by id.
func (s *Store) GetArtifact(id string) (*Artifact, error) {
	row := s.db.QueryRow(`SELECT id, run_id, name, type, size, path, created_at
		FROM artifacts WHERE id = ?`, id)
	return scanArtifact(row)
}

// ListArtifacts returns a run's artifacts, newest first.
func (s *Store) ListArtifacts(runID string) ([]*Artifact, error) {
	rows, err := s.db.Query(`SELECT id, run_id, name, type, size, path, created_at
		FROM artifacts WHERE run_id = ? ORDER BY created_at DESC, id DESC`, runID)
	if err != nil {
		return nil, fmt.Errorf("store: list artifacts: %w", err)
	}
	defer rows.Close()

	var artifacts []*Artifact
	for rows.Next() {
		a, err := scanArtifact(rows)
		if err != nil {
			return nil, err
		}
		artifacts = append(artifacts, a)
	}
	return artifacts, rows.Err()
}

// DeleteArtifact removes the row. The caller removes the file first.
func (s *Store) DeleteArtifact(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.Exec(`DELETE FROM artifacts WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("store: delete artifact: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func scanArtifact(row rowScanner) (*Artifact, error) {
	var (
		a  Artifact
		ms int64
	)
	err := row.Scan(&a.ID, &a.RunID, &a.Name, &a.Type, &a.Size, &a.Path, &ms)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: scan artifact: %w", err)
	}
	a.CreatedAt = fromMillis(ms)
	return &a, nil
}
