package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

const runColumns = `id, status, command, capability_token, worker_type, model,
	autonomous, working_dir, metadata, client_id, created_at, started_at,
	finished_at, exit_code`

// CreateRun inserts a new run row. The caller supplies the id and
// capability token; CreatedAt is stamped here.
func (s *Store) CreateRun(r *Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if r.Metadata == nil {
		r.Metadata = map[string]string{}
	}
	meta, err := json.Marshal(r.Metadata)
	if err != nil {
		return fmt.Errorf("store: marshal run metadata: %w", err)
	}
	r.CreatedAt = time.Now()
	if r.Status == "" {
		r.Status = RunPending
	}

	_, err = s.db.Exec(`INSERT INTO runs
		(id, status, command, capability_token, worker_type, model, autonomous,
		 working_dir, metadata, client_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, NULLIF(?, ''), ?)`,
		r.ID, r.Status, r.Command, r.CapabilityToken, r.WorkerType, r.Model,
		boolInt(r.Autonomous), r.WorkingDir, string(meta), r.ClientID,
		toMillis(r.CreatedAt))
	if err != nil {
		return fmt.Errorf("store: create run: %w", err)
	}
	return nil
}

// GetRun fetches one run by id.
func (s *Store) GetRun(id string) (*Run, error) {
	row := s.db.QueryRow(`SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	return scanRun(row)
}

// GetRunByCapabilityToken resolves a run from its capability token.
func (s *Store) GetRunByCapabilityToken(token string) (*Run, error) {
	row := s.db.QueryRow(`SELECT `+runColumns+` FROM runs WHERE capability_token = ?`, token)
	return scanRun(row)
}

// ListRuns returns runs matching the filter ordered by created_at DESC,
// plus the unpaged total for the same filter.
func (s *Store) ListRuns(f RunFilter) ([]*Run, int, error) {
	where := []string{"1=1"}
	args := []any{}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, f.Status)
	}
	if f.Search != "" {
		where = append(where, "(id LIKE ? OR command LIKE ? OR metadata LIKE ?)")
		needle := "%" + f.Search + "%"
		args = append(args, needle, needle, needle)
	}
	cond := strings.Join(where, " AND ")

	var total int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM runs WHERE "+cond, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("store: count runs: %w", err)
	}

	limit := f.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	args = append(args, limit, f.Offset)
	rows, err := s.db.Query("SELECT "+runColumns+" FROM runs WHERE "+cond+
		" ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?", args...)
	if err != nil {
		return nil, 0, fmt.Errorf("store: list runs: %w", err)
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, 0, err
		}
		runs = append(runs, r)
	}
	return runs, total, rows.Err()
}

// MarkRunStarted transitions pending -> running and stamps started_at.
// A run already past pending is left untouched.
func (s *Store) MarkRunStarted(id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`UPDATE runs SET status = ?, started_at = ?
		WHERE id = ? AND status = ?`,
		RunRunning, toMillis(at), id, RunPending)
	if err != nil {
		return fmt.Errorf("store: mark run started: %w", err)
	}
	return nil
}

// MarkRunFinished moves a non-terminal run to its final status. Terminal
// runs are never overwritten.
func (s *Store) MarkRunFinished(id, status string, exitCode int, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`UPDATE runs SET status = ?, finished_at = ?, exit_code = ?
		WHERE id = ? AND status IN (?, ?)`,
		status, toMillis(at), exitCode, id, RunPending, RunRunning)
	if err != nil {
		return fmt.Errorf("store: mark run finished: %w", err)
	}
	return nil
}

// SetRunMetadataKey sets one metadata key on a run.
func (s *Store) SetRunMetadataKey(id, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var raw string
	if err := s.db.QueryRow(`SELECT metadata FROM runs WHERE id = ?`, id).Scan(&raw); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("store: read run metadata: %w", err)
	}
	meta := map[string]string{}
	if raw != "" {
		_ = json.Unmarshal([]byte(raw), &meta)
	}
	meta[key] = value
	out, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("store: marshal run metadata: %w", err)
	}
	if _, err := s.db.Exec(`UPDATE runs SET metadata = ? WHERE id = ?`, string(out), id); err != nil {
		return fmt.Errorf("store: update run metadata: %w", err)
	}
	return nil
}

// SetRunClient attaches a client id to a run.
func (s *Store) SetRunClient(id, clientID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`UPDATE runs SET client_id = ? WHERE id = ?`, clientID, id)
	if err != nil {
		return fmt.Errorf("store: set run client: %w", err)
	}
	return nil
}

// ClaimPendingRun atomically assigns the oldest unclaimed pending run to a
// client. Returns ErrNotFound when no run is waiting.
func (s *Store) ClaimPendingRun(clientID string) (*Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var id string
	err := s.db.QueryRow(`SELECT id FROM runs
		WHERE status = ? AND client_id IS NULL
		ORDER BY created_at ASC LIMIT 1`, RunPending).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: claim run: %w", err)
	}
	if _, err := s.db.Exec(`UPDATE runs SET client_id = ? WHERE id = ?`, clientID, id); err != nil {
		return nil, fmt.Errorf("store: claim run: %w", err)
	}
	row := s.db.QueryRow(`SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	return scanRun(row)
}

// DeleteRun removes a run; events, commands, artifacts and run_state
// cascade.
func (s *Store) DeleteRun(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.Exec(`DELETE FROM runs WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("store: delete run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*Run, error) {
	var (
		r          Run
		autonomous int
		meta       string
		clientID   sql.NullString
		createdAt  int64
		startedAt  sql.NullInt64
		finishedAt sql.NullInt64
		exitCode   sql.NullInt64
	)
	err := row.Scan(&r.ID, &r.Status, &r.Command, &r.CapabilityToken,
		&r.WorkerType, &r.Model, &autonomous, &r.WorkingDir, &meta,
		&clientID, &createdAt, &startedAt, &finishedAt, &exitCode)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: scan run: %w", err)
	}

	r.Autonomous = autonomous != 0
	r.ClientID = clientID.String
	r.Metadata = map[string]string{}
	_ = json.Unmarshal([]byte(meta), &r.Metadata)
	r.CreatedAt = fromMillis(createdAt)
	r.StartedAt = fromMillisPtr(startedAt)
	r.FinishedAt = fromMillisPtr(finishedAt)
	if exitCode.Valid {
		code := int(exitCode.Int64)
		r.ExitCode = &code
	}
	return &r, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
