package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// CreateUser inserts a UI account. The password hash is bcrypt, computed
// by the caller.
func (s *Store) CreateUser(u *User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	u.CreatedAt = time.Now()
	_, err := s.db.Exec(`INSERT INTO users (id, username, password_hash, role, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		u.ID, u.Username, u.PasswordHash, u.Role, toMillis(u.CreatedAt))
	if err != nil {
		return fmt.Errorf("store: create user: %w", err)
	}
	return nil
}

// GetUserByUsername fetches a user for login.
func (s *Store) GetUserByUsername(username string) (*User, error) {
	var (
		u  User
		ms int64
	)
	err := s.db.QueryRow(`SELECT id, username, password_hash, role, created_at
		FROM users WHERE username = ?`, username).
		Scan(&u.ID, &u.Username, &u.PasswordHash, &u.Role, &ms)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get user: %w", err)
	}
	u.CreatedAt = fromMillis(ms)
	return &u, nil
}

// CountUsers reports how many accounts exist (bootstrap check).
func (s *Store) CountUsers() (int, error) {
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM users`).Scan(&n); err != nil {
		return 0, fmt.Errorf("store: count users: %w", err)
	}
	return n, nil
}

// CreateSession stores a session keyed by token hash.
func (s *Store) CreateSession(sess *Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`INSERT INTO sessions (id, user_id, expires_at) VALUES (?, ?, ?)`,
		sess.ID, sess.UserID, toMillis(sess.ExpiresAt))
	if err != nil {
		return fmt.Errorf("store: create session: %w", err)
	}
	return nil
}

// GetSessionUser resolves a live session (by token hash) to its user.
// Expired sessions are treated as missing and deleted opportunistically.
func (s *Store) GetSessionUser(sessionID string, now time.Time) (*User, error) {
	var (
		u         User
		expires   int64
		createdAt int64
	)
	err := s.db.QueryRow(`SELECT u.id, u.username, u.password_hash, u.role,
		u.created_at, se.expires_at
		FROM sessions se JOIN users u ON u.id = se.user_id
		WHERE se.id = ?`, sessionID).
		Scan(&u.ID, &u.Username, &u.PasswordHash, &u.Role, &createdAt, &expires)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get session: %w", err)
	}
	if fromMillis(expires).Before(now) {
		_ = s.DeleteSession(sessionID)
		return nil, ErrNotFound
	}
	u.CreatedAt = fromMillis(createdAt)
	return &u, nil
}

// ExtendSession slides a session's expiry forward.
func (s *Store) ExtendSession(sessionID string, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`UPDATE sessions SET expires_at = ? WHERE id = ?`,
		toMillis(expiresAt), sessionID)
	if err != nil {
		return fmt.Errorf("store: extend session: %w", err)
	}
	return nil
}

// DeleteSession removes a session (logout). Missing rows are not an error.
func (s *Store) DeleteSession(sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.db.Exec(`DELETE FROM sessions WHERE id = ?`, sessionID); err != nil {
		return fmt.Errorf("store: delete session: %w", err)
	}
	return nil
}
