package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Client liveness states, derived from last_seen_at at read time.
const (
	ClientOnline   = "online"
	ClientDegraded = "degraded"
	ClientOffline  = "offline"
)

// Liveness thresholds relative to the default 10s wrapper heartbeat.
const (
	clientOnlineWindow   = 90 * time.Second
	clientDegradedWindow = 300 * time.Second
)

// CreateClient inserts a client. The token hash must be precomputed; the
// plaintext token is never stored.
func (s *Store) CreateClient(c *Client) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if c.Capabilities == nil {
		c.Capabilities = []string{}
	}
	caps, err := json.Marshal(c.Capabilities)
	if err != nil {
		return fmt.Errorf("store: marshal capabilities: %w", err)
	}
	c.CreatedAt = time.Now()
	_, err = s.db.Exec(`INSERT INTO clients (id, display_name, agent_id, token_hash,
		version, capabilities, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.DisplayName, c.AgentID, c.TokenHash, c.Version, string(caps),
		toMillis(c.CreatedAt))
	if err != nil {
		return fmt.Errorf("store: create client: %w", err)
	}
	return nil
}

// GetClient fetches one client by id.
func (s *Store) GetClient(id string) (*Client, error) {
	row := s.db.QueryRow(`SELECT id, display_name, agent_id, token_hash, version,
		capabilities, last_seen_at, created_at FROM clients WHERE id = ?`, id)
	return scanClient(row, time.Now())
}

// GetClientByTokenHash resolves a client from the SHA-256 of its token.
func (s *Store) GetClientByTokenHash(hash string) (*Client, error) {
	row := s.db.QueryRow(`SELECT id, display_name, agent_id, token_hash, version,
		capabilities, last_seen_at, created_at FROM clients WHERE token_hash = ?`, hash)
	return scanClient(row, time.Now())
}

// ListClients returns all clients ordered by display name.
func (s *Store) ListClients() ([]*Client, error) {
	rows, err := s.db.Query(`SELECT id, display_name, agent_id, token_hash, version,
		capabilities, last_seen_at, created_at FROM clients ORDER BY display_name ASC`)
	if err != nil {
		return nil, fmt.Errorf("store: list clients: %w", err)
	}
	defer rows.Close()

	now := time.Now()
	var clients []*Client
	for rows.Next() {
		c, err := scanClient(rows, now)
		if err != nil {
			return nil, err
		}
		clients = append(clients, c)
	}
	return clients, rows.Err()
}

// UpdateClientToken replaces a client's token hash (rotation).
func (s *Store) UpdateClientToken(id, tokenHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.Exec(`UPDATE clients SET token_hash = ? WHERE id = ?`, tokenHash, id)
	if err != nil {
		return fmt.Errorf("store: update client token: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// TouchClient advances last_seen_at and optionally updates the agent id,
// version, and capability set reported by the wrapper.
func (s *Store) TouchClient(id, agentID, version string, capabilities []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	caps := ""
	if capabilities != nil {
		raw, err := json.Marshal(capabilities)
		if err != nil {
			return fmt.Errorf("store: marshal capabilities: %w", err)
		}
		caps = string(raw)
	}
	_, err := s.db.Exec(`UPDATE clients SET
		last_seen_at = ?,
		agent_id = COALESCE(NULLIF(?, ''), agent_id),
		version = COALESCE(NULLIF(?, ''), version),
		capabilities = COALESCE(NULLIF(?, ''), capabilities)
		WHERE id = ?`,
		toMillis(time.Now()), agentID, version, caps, id)
	if err != nil {
		return fmt.Errorf("store: touch client: %w", err)
	}
	return nil
}

// DeleteClient removes a client.
func (s *Store) DeleteClient(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.Exec(`DELETE FROM clients WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("store: delete client: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func scanClient(row rowScanner, now time.Time) (*Client, error) {
	var (
		c         Client
		agentID   sql.NullString
		version   sql.NullString
		caps      string
		lastSeen  sql.NullInt64
		createdAt int64
	)
	err := row.Scan(&c.ID, &c.DisplayName, &agentID, &c.TokenHash, &version,
		&caps, &lastSeen, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: scan client: %w", err)
	}
	c.AgentID = agentID.String
	c.Version = version.String
	c.Capabilities = []string{}
	_ = json.Unmarshal([]byte(caps), &c.Capabilities)
	c.LastSeenAt = fromMillisPtr(lastSeen)
	c.CreatedAt = fromMillis(createdAt)
	c.Status = clientLiveness(c.LastSeenAt, now)
	return &c, nil
}

func clientLiveness(lastSeen *time.Time, now time.Time) string {
	if lastSeen == nil {
		return ClientOffline
	}
	age := now.Sub(*lastSeen)
	switch {
	case age <= clientOnlineWindow:
		return ClientOnline
	case age <= clientDegradedWindow:
		return ClientDegraded
	default:
		return ClientOffline
	}
}
