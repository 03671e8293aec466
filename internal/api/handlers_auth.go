package api

import (
	"net/http"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/agentmux/agentmux/internal/metrics"
	"github.com/agentmux/agentmux/internal/signing"
	"github.com/agentmux/agentmux/internal/store"
)

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token     string    `json:"token"`
	Role      string    `json:"role"`
	ExpiresAt time.Time `json:"expiresAt"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Username == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "username and password required")
		return
	}

	user, err := s.store.GetUserByUsername(req.Username)
	if err != nil {
		// Burn a comparison anyway so missing users cost the same as wrong
		// passwords.
		_ = bcrypt.CompareHashAndPassword(
			[]byte("$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy"),
			[]byte(req.Password))
		metrics.AuthFailures.WithLabelValues("login").Inc()
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)) != nil {
		metrics.AuthFailures.WithLabelValues("login").Inc()
		s.audit(r, user.ID, "login_failed", "user", user.ID, "")
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	token, err := signing.NewToken(32)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server error")
		return
	}
	expires := time.Now().Add(sessionTTL)
	session := &store.Session{
		ID:        signing.HashToken(token),
		UserID:    user.ID,
		ExpiresAt: expires,
	}
	if err := s.store.CreateSession(session); err != nil {
		writeError(w, http.StatusInternalServerError, "server error")
		return
	}

	s.audit(r, user.ID, "login", "user", user.ID, "")
	writeJSON(w, http.StatusOK, loginResponse{Token: token, Role: user.Role, ExpiresAt: expires})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	user := userFrom(r)
	if err := s.store.DeleteSession(signing.HashToken(bearerToken(r))); err != nil {
		writeError(w, http.StatusInternalServerError, "server error")
		return
	}
	s.audit(r, user.ID, "logout", "user", user.ID, "")
	w.WriteHeader(http.StatusNoContent)
}
