package api

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/agentmux/agentmux/internal/metrics"
	"github.com/agentmux/agentmux/internal/signing"
	"github.com/agentmux/agentmux/internal/store"
)

type ctxKey int

const (
	ctxUser ctxKey = iota
	ctxRun
	ctxClient
)

// sessionTTL is the sliding UI session lifetime.
const sessionTTL = 24 * time.Hour

func userFrom(r *http.Request) *store.User {
	u, _ := r.Context().Value(ctxUser).(*store.User)
	return u
}

func runFrom(r *http.Request) *store.Run {
	run, _ := r.Context().Value(ctxRun).(*store.Run)
	return run
}

func clientFrom(r *http.Request) *store.Client {
	c, _ := r.Context().Value(ctxClient).(*store.Client)
	return c
}

// bearerToken extracts the UI session token from the Authorization header,
// or from the token query parameter for WebSocket upgrades where browsers
// cannot set headers.
func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return r.URL.Query().Get("token")
}

// withUser authenticates a UI session and optionally gates on role. With no
// roles listed, any authenticated user passes.
func (s *Server) withUser(next http.HandlerFunc, roles ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			metrics.AuthFailures.WithLabelValues("session").Inc()
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		sessionID := signing.HashToken(token)
		user, err := s.store.GetSessionUser(sessionID, time.Now())
		if err != nil {
			metrics.AuthFailures.WithLabelValues("session").Inc()
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}

		if len(roles) > 0 && !roleAllowed(user.Role, roles) {
			writeError(w, http.StatusForbidden, "insufficient role")
			return
		}

		// Sliding expiry; best effort.
		_ = s.store.ExtendSession(sessionID, time.Now().Add(sessionTTL))

		next(w, r.WithContext(context.WithValue(r.Context(), ctxUser, user)))
	}
}

func roleAllowed(role string, allowed []string) bool {
	for _, a := range allowed {
		if role == a {
			return true
		}
	}
	return false
}

// withWrapper authenticates a signed wrapper request bound to a run. The
// body is buffered (capped at maxBody) so the signature can cover it, then
// restored for the handler. Capability mismatch is rejected before the
// nonce is burned so a forged request leaves no trace beyond the audit row.
func (s *Server) withWrapper(maxBody int64, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(io.LimitReader(r.Body, maxBody+1))
		if err != nil {
			writeError(w, http.StatusBadRequest, "read body")
			return
		}
		if int64(len(body)) > maxBody {
			writeError(w, http.StatusRequestEntityTooLarge, "body too large")
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))

		runID := r.Header.Get(signing.HeaderRunID)
		if runID == "" {
			metrics.AuthFailures.WithLabelValues("wrapper").Inc()
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		run, err := s.store.GetRun(runID)
		if err != nil {
			writeError(w, http.StatusNotFound, "run not found")
			return
		}

		capToken := r.Header.Get(signing.HeaderCapabilityToken)
		if !signing.TokensEqual(run.CapabilityToken, capToken) {
			metrics.AuthFailures.WithLabelValues("capability").Inc()
			s.audit(r, "", "capability_rejected", "run", runID, "")
			writeError(w, http.StatusForbidden, "forbidden")
			return
		}

		if !s.limiter.Allow(runID) {
			w.Header().Set("Retry-After", "60")
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}

		if err := s.verifySignature(r, body, runID, capToken); err != nil {
			if errors.Is(err, signing.ErrReplay) {
				s.audit(r, "", "replay_rejected", "run", runID, "")
			}
			metrics.AuthFailures.WithLabelValues("wrapper").Inc()
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}

		next(w, r.WithContext(context.WithValue(r.Context(), ctxRun, run)))
	}
}

// withClient authenticates a signed request carrying a client token, for
// routes not bound to a run (register, claim, heartbeat).
func (s *Server) withClient(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
		if err != nil {
			writeError(w, http.StatusBadRequest, "read body")
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))

		token := r.Header.Get(signing.HeaderClientToken)
		if token == "" {
			metrics.AuthFailures.WithLabelValues("client").Inc()
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		client, err := s.store.GetClientByTokenHash(signing.HashToken(token))
		if err != nil {
			metrics.AuthFailures.WithLabelValues("client").Inc()
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}

		if err := s.verifySignature(r, body, r.Header.Get(signing.HeaderRunID),
			r.Header.Get(signing.HeaderCapabilityToken)); err != nil {
			if errors.Is(err, signing.ErrReplay) {
				s.audit(r, "", "replay_rejected", "client", client.ID, "")
			}
			metrics.AuthFailures.WithLabelValues("client").Inc()
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}

		next(w, r.WithContext(context.WithValue(r.Context(), ctxClient, client)))
	}
}

func (s *Server) verifySignature(r *http.Request, body []byte, runID, capToken string) error {
	req := &signing.Request{
		Method:          r.Method,
		Path:            r.URL.Path,
		Body:            body,
		Timestamp:       r.Header.Get(signing.HeaderTimestamp),
		Nonce:           r.Header.Get(signing.HeaderNonce),
		RunID:           runID,
		CapabilityToken: capToken,
	}
	return s.signer.Verify(req, r.Header.Get(signing.HeaderSignature), s.store, time.Now())
}

// audit appends an audit row, best effort. userID may be empty for wrapper
// surfaces.
func (s *Server) audit(r *http.Request, userID, action, objectType, objectID, detail string) {
	entry := &store.AuditEntry{
		UserID:     userID,
		Action:     action,
		ObjectType: objectType,
		ObjectID:   objectID,
		Detail:     detail,
		RemoteAddr: r.RemoteAddr,
	}
	if err := s.store.AppendAudit(entry); err != nil {
		s.log.Warn().Err(err).Str("action", action).Msg("audit append failed")
	}
}
