// Package api is the gateway's HTTP surface: UI session routes, signed
// wrapper ingest routes, client registration, artifacts, and the WebSocket
// endpoint.
package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/agentmux/agentmux/internal/artifacts"
	"github.com/agentmux/agentmux/internal/broker"
	"github.com/agentmux/agentmux/internal/config"
	"github.com/agentmux/agentmux/internal/hub"
	"github.com/agentmux/agentmux/internal/logging"
	"github.com/agentmux/agentmux/internal/signing"
	"github.com/agentmux/agentmux/internal/store"
)

// Server wires the broker, hub, and stores into HTTP handlers.
type Server struct {
	cfg     *config.Gateway
	store   *store.Store
	broker  *broker.Broker
	hub     *hub.Hub
	files   *artifacts.Store
	signer  *signing.Signer
	limiter *rateLimiter
	log     zerolog.Logger
}

// New creates the API server.
func New(cfg *config.Gateway, st *store.Store, bk *broker.Broker, h *hub.Hub, files *artifacts.Store) *Server {
	return &Server{
		cfg:     cfg,
		store:   st,
		broker:  bk,
		hub:     h,
		files:   files,
		signer:  signing.NewSigner(cfg.HMACSecret),
		limiter: newRateLimiter(cfg.IngestRateLimit),
		log:     logging.WithComponent("api"),
	}
}

// Close releases background resources.
func (s *Server) Close() { s.limiter.Close() }

// Router builds the full route table.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(corsMiddleware)

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/ws", s.withUser(s.hub.ServeWS)).Methods(http.MethodGet)

	a := r.PathPrefix("/api").Subrouter()

	// Sessions.
	a.HandleFunc("/auth/login", s.handleLogin).Methods(http.MethodPost)
	a.HandleFunc("/auth/logout", s.withUser(s.handleLogout)).Methods(http.MethodPost)

	admin := []string{store.RoleAdmin}
	operate := []string{store.RoleAdmin, store.RoleOperator}

	// Runs, UI side.
	a.HandleFunc("/runs", s.withUser(s.handleCreateRun, operate...)).Methods(http.MethodPost)
	a.HandleFunc("/runs", s.withUser(s.handleListRuns)).Methods(http.MethodGet)
	a.HandleFunc("/runs/{id}", s.withUser(s.handleGetRun)).Methods(http.MethodGet)
	a.HandleFunc("/runs/{id}", s.withUser(s.handleDeleteRun, admin...)).Methods(http.MethodDelete)
	a.HandleFunc("/runs/{id}/events", s.withUser(s.handleListEvents)).Methods(http.MethodGet)
	a.HandleFunc("/runs/{id}/command", s.withUser(s.handleEnqueueCommand, operate...)).Methods(http.MethodPost)
	a.HandleFunc("/runs/{id}/stop", s.withUser(s.handleStop, operate...)).Methods(http.MethodPost)
	a.HandleFunc("/runs/{id}/halt", s.withUser(s.handleHalt, operate...)).Methods(http.MethodPost)
	a.HandleFunc("/runs/{id}/escape", s.withUser(s.handleEscape, operate...)).Methods(http.MethodPost)
	a.HandleFunc("/runs/{id}/input", s.withUser(s.handleInput, operate...)).Methods(http.MethodPost)
	a.HandleFunc("/runs/{id}/restart", s.withUser(s.handleRestart, operate...)).Methods(http.MethodPost)
	a.HandleFunc("/runs/{id}/state", s.withUser(s.handleGetState)).Methods(http.MethodGet)

	// Runs, wrapper side. Signed with the run's capability token.
	a.HandleFunc("/ingest/event", s.withWrapper(1<<20, s.handleIngestEvent)).Methods(http.MethodPost)
	a.HandleFunc("/ingest/artifact", s.withWrapper(s.cfg.MaxArtifactSize+(1<<20), s.handleIngestArtifact)).Methods(http.MethodPost)
	a.HandleFunc("/runs/{id}/commands", s.withWrapper(1<<20, s.handlePollCommands)).Methods(http.MethodGet)
	a.HandleFunc("/runs/{id}/commands/{cid}/ack", s.withWrapper(1<<20, s.handleAckCommand)).Methods(http.MethodPost)
	a.HandleFunc("/runs/{id}/state", s.withWrapper(1<<20, s.handleUpsertState)).Methods(http.MethodPost)

	// Artifacts, UI side.
	a.HandleFunc("/artifacts/{id}", s.withUser(s.handleDownloadArtifact)).Methods(http.MethodGet)
	a.HandleFunc("/artifacts/{id}", s.withUser(s.handleDeleteArtifact)).Methods(http.MethodDelete)

	// Clients.
	a.HandleFunc("/clients", s.withUser(s.handleListClients)).Methods(http.MethodGet)
	a.HandleFunc("/clients/create", s.withUser(s.handleCreateClient, admin...)).Methods(http.MethodPost)
	a.HandleFunc("/clients/{id}/token", s.withUser(s.handleRotateClientToken, admin...)).Methods(http.MethodPost)
	a.HandleFunc("/clients/{id}", s.withUser(s.handleDeleteClient, admin...)).Methods(http.MethodDelete)
	a.HandleFunc("/clients/register", s.withClient(s.handleRegisterClient)).Methods(http.MethodPost)
	a.HandleFunc("/clients/heartbeat", s.withClient(s.handleClientHeartbeat)).Methods(http.MethodPost)
	a.HandleFunc("/runs/claim", s.withClient(s.handleClaimRun)).Methods(http.MethodPost)

	// Audit.
	a.HandleFunc("/audit", s.withUser(s.handleListAudit, admin...)).Methods(http.MethodGet)

	return r
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(); err != nil {
		writeError(w, http.StatusInternalServerError, "database unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
