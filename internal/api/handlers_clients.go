package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/agentmux/agentmux/internal/signing"
	"github.com/agentmux/agentmux/internal/store"
)

type createClientRequest struct {
	DisplayName string `json:"displayName"`
}

type clientTokenResponse struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	Token       string `json:"token"`
}

func (s *Server) handleCreateClient(w http.ResponseWriter, r *http.Request) {
	var req createClientRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.DisplayName) == "" {
		writeError(w, http.StatusBadRequest, "displayName required")
		return
	}

	token, err := signing.NewToken(32)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server error")
		return
	}
	client := &store.Client{
		ID:          strings.ReplaceAll(uuid.NewString(), "-", "")[:12],
		DisplayName: strings.TrimSpace(req.DisplayName),
		TokenHash:   signing.HashToken(token),
	}
	if err := s.store.CreateClient(client); err != nil {
		writeError(w, http.StatusInternalServerError, "server error")
		return
	}

	s.audit(r, userFrom(r).ID, "client_created", "client", client.ID, client.DisplayName)
	writeJSON(w, http.StatusCreated, clientTokenResponse{
		ID:          client.ID,
		DisplayName: client.DisplayName,
		Token:       token,
	})
}

func (s *Server) handleRotateClientToken(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	client, err := s.store.GetClient(id)
	if err != nil {
		writeError(w, http.StatusNotFound, "client not found")
		return
	}

	token, err := signing.NewToken(32)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server error")
		return
	}
	if err := s.store.UpdateClientToken(id, signing.HashToken(token)); err != nil {
		writeError(w, http.StatusInternalServerError, "server error")
		return
	}

	s.audit(r, userFrom(r).ID, "client_token_rotated", "client", id, "")
	writeJSON(w, http.StatusOK, clientTokenResponse{
		ID:          client.ID,
		DisplayName: client.DisplayName,
		Token:       token,
	})
}

func (s *Server) handleListClients(w http.ResponseWriter, r *http.Request) {
	clients, err := s.store.ListClients()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"clients": clients})
}

func (s *Server) handleDeleteClient(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.store.DeleteClient(id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "client not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "server error")
		return
	}
	s.audit(r, userFrom(r).ID, "client_deleted", "client", id, "")
	w.WriteHeader(http.StatusNoContent)
}

type registerClientRequest struct {
	AgentID      string   `json:"agentId"`
	Version      string   `json:"version"`
	Capabilities []string `json:"capabilities"`
}

func (s *Server) handleRegisterClient(w http.ResponseWriter, r *http.Request) {
	client := clientFrom(r)
	var req registerClientRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := s.store.TouchClient(client.ID, req.AgentID, req.Version, req.Capabilities); err != nil {
		writeError(w, http.StatusInternalServerError, "server error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": client.ID, "status": store.ClientOnline})
}

func (s *Server) handleClientHeartbeat(w http.ResponseWriter, r *http.Request) {
	client := clientFrom(r)
	var req registerClientRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := s.store.TouchClient(client.ID, req.AgentID, req.Version, req.Capabilities); err != nil {
		writeError(w, http.StatusInternalServerError, "server error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleClaimRun(w http.ResponseWriter, r *http.Request) {
	client := clientFrom(r)

	run, err := s.store.ClaimPendingRun(client.ID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeJSON(w, http.StatusOK, map[string]any{"run": nil})
			return
		}
		writeError(w, http.StatusInternalServerError, "server error")
		return
	}

	// The capability token travels with the claim; this is the only read
	// path that exposes it after creation.
	writeJSON(w, http.StatusOK, map[string]any{
		"run":             run,
		"capabilityToken": run.CapabilityToken,
	})
}

func (s *Server) handleListAudit(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	entries, err := s.store.ListAudit(intParam(q.Get("limit"), 100), intParam(q.Get("offset"), 0))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}
