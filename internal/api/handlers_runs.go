package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/agentmux/agentmux/internal/broker"
	"github.com/agentmux/agentmux/internal/registry"
	"github.com/agentmux/agentmux/internal/store"
)

type createRunRequest struct {
	Command    string            `json:"command"`
	WorkingDir string            `json:"workingDir"`
	Autonomous bool              `json:"autonomous"`
	WorkerType string            `json:"workerType"`
	Model      string            `json:"model"`
	Metadata   map[string]string `json:"metadata"`
}

type createRunResponse struct {
	ID              string `json:"id"`
	CapabilityToken string `json:"capabilityToken"`
	Status          string `json:"status"`
	Autonomous      bool   `json:"autonomous"`
}

func (s *Server) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	var req createRunRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.WorkerType != "" {
		if _, err := registry.Lookup(req.WorkerType); err != nil {
			writeErrorDetails(w, http.StatusBadRequest, "unknown worker type", req.WorkerType)
			return
		}
	}

	run, err := s.broker.CreateRun(broker.CreateOptions{
		Command:    req.Command,
		WorkingDir: req.WorkingDir,
		Autonomous: req.Autonomous,
		WorkerType: req.WorkerType,
		Model:      req.Model,
		Metadata:   req.Metadata,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server error")
		return
	}

	s.audit(r, userFrom(r).ID, "run_created", "run", run.ID, run.WorkerType)
	writeJSON(w, http.StatusCreated, createRunResponse{
		ID:              run.ID,
		CapabilityToken: run.CapabilityToken,
		Status:          run.Status,
		Autonomous:      run.Autonomous,
	})
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.RunFilter{
		Status: q.Get("status"),
		Search: q.Get("search"),
		Limit:  intParam(q.Get("limit"), 100),
		Offset: intParam(q.Get("offset"), 0),
	}

	runs, total, hasMore, err := s.broker.ListRuns(filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"runs":    runs,
		"total":   total,
		"hasMore": hasMore,
	})
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	run, err := s.broker.GetRun(id)
	if err != nil {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	arts, err := s.store.ListArtifacts(id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"run": run, "artifacts": arts})
}

func (s *Server) handleDeleteRun(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	arts, err := s.store.ListArtifacts(id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server error")
		return
	}
	if err := s.broker.DeleteRun(id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "run not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "server error")
		return
	}
	// Rows cascade; files need explicit cleanup.
	for _, a := range arts {
		if err := s.files.Delete(a); err != nil {
			s.log.Warn().Err(err).Str("artifact_id", a.ID).Msg("artifact cleanup")
		}
	}

	s.audit(r, userFrom(r).ID, "run_deleted", "run", id, "")
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if _, err := s.broker.GetRun(id); err != nil {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}

	q := r.URL.Query()
	after := int64(intParam(q.Get("after"), 0))
	limit := intParam(q.Get("limit"), 500)

	events, err := s.store.ListEvents(id, after, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

type commandRequest struct {
	Command string `json:"command"`
}

func (s *Server) handleEnqueueCommand(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var req commandRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Command == "" {
		writeError(w, http.StatusBadRequest, "command required")
		return
	}

	cmd, err := s.broker.EnqueueCommand(r.Context(), id, req.Command)
	if err != nil {
		s.writeBrokerError(w, err)
		return
	}
	s.audit(r, userFrom(r).ID, "command_enqueued", "run", id, req.Command)
	writeJSON(w, http.StatusCreated, cmd)
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	cmd, err := s.broker.EnqueueStop(r.Context(), id)
	if err != nil {
		s.writeBrokerError(w, err)
		return
	}
	s.audit(r, userFrom(r).ID, "stop_requested", "run", id, "")
	if cmd == nil {
		writeJSON(w, http.StatusOK, map[string]any{"debounced": true})
		return
	}
	writeJSON(w, http.StatusCreated, cmd)
}

func (s *Server) handleHalt(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	cmd, err := s.broker.EnqueueHalt(r.Context(), id)
	if err != nil {
		s.writeBrokerError(w, err)
		return
	}
	s.audit(r, userFrom(r).ID, "halt_requested", "run", id, "")
	writeJSON(w, http.StatusCreated, cmd)
}

func (s *Server) handleEscape(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	cmd, err := s.broker.EnqueueEscape(r.Context(), id)
	if err != nil {
		s.writeBrokerError(w, err)
		return
	}
	s.audit(r, userFrom(r).ID, "escape_sent", "run", id, "")
	writeJSON(w, http.StatusCreated, cmd)
}

type inputRequest struct {
	Text   string `json:"text"`
	Escape bool   `json:"escape"`
}

func (s *Server) handleInput(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var req inputRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Text == "" {
		writeError(w, http.StatusBadRequest, "text required")
		return
	}

	cmd, err := s.broker.EnqueueInput(r.Context(), id, req.Text, req.Escape)
	if err != nil {
		s.writeBrokerError(w, err)
		return
	}
	s.audit(r, userFrom(r).ID, "input_sent", "run", id, "")
	writeJSON(w, http.StatusCreated, cmd)
}

type restartRequest struct {
	Command    string `json:"command"`
	WorkingDir string `json:"workingDir"`
}

func (s *Server) handleRestart(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var req restartRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	run, err := s.broker.Restart(id, req.Command, req.WorkingDir)
	if err != nil {
		s.writeBrokerError(w, err)
		return
	}
	s.audit(r, userFrom(r).ID, "run_restarted", "run", run.ID, "from "+id)
	writeJSON(w, http.StatusCreated, createRunResponse{
		ID:              run.ID,
		CapabilityToken: run.CapabilityToken,
		Status:          run.Status,
		Autonomous:      run.Autonomous,
	})
}

func (s *Server) handleGetState(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	info, err := s.broker.GetResumeInfo(id)
	if err != nil {
		s.writeBrokerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

// writeBrokerError maps broker failures to status codes.
func (s *Server) writeBrokerError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, broker.ErrNotRunning):
		writeError(w, http.StatusConflict, "run is not running")
	case errors.Is(err, broker.ErrNotAllowed):
		writeError(w, http.StatusBadRequest, "command not in allowlist")
	case errors.Is(err, broker.ErrBadEventType):
		writeError(w, http.StatusBadRequest, "unknown event type")
	default:
		s.log.Error().Err(err).Msg("handler failure")
		writeError(w, http.StatusInternalServerError, "server error")
	}
}

func intParam(v string, def int) int {
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return def
	}
	return n
}
