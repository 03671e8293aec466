package api

import (
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/agentmux/agentmux/internal/artifacts"
)

type ingestEventRequest struct {
	Type     string `json:"type"`
	Data     string `json:"data"`
	Sequence int64  `json:"sequence"`
}

func (s *Server) handleIngestEvent(w http.ResponseWriter, r *http.Request) {
	run := runFrom(r)
	var req ingestEventRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Type == "" {
		writeError(w, http.StatusBadRequest, "type required")
		return
	}

	event, err := s.broker.AppendEvent(r.Context(), run.ID, req.Type, req.Data, req.Sequence)
	if err != nil {
		s.writeBrokerError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"id": event.ID})
}

// pathRunMatches guards wrapper routes that carry the run id in the path:
// the id must agree with the signed X-Run-Id.
func pathRunMatches(r *http.Request) bool {
	id := mux.Vars(r)["id"]
	return id == "" || id == runFrom(r).ID
}

func (s *Server) handlePollCommands(w http.ResponseWriter, r *http.Request) {
	if !pathRunMatches(r) {
		writeError(w, http.StatusForbidden, "forbidden")
		return
	}
	run := runFrom(r)

	cmds, err := s.broker.PollCommands(run.ID)
	if err != nil {
		s.writeBrokerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"commands": cmds})
}

type ackRequest struct {
	Result string `json:"result"`
	Error  string `json:"error"`
}

func (s *Server) handleAckCommand(w http.ResponseWriter, r *http.Request) {
	if !pathRunMatches(r) {
		writeError(w, http.StatusForbidden, "forbidden")
		return
	}
	run := runFrom(r)
	cid := mux.Vars(r)["cid"]

	var req ackRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	cmd, err := s.broker.AckCommand(r.Context(), cid, req.Result, req.Error)
	if err != nil {
		s.writeBrokerError(w, err)
		return
	}
	if cmd.RunID != run.ID {
		writeError(w, http.StatusForbidden, "forbidden")
		return
	}
	writeJSON(w, http.StatusOK, cmd)
}

type upsertStateRequest struct {
	WorkingDir      *string `json:"workingDir"`
	OriginalCommand *string `json:"originalCommand"`
	LastSequence    *int64  `json:"lastSequence"`
	StdinBuffer     *string `json:"stdinBuffer"`
	Environment     *string `json:"environment"`
}

func (s *Server) handleUpsertState(w http.ResponseWriter, r *http.Request) {
	if !pathRunMatches(r) {
		writeError(w, http.StatusForbidden, "forbidden")
		return
	}
	run := runFrom(r)

	var req upsertStateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	err := s.broker.UpsertRunState(run.ID, req.WorkingDir, req.OriginalCommand,
		req.LastSequence, req.StdinBuffer, req.Environment)
	if err != nil {
		s.writeBrokerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleIngestArtifact(w http.ResponseWriter, r *http.Request) {
	run := runFrom(r)

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "multipart field 'file' required")
		return
	}
	defer file.Close()

	name := r.FormValue("name")
	if name == "" {
		name = header.Filename
	}

	artifact, err := s.files.Save(run.ID, name, file)
	if err != nil {
		if errors.Is(err, artifacts.ErrTooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "artifact exceeds size limit")
			return
		}
		s.log.Error().Err(err).Str("run_id", run.ID).Msg("artifact save")
		writeError(w, http.StatusInternalServerError, "server error")
		return
	}

	s.broker.RecordArtifact(r.Context(), artifact)
	writeJSON(w, http.StatusCreated, artifact)
}
