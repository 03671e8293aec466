package api

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/agentmux/agentmux/internal/artifacts"
	"github.com/agentmux/agentmux/internal/store"
)

func (s *Server) handleDownloadArtifact(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	artifact, err := s.store.GetArtifact(id)
	if err != nil {
		writeError(w, http.StatusNotFound, "artifact not found")
		return
	}

	rc, err := s.files.Open(artifact)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server error")
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", artifacts.ContentType(artifact.Type))
	w.Header().Set("Content-Length", strconv.FormatInt(artifact.Size, 10))
	w.Header().Set("Content-Disposition", `attachment; filename="`+artifact.Name+`"`)
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, rc); err != nil {
		s.log.Warn().Err(err).Str("artifact_id", id).Msg("artifact stream aborted")
	}
}

func (s *Server) handleDeleteArtifact(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	artifact, err := s.store.GetArtifact(id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "artifact not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "server error")
		return
	}

	if err := s.files.Delete(artifact); err != nil {
		writeError(w, http.StatusInternalServerError, "server error")
		return
	}
	s.audit(r, userFrom(r).ID, "artifact_deleted", "artifact", id, artifact.Name)
	w.WriteHeader(http.StatusNoContent)
}
