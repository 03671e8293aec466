package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// errorBody is the uniform error response shape.
type errorBody struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorBody{Error: msg})
}

func writeErrorDetails(w http.ResponseWriter, status int, msg, details string) {
	writeJSON(w, status, errorBody{Error: msg, Details: details})
}

// decodeJSON reads a request body into v, capping it at 1 MiB. JSON bodies
// here are small control messages; anything larger is malformed.
func decodeJSON(r *http.Request, v any) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read body: %w", err)
	}
	if len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	return nil
}
