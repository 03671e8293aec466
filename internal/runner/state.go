package runner

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// State is the supervisor's crash-resume snapshot, written to state.json
// under the run's local directory and mirrored to the gateway's RunState.
type State struct {
	RunID           string    `json:"runId"`
	WorkingDir      string    `json:"workingDir"`
	OriginalCommand string    `json:"originalCommand,omitempty"`
	LastSequence    int64     `json:"lastSequence"`
	StdinBuffer     string    `json:"stdinBuffer,omitempty"`
	WorkerType      string    `json:"workerType"`
	Autonomous      bool      `json:"autonomous"`
	SavedAt         time.Time `json:"savedAt"`
}

// SaveState writes the snapshot atomically: temp file in the same
// directory, then rename.
func SaveState(dir string, st *State) error {
	st.SavedAt = time.Now()
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("runner: marshal state: %w", err)
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("runner: state dir: %w", err)
	}
	tmp := filepath.Join(dir, ".state.json.tmp")
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("runner: write state: %w", err)
	}
	if err := os.Rename(tmp, filepath.Join(dir, "state.json")); err != nil {
		return fmt.Errorf("runner: commit state: %w", err)
	}
	return nil
}

// LoadState reads a previously saved snapshot, or os.ErrNotExist.
func LoadState(dir string) (*State, error) {
	data, err := os.ReadFile(filepath.Join(dir, "state.json"))
	if err != nil {
		return nil, err
	}
	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("runner: parse state: %w", err)
	}
	return &st, nil
}
