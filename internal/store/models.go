package store

import "time"

// Run statuses. Terminal states (done, failed, stopped) are permanent; a
// new run created by restart links back via metadata.restartedFrom.
const (
	RunPending = "pending"
	RunRunning = "running"
	RunDone    = "done"
	RunFailed  = "failed"
	RunStopped = "stopped"
)

// Event types accepted on the ingest path.
const (
	EventStdout         = "stdout"
	EventStderr         = "stderr"
	EventMarker         = "marker"
	EventInfo           = "info"
	EventError          = "error"
	EventAssist         = "assist"
	EventPromptWaiting  = "prompt_waiting"
	EventPromptResolved = "prompt_resolved"
)

// Command statuses.
const (
	CommandPending   = "pending"
	CommandCompleted = "completed"
)

// UI roles, most to least privileged.
const (
	RoleAdmin    = "admin"
	RoleOperator = "operator"
	RoleViewer   = "viewer"
)

// Run is one invocation of an AI worker.
type Run struct {
	ID              string            `json:"id"`
	Status          string            `json:"status"`
	Command         string            `json:"command,omitempty"`
	CapabilityToken string            `json:"-"`
	WorkerType      string            `json:"workerType"`
	Model           string            `json:"model,omitempty"`
	Autonomous      bool              `json:"autonomous"`
	WorkingDir      string            `json:"workingDir,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
	ClientID        string            `json:"clientId,omitempty"`
	CreatedAt       time.Time         `json:"createdAt"`
	StartedAt       *time.Time        `json:"startedAt,omitempty"`
	FinishedAt      *time.Time        `json:"finishedAt,omitempty"`
	ExitCode        *int              `json:"exitCode,omitempty"`
}

// Terminal reports whether the run has reached a permanent state.
func (r *Run) Terminal() bool {
	return r.Status == RunDone || r.Status == RunFailed || r.Status == RunStopped
}

// Event is one append-only record of worker output or lifecycle marker.
// ID is the gateway-assigned authoritative ordering; Sequence is the
// wrapper-side counter and may have gaps across wrapper restarts.
type Event struct {
	ID        int64     `json:"id"`
	RunID     string    `json:"runId"`
	Type      string    `json:"type"`
	Data      string    `json:"data"`
	Sequence  int64     `json:"sequence"`
	CreatedAt time.Time `json:"timestamp"`
}

// Command is an operator-injected instruction for a run's wrapper.
type Command struct {
	ID        string     `json:"id"`
	RunID     string     `json:"runId"`
	Command   string     `json:"command"`
	Status    string     `json:"status"`
	Result    string     `json:"result,omitempty"`
	Error     string     `json:"error,omitempty"`
	CreatedAt time.Time  `json:"createdAt"`
	AckedAt   *time.Time `json:"ackedAt,omitempty"`
}

// Artifact is a file uploaded by the wrapper for a run.
type Artifact struct {
	ID        string    `json:"id"`
	RunID     string    `json:"runId"`
	Name      string    `json:"name"`
	Type      string    `json:"type"`
	Size      int64     `json:"size"`
	Path      string    `json:"-"`
	CreatedAt time.Time `json:"createdAt"`
}

// Client is a registered worker host. Status is computed from LastSeenAt at
// read time, never stored.
type Client struct {
	ID           string     `json:"id"`
	DisplayName  string     `json:"displayName"`
	AgentID      string     `json:"agentId,omitempty"`
	TokenHash    string     `json:"-"`
	Status       string     `json:"status"`
	Version      string     `json:"version,omitempty"`
	Capabilities []string   `json:"capabilities"`
	LastSeenAt   *time.Time `json:"lastSeenAt,omitempty"`
	CreatedAt    time.Time  `json:"createdAt"`
}

// RunState is the wrapper's crash-resume state, one row per run.
type RunState struct {
	RunID           string    `json:"runId"`
	WorkingDir      string    `json:"workingDir,omitempty"`
	OriginalCommand string    `json:"originalCommand,omitempty"`
	LastSequence    int64     `json:"lastSequence"`
	StdinBuffer     string    `json:"stdinBuffer,omitempty"`
	Environment     string    `json:"environment,omitempty"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

// User is a UI account.
type User struct {
	ID           string    `json:"id"`
	Username     string    `json:"username"`
	PasswordHash string    `json:"-"`
	Role         string    `json:"role"`
	CreatedAt    time.Time `json:"createdAt"`
}

// Session is an opaque UI bearer session. ID holds the SHA-256 of the
// issued token.
type Session struct {
	ID        string
	UserID    string
	ExpiresAt time.Time
}

// AuditEntry is one append-only audit record.
type AuditEntry struct {
	ID         int64     `json:"id"`
	UserID     string    `json:"userId,omitempty"`
	Action     string    `json:"action"`
	ObjectType string    `json:"objectType,omitempty"`
	ObjectID   string    `json:"objectId,omitempty"`
	Detail     string    `json:"detail,omitempty"`
	RemoteAddr string    `json:"remoteAddr,omitempty"`
	CreatedAt  time.Time `json:"timestamp"`
}

// RunFilter narrows ListRuns. Zero values mean "no filter".
type RunFilter struct {
	Status string
	Search string
	Limit  int
	Offset int
}
