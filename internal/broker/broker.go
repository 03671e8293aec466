// Package broker implements the gateway's run lifecycle: run creation,
// event ingestion with authoritative ordering, command dispatch with
// at-most-once acknowledgement, resume state, and restart.
package broker

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/agentmux/agentmux/internal/bus"
	"github.com/agentmux/agentmux/internal/logging"
	"github.com/agentmux/agentmux/internal/metrics"
	"github.com/agentmux/agentmux/internal/redact"
	"github.com/agentmux/agentmux/internal/signing"
	"github.com/agentmux/agentmux/internal/store"
)

// Reserved command sentinels, interpreted by the wrapper rather than
// executed.
const (
	SentinelStop        = "__STOP__"
	SentinelHalt        = "__HALT__"
	SentinelEscape      = "__ESCAPE__"
	SentinelInputPrefix = "__INPUT__:"
)

// Metadata keys maintained by the broker.
const (
	metaStopRequested = "stopRequested"
	metaHaltRequested = "haltRequested"
	metaRestartedFrom = "restartedFrom"
)

// Broker-level failures, mapped to HTTP codes by the API layer.
var (
	ErrNotFound     = store.ErrNotFound
	ErrNotRunning   = errors.New("broker: run is not running")
	ErrNotAllowed   = errors.New("broker: command not in allowlist")
	ErrBadEventType = errors.New("broker: unknown event type")
)

var eventTypes = map[string]bool{
	store.EventStdout: true, store.EventStderr: true, store.EventMarker: true,
	store.EventInfo: true, store.EventError: true, store.EventAssist: true,
	store.EventPromptWaiting: true, store.EventPromptResolved: true,
}

// Broker coordinates the store, the redactor, and the fan-out bus.
type Broker struct {
	store    *store.Store
	bus      bus.Bus
	redactor *redact.Redactor
	allowed  []string
	log      zerolog.Logger
}

// New creates a broker. allowed is the literal-command allowlist.
func New(st *store.Store, b bus.Bus, redactor *redact.Redactor, allowed []string) *Broker {
	return &Broker{
		store:    st,
		bus:      b,
		redactor: redactor,
		allowed:  allowed,
		log:      logging.WithComponent("broker"),
	}
}

// CreateOptions are the caller-supplied fields of a new run.
type CreateOptions struct {
	Command    string
	WorkingDir string
	Autonomous bool
	WorkerType string
	Model      string
	Metadata   map[string]string
}

// CreateRun mints a run with a fresh capability token. The token is
// embedded in the returned run and is never retrievable again.
func (b *Broker) CreateRun(opts CreateOptions) (*store.Run, error) {
	token, err := signing.NewToken(32)
	if err != nil {
		return nil, err
	}
	workerType := opts.WorkerType
	if workerType == "" {
		workerType = "claude"
	}
	run := &store.Run{
		ID:              newRunID(),
		Status:          store.RunPending,
		Command:         opts.Command,
		CapabilityToken: token,
		WorkerType:      workerType,
		Model:           opts.Model,
		Autonomous:      opts.Autonomous,
		WorkingDir:      opts.WorkingDir,
		Metadata:        opts.Metadata,
	}
	if err := b.store.CreateRun(run); err != nil {
		return nil, err
	}
	b.log.Info().Str("run_id", run.ID).Str("worker", workerType).Msg("run created")
	return run, nil
}

// GetRun returns a run or ErrNotFound.
func (b *Broker) GetRun(id string) (*store.Run, error) {
	return b.store.GetRun(id)
}

// ListRuns pages runs newest first. hasMore indicates another page exists.
func (b *Broker) ListRuns(f store.RunFilter) (runs []*store.Run, total int, hasMore bool, err error) {
	runs, total, err = b.store.ListRuns(f)
	if err != nil {
		return nil, 0, false, err
	}
	limit := f.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	return runs, total, f.Offset+len(runs) < total && len(runs) == limit, nil
}

// DeleteRun cascades a run away.
func (b *Broker) DeleteRun(id string) error {
	return b.store.DeleteRun(id)
}

// markerPayload is the JSON shape of lifecycle marker events.
type markerPayload struct {
	Event    string `json:"event"`
	ExitCode *int   `json:"exitCode"`
}

// AppendEvent redacts and stores an event, applies marker-driven status
// transitions, and publishes the fan-out frame after the write commits.
func (b *Broker) AppendEvent(ctx context.Context, runID, eventType, data string, sequence int64) (*store.Event, error) {
	if !eventTypes[eventType] {
		return nil, ErrBadEventType
	}
	run, err := b.store.GetRun(runID)
	if err != nil {
		return nil, err
	}

	data = b.redactor.Apply(data)

	if eventType == store.EventMarker {
		b.applyMarker(run, data)
	}

	id, err := b.store.AppendEvent(runID, eventType, data, sequence)
	if err != nil {
		return nil, err
	}
	metrics.EventsAppended.WithLabelValues(eventType).Inc()

	event := &store.Event{
		ID:        id,
		RunID:     runID,
		Type:      eventType,
		Data:      data,
		Sequence:  sequence,
		CreatedAt: time.Now(),
	}
	b.publish(ctx, bus.FrameEvent, runID, event)
	return event, nil
}

// applyMarker handles {"event":"started"} and
// {"event":"finished","exitCode":N} lifecycle markers.
func (b *Broker) applyMarker(run *store.Run, data string) {
	var m markerPayload
	if err := json.Unmarshal([]byte(data), &m); err != nil {
		return
	}
	switch m.Event {
	case "started":
		if err := b.store.MarkRunStarted(run.ID, time.Now()); err != nil {
			b.log.Error().Err(err).Str("run_id", run.ID).Msg("marker started")
		}
	case "finished":
		exitCode := 1
		if m.ExitCode != nil {
			exitCode = *m.ExitCode
		}
		status := store.RunFailed
		switch {
		case run.Metadata[metaStopRequested] == "true" || run.Metadata[metaHaltRequested] == "true":
			status = store.RunStopped
		case exitCode == 0:
			status = store.RunDone
		}
		if err := b.store.MarkRunFinished(run.ID, status, exitCode, time.Now()); err != nil {
			b.log.Error().Err(err).Str("run_id", run.ID).Msg("marker finished")
		}
	}
}

// IsSentinel reports whether a command is a reserved sentinel.
func IsSentinel(command string) bool {
	return command == SentinelStop || command == SentinelHalt ||
		command == SentinelEscape || strings.HasPrefix(command, SentinelInputPrefix)
}

// CommandAllowed checks the literal-command allowlist: exact entry or
// entry followed by a space.
func (b *Broker) CommandAllowed(command string) bool {
	for _, entry := range b.allowed {
		if command == entry || strings.HasPrefix(command, entry+" ") {
			return true
		}
	}
	return false
}

// EnqueueCommand queues a literal allowlisted command for a running run.
func (b *Broker) EnqueueCommand(ctx context.Context, runID, command string) (*store.Command, error) {
	if IsSentinel(command) {
		return nil, ErrNotAllowed
	}
	run, err := b.store.GetRun(runID)
	if err != nil {
		return nil, err
	}
	if run.Status != store.RunRunning {
		return nil, ErrNotRunning
	}
	if !b.CommandAllowed(command) {
		return nil, ErrNotAllowed
	}
	return b.enqueue(ctx, runID, command, bus.FrameCommandQueued)
}

// EnqueueStop queues __STOP__ and flags the run so the finish marker maps
// to "stopped". A pending stop debounces: no second row is written.
func (b *Broker) EnqueueStop(ctx context.Context, runID string) (*store.Command, error) {
	run, err := b.store.GetRun(runID)
	if err != nil {
		return nil, err
	}
	if run.Terminal() {
		return nil, ErrNotRunning
	}
	if err := b.store.SetRunMetadataKey(runID, metaStopRequested, "true"); err != nil {
		return nil, err
	}

	pending, err := b.store.HasPendingCommand(runID, SentinelStop)
	if err != nil {
		return nil, err
	}
	if pending {
		b.publish(ctx, bus.FrameStopRequested, runID, map[string]string{"runId": runID, "debounced": "true"})
		return nil, nil
	}
	cmd, err := b.enqueue(ctx, runID, SentinelStop, bus.FrameStopRequested)
	if err != nil {
		return nil, err
	}
	return cmd, nil
}

// EnqueueHalt queues __HALT__; the run must be running.
func (b *Broker) EnqueueHalt(ctx context.Context, runID string) (*store.Command, error) {
	run, err := b.store.GetRun(runID)
	if err != nil {
		return nil, err
	}
	if run.Status != store.RunRunning {
		return nil, ErrNotRunning
	}
	if err := b.store.SetRunMetadataKey(runID, metaHaltRequested, "true"); err != nil {
		return nil, err
	}
	return b.enqueue(ctx, runID, SentinelHalt, bus.FrameHaltRequested)
}

// EnqueueEscape queues __ESCAPE__ for a running run.
func (b *Broker) EnqueueEscape(ctx context.Context, runID string) (*store.Command, error) {
	run, err := b.store.GetRun(runID)
	if err != nil {
		return nil, err
	}
	if run.Status != store.RunRunning {
		return nil, ErrNotRunning
	}
	return b.enqueue(ctx, runID, SentinelEscape, bus.FrameEscapeSent)
}

// EnqueueInput queues __INPUT__:<text>. With escape set, a ^C is prefixed
// so interactive workers drop their current prompt first.
func (b *Broker) EnqueueInput(ctx context.Context, runID, text string, escape bool) (*store.Command, error) {
	run, err := b.store.GetRun(runID)
	if err != nil {
		return nil, err
	}
	if run.Status != store.RunRunning {
		return nil, ErrNotRunning
	}
	if escape {
		text = "\x03" + text
	}
	return b.enqueue(ctx, runID, SentinelInputPrefix+text, bus.FrameInputSent)
}

func (b *Broker) enqueue(ctx context.Context, runID, command, frame string) (*store.Command, error) {
	cmd := &store.Command{
		ID:      uuid.NewString(),
		RunID:   runID,
		Command: command,
	}
	if err := b.store.CreateCommand(cmd); err != nil {
		return nil, err
	}
	metrics.CommandsEnqueued.Inc()
	b.publish(ctx, frame, runID, cmd)
	return cmd, nil
}

// PollCommands returns a run's pending commands oldest first. Capability
// scoping happens at the auth layer; the run id here is already verified.
func (b *Broker) PollCommands(runID string) ([]*store.Command, error) {
	if _, err := b.store.GetRun(runID); err != nil {
		return nil, err
	}
	return b.store.PendingCommands(runID)
}

// AckCommand completes a command. Idempotent: retries succeed without
// side effects and without republishing the completion frame.
func (b *Broker) AckCommand(ctx context.Context, commandID, result, errMsg string) (*store.Command, error) {
	already, err := b.store.AckCommand(commandID, result, errMsg)
	if err != nil {
		return nil, err
	}
	cmd, err := b.store.GetCommand(commandID)
	if err != nil {
		return nil, err
	}
	if already {
		metrics.CommandsAcked.WithLabelValues("true").Inc()
		return cmd, nil
	}
	metrics.CommandsAcked.WithLabelValues("false").Inc()
	b.publish(ctx, bus.FrameCommandCompleted, cmd.RunID, cmd)
	return cmd, nil
}

// UpsertRunState writes wrapper resume state with COALESCE semantics.
func (b *Broker) UpsertRunState(runID string, workingDir, originalCommand *string,
	lastSequence *int64, stdinBuffer, environment *string) error {
	if _, err := b.store.GetRun(runID); err != nil {
		return err
	}
	return b.store.UpsertRunState(runID, workingDir, originalCommand, lastSequence,
		stdinBuffer, environment)
}

// ResumeInfo is the payload of GET /runs/:id/state.
type ResumeInfo struct {
	Run       *store.Run      `json:"run"`
	State     *store.RunState `json:"state,omitempty"`
	Events    []*store.Event  `json:"recentEvents"`
	CanResume bool            `json:"canResume"`
}

// GetResumeInfo bundles the run, its saved state, and the last 50 events.
// canResume is true only for done/failed runs; stopped runs were retired
// deliberately.
func (b *Broker) GetResumeInfo(runID string) (*ResumeInfo, error) {
	run, err := b.store.GetRun(runID)
	if err != nil {
		return nil, err
	}
	state, err := b.store.GetRunState(runID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	events, err := b.store.ListRecentEvents(runID, 50)
	if err != nil {
		return nil, err
	}
	return &ResumeInfo{
		Run:       run,
		State:     state,
		Events:    events,
		CanResume: run.Status == store.RunDone || run.Status == store.RunFailed,
	}, nil
}

// Restart creates a new run inheriting non-overridden fields from the
// origin and linking back via metadata.restartedFrom.
func (b *Broker) Restart(origID, commandOverride, workingDirOverride string) (*store.Run, error) {
	orig, err := b.store.GetRun(origID)
	if err != nil {
		return nil, err
	}

	command := orig.Command
	if commandOverride != "" {
		command = commandOverride
	}
	workingDir := orig.WorkingDir
	if workingDirOverride != "" {
		workingDir = workingDirOverride
	}
	if state, err := b.store.GetRunState(origID); err == nil && workingDirOverride == "" && state.WorkingDir != "" {
		workingDir = state.WorkingDir
	}

	// Carry the origin's metadata forward, minus its lifecycle flags: a
	// fresh run must not start life already stop- or halt-requested.
	meta := make(map[string]string, len(orig.Metadata)+1)
	for k, v := range orig.Metadata {
		meta[k] = v
	}
	delete(meta, metaStopRequested)
	delete(meta, metaHaltRequested)
	meta[metaRestartedFrom] = origID
	run, err := b.CreateRun(CreateOptions{
		Command:    command,
		WorkingDir: workingDir,
		Autonomous: orig.Autonomous,
		WorkerType: orig.WorkerType,
		Model:      orig.Model,
		Metadata:   meta,
	})
	if err != nil {
		return nil, err
	}
	b.log.Info().Str("run_id", run.ID).Str("restarted_from", origID).Msg("run restarted")
	return run, nil
}

// RecordArtifact publishes the artifact-uploaded frame. The artifact store
// writes the row; the broker only fans out.
func (b *Broker) RecordArtifact(ctx context.Context, a *store.Artifact) {
	b.publish(ctx, bus.FrameArtifactUploaded, a.RunID, a)
}

func (b *Broker) publish(ctx context.Context, frame, runID string, payload any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		b.log.Error().Err(err).Str("frame", frame).Msg("marshal fan-out payload")
		return
	}
	if err := b.bus.Publish(ctx, &bus.Message{Type: frame, RunID: runID, Payload: raw}); err != nil {
		b.log.Warn().Err(err).Str("frame", frame).Msg("fan-out publish failed")
	}
}

// newRunID returns a short opaque id: 12 hex chars from a UUID.
func newRunID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}
