package broker

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentmux/agentmux/internal/bus"
	"github.com/agentmux/agentmux/internal/config"
	"github.com/agentmux/agentmux/internal/logging"
	"github.com/agentmux/agentmux/internal/redact"
	"github.com/agentmux/agentmux/internal/store"
)

type capture struct {
	frames []*bus.Message
}

func newTestBroker(t *testing.T) (*Broker, *capture) {
	t.Helper()
	logging.Init(logging.Config{Level: "error"})
	st, err := store.Open(filepath.Join(t.TempDir(), "db.sqlite"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	b := bus.NewMemoryBus()
	cap := &capture{}
	b.Subscribe(func(msg *bus.Message) { cap.frames = append(cap.frames, msg) })

	return New(st, b, redact.MustNew(), config.DefaultAllowedCommands), cap
}

func (c *capture) types() []string {
	out := make([]string, len(c.frames))
	for i, f := range c.frames {
		out[i] = f.Type
	}
	return out
}

func startRun(t *testing.T, b *Broker) *store.Run {
	t.Helper()
	run, err := b.CreateRun(CreateOptions{Command: "echo hi", WorkerType: "claude"})
	require.NoError(t, err)
	_, err = b.AppendEvent(context.Background(), run.ID, store.EventMarker, `{"event":"started"}`, 0)
	require.NoError(t, err)
	return run
}

func TestCreateRunMintsCapabilityToken(t *testing.T) {
	b, _ := newTestBroker(t)
	run, err := b.CreateRun(CreateOptions{Command: "echo hi"})
	require.NoError(t, err)
	assert.GreaterOrEqual(t, len(run.CapabilityToken), 43)
	assert.Equal(t, store.RunPending, run.Status)
	assert.Equal(t, "claude", run.WorkerType)
}

func TestMarkerLifecycle(t *testing.T) {
	b, cap := newTestBroker(t)
	ctx := context.Background()
	run := startRun(t, b)

	got, err := b.GetRun(run.ID)
	require.NoError(t, err)
	assert.Equal(t, store.RunRunning, got.Status)
	require.NotNil(t, got.StartedAt)

	_, err = b.AppendEvent(ctx, run.ID, store.EventStdout, "hi\n", 1)
	require.NoError(t, err)
	_, err = b.AppendEvent(ctx, run.ID, store.EventMarker, `{"event":"finished","exitCode":0}`, 2)
	require.NoError(t, err)

	got, err = b.GetRun(run.ID)
	require.NoError(t, err)
	assert.Equal(t, store.RunDone, got.Status)
	require.NotNil(t, got.ExitCode)
	assert.Zero(t, *got.ExitCode)

	assert.Equal(t, []string{bus.FrameEvent, bus.FrameEvent, bus.FrameEvent}, cap.types())
}

func TestMarkerFinishedNonZeroExit(t *testing.T) {
	b, _ := newTestBroker(t)
	run := startRun(t, b)

	_, err := b.AppendEvent(context.Background(), run.ID, store.EventMarker,
		`{"event":"finished","exitCode":3}`, 1)
	require.NoError(t, err)

	got, _ := b.GetRun(run.ID)
	assert.Equal(t, store.RunFailed, got.Status)
}

func TestStopMapsFinishToStopped(t *testing.T) {
	b, _ := newTestBroker(t)
	ctx := context.Background()
	run := startRun(t, b)

	_, err := b.EnqueueStop(ctx, run.ID)
	require.NoError(t, err)
	_, err = b.AppendEvent(ctx, run.ID, store.EventMarker, `{"event":"finished","exitCode":0}`, 1)
	require.NoError(t, err)

	got, _ := b.GetRun(run.ID)
	assert.Equal(t, store.RunStopped, got.Status)
}

func TestStopEnqueueDebounced(t *testing.T) {
	b, _ := newTestBroker(t)
	ctx := context.Background()
	run := startRun(t, b)

	first, err := b.EnqueueStop(ctx, run.ID)
	require.NoError(t, err)
	require.NotNil(t, first)

	second, err := b.EnqueueStop(ctx, run.ID)
	require.NoError(t, err)
	assert.Nil(t, second, "pending stop should debounce")

	cmds, err := b.PollCommands(run.ID)
	require.NoError(t, err)
	assert.Len(t, cmds, 1)
}

func TestEnqueueCommandAllowlist(t *testing.T) {
	b, _ := newTestBroker(t)
	ctx := context.Background()
	run := startRun(t, b)

	_, err := b.EnqueueCommand(ctx, run.ID, "git diff --stat")
	assert.NoError(t, err)

	_, err = b.EnqueueCommand(ctx, run.ID, "rm -rf /")
	assert.ErrorIs(t, err, ErrNotAllowed)

	// Prefix match requires a following space, not just a shared prefix.
	_, err = b.EnqueueCommand(ctx, run.ID, "lsblk")
	assert.ErrorIs(t, err, ErrNotAllowed)

	// Sentinels cannot come in through the literal-command path.
	_, err = b.EnqueueCommand(ctx, run.ID, SentinelHalt)
	assert.ErrorIs(t, err, ErrNotAllowed)
}

func TestEnqueueCommandRequiresRunning(t *testing.T) {
	b, _ := newTestBroker(t)
	run, err := b.CreateRun(CreateOptions{Command: "echo hi"})
	require.NoError(t, err)

	_, err = b.EnqueueCommand(context.Background(), run.ID, "ls")
	assert.ErrorIs(t, err, ErrNotRunning)
}

func TestHaltRequiresRunning(t *testing.T) {
	b, _ := newTestBroker(t)
	ctx := context.Background()
	run := startRun(t, b)
	_, err := b.AppendEvent(ctx, run.ID, store.EventMarker, `{"event":"finished","exitCode":0}`, 1)
	require.NoError(t, err)

	_, err = b.EnqueueHalt(ctx, run.ID)
	assert.ErrorIs(t, err, ErrNotRunning)
}

func TestInputEscapePrefix(t *testing.T) {
	b, _ := newTestBroker(t)
	ctx := context.Background()
	run := startRun(t, b)

	_, err := b.EnqueueInput(ctx, run.ID, "continue", true)
	require.NoError(t, err)

	cmds, err := b.PollCommands(run.ID)
	require.NoError(t, err)
	require.Len(t, cmds, 1)
	assert.Equal(t, SentinelInputPrefix+"\x03continue", cmds[0].Command)
}

func TestAckIdempotentPublishesOnce(t *testing.T) {
	b, cap := newTestBroker(t)
	ctx := context.Background()
	run := startRun(t, b)
	cmd, err := b.EnqueueCommand(ctx, run.ID, "ls")
	require.NoError(t, err)
	before := len(cap.frames)

	_, err = b.AckCommand(ctx, cmd.ID, "file.txt", "")
	require.NoError(t, err)
	_, err = b.AckCommand(ctx, cmd.ID, "retry", "")
	require.NoError(t, err)

	completed := 0
	for _, f := range cap.frames[before:] {
		if f.Type == bus.FrameCommandCompleted {
			completed++
		}
	}
	assert.Equal(t, 1, completed)

	got, err := b.AckCommand(ctx, cmd.ID, "", "")
	require.NoError(t, err)
	assert.Equal(t, "file.txt", got.Result)
}

func TestAppendEventRedacts(t *testing.T) {
	b, _ := newTestBroker(t)
	run := startRun(t, b)

	ev, err := b.AppendEvent(context.Background(), run.ID, store.EventStdout,
		"key sk-abcdefghijklmnopqrstuvwx leaked", 1)
	require.NoError(t, err)
	assert.Contains(t, ev.Data, redact.Placeholder)
	assert.NotContains(t, ev.Data, "sk-abcdefghijklmnopqrstuvwx")
}

func TestAppendEventRejectsUnknownType(t *testing.T) {
	b, _ := newTestBroker(t)
	run := startRun(t, b)
	_, err := b.AppendEvent(context.Background(), run.ID, "telemetry", "x", 1)
	assert.ErrorIs(t, err, ErrBadEventType)
}

func TestRestartInheritsAndLinks(t *testing.T) {
	b, _ := newTestBroker(t)
	ctx := context.Background()
	run, err := b.CreateRun(CreateOptions{
		Command:    "npm test",
		WorkerType: "codex",
		Model:      "o4",
		Autonomous: true,
		WorkingDir: "/repo",
		Metadata:   map[string]string{"team": "platform", "stopRequested": "true"},
	})
	require.NoError(t, err)
	_, err = b.AppendEvent(ctx, run.ID, store.EventMarker, `{"event":"started"}`, 0)
	require.NoError(t, err)
	_, err = b.AppendEvent(ctx, run.ID, store.EventMarker, `{"event":"finished","exitCode":1}`, 1)
	require.NoError(t, err)

	restarted, err := b.Restart(run.ID, "", "")
	require.NoError(t, err)
	assert.NotEqual(t, run.ID, restarted.ID)
	assert.Equal(t, "npm test", restarted.Command)
	assert.Equal(t, "codex", restarted.WorkerType)
	assert.Equal(t, "o4", restarted.Model)
	assert.True(t, restarted.Autonomous)
	assert.Equal(t, run.ID, restarted.Metadata["restartedFrom"])
	assert.Equal(t, "platform", restarted.Metadata["team"], "origin metadata carries forward")
	assert.NotContains(t, restarted.Metadata, "stopRequested", "lifecycle flags do not carry forward")
	assert.NotEqual(t, run.CapabilityToken, restarted.CapabilityToken)

	overridden, err := b.Restart(run.ID, "npm run lint", "/elsewhere")
	require.NoError(t, err)
	assert.Equal(t, "npm run lint", overridden.Command)
	assert.Equal(t, "/elsewhere", overridden.WorkingDir)
}

func TestResumeInfo(t *testing.T) {
	b, _ := newTestBroker(t)
	ctx := context.Background()
	run := startRun(t, b)

	info, err := b.GetResumeInfo(run.ID)
	require.NoError(t, err)
	assert.False(t, info.CanResume, "running run is not resumable")

	_, err = b.AppendEvent(ctx, run.ID, store.EventMarker, `{"event":"finished","exitCode":1}`, 1)
	require.NoError(t, err)

	info, err = b.GetResumeInfo(run.ID)
	require.NoError(t, err)
	assert.True(t, info.CanResume)
	assert.NotEmpty(t, info.Events)
	var payload map[string]any
	require.NoError(t, json.Unmarshal([]byte(info.Events[0].Data), &payload))
}
