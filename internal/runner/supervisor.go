// Package runner is the worker-host supervisor: it spawns one AI worker
// child process, bridges its output to the gateway as events, polls for
// operator commands, and keeps crash-resume state.
package runner

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/agentmux/agentmux/internal/config"
	"github.com/agentmux/agentmux/internal/logging"
	"github.com/agentmux/agentmux/internal/redact"
	"github.com/agentmux/agentmux/internal/registry"
	"github.com/agentmux/agentmux/internal/sandbox"
)

const (
	gracefulStopTimeout = 2 * time.Second
	promptProcTimeout   = 5 * time.Minute
	maxLineBuffer       = 1 << 20
)

// Options instantiate a supervisor for one run.
type Options struct {
	RunID           string
	CapabilityToken string
	WorkingDir      string
	Autonomous      bool
	Model           string
	WorkerType      string
	InitialPrompt   string
}

// Supervisor manages one worker child for one run.
type Supervisor struct {
	cfg       *config.Runner
	opts      Options
	client    *Client
	worker    registry.Worker
	sb        *sandbox.Sandbox
	exec      *Executor
	processed *ProcessedSet
	redactor  *redact.Redactor
	log       zerolog.Logger

	runDir    string
	runnerLog *os.File
	workerLog *os.File

	seq atomic.Int64

	childMu sync.Mutex
	child   *exec.Cmd
	stdin   io.WriteCloser

	spawnedMu sync.Mutex
	spawned   map[*exec.Cmd]struct{}
	promptWG  sync.WaitGroup

	stopOnce   sync.Once
	stopped    chan struct{}
	fatalErr   error
	fatalOnce  sync.Once
	stopSignal atomic.Bool
}

// New builds a supervisor. The working directory becomes the sandbox root.
func New(cfg *config.Runner, opts Options) (*Supervisor, error) {
	worker, err := registry.Lookup(opts.WorkerType)
	if err != nil {
		return nil, err
	}

	workingDir := opts.WorkingDir
	if workingDir == "" {
		workingDir, err = os.Getwd()
		if err != nil {
			return nil, err
		}
	}
	sb, err := sandbox.New(workingDir)
	if err != nil {
		return nil, err
	}

	redactor, err := redact.New(cfg.RedactPatterns)
	if err != nil {
		return nil, err
	}

	runDir := filepath.Join(cfg.DataDir, "runs", opts.RunID)
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return nil, fmt.Errorf("runner: run dir: %w", err)
	}

	s := &Supervisor{
		cfg:      cfg,
		opts:     opts,
		client:   NewClient(cfg, opts.RunID, opts.CapabilityToken),
		worker:   worker,
		sb:       sb,
		exec:     NewExecutor(sb, cfg.AllowedCommands),
		redactor: redactor,
		log:      logging.WithRun("runner", opts.RunID),
		runDir:   runDir,
		spawned:  make(map[*exec.Cmd]struct{}),
		stopped:  make(chan struct{}),
	}
	return s, nil
}

// Run drives the full lifecycle and blocks until the run retires: child
// exit, operator stop, fatal gateway rejection, or context cancellation.
func (s *Supervisor) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var err error
	s.runnerLog, err = os.OpenFile(filepath.Join(s.runDir, "runner.log"),
		os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("runner: open log: %w", err)
	}
	defer s.runnerLog.Close()

	s.workerLog, err = os.OpenFile(filepath.Join(s.runDir, s.opts.WorkerType+".log"),
		os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("runner: open worker log: %w", err)
	}
	defer s.workerLog.Close()

	s.processed, err = OpenProcessedSet(filepath.Join(s.runDir, "processed.db"))
	if err != nil {
		return err
	}
	defer s.processed.Close()

	if s.cfg.ClientToken != "" {
		if err := s.client.Register(ctx, hostAgentID(), Version, registry.Kinds()); err != nil {
			s.log.Warn().Err(err).Msg("client registration failed")
		}
	}

	if err := s.saveState(ctx); err != nil {
		s.log.Warn().Err(err).Msg("initial state save failed")
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); s.pollLoop(ctx) }()
	go func() { defer wg.Done(); s.heartbeatLoop(ctx) }()

	// Listener mode: no initial prompt and no command means we only serve
	// injected input and commands until stopped.
	runErr := s.runChildIfNeeded(ctx)

	if runErr == nil && s.listenerMode() {
		select {
		case <-ctx.Done():
		case <-s.stopped:
		}
		s.sendMarkerFinished(ctx, 0)
	}

	cancel()
	wg.Wait()
	s.promptWG.Wait()

	s.uploadRunnerLog()
	if s.fatalErr != nil {
		return s.fatalErr
	}
	return runErr
}

func (s *Supervisor) listenerMode() bool {
	return s.opts.InitialPrompt == "" || s.worker.NoExec
}

// runChildIfNeeded spawns the worker when there is an initial prompt and
// the worker kind executes, then waits for it to exit.
func (s *Supervisor) runChildIfNeeded(ctx context.Context) error {
	if s.listenerMode() {
		// The run goes running immediately; input and commands arrive over
		// the poll loop.
		s.sendEvent(ctx, "marker", `{"event":"started","listener":true}`)
		s.sendEvent(ctx, "info", "runner ready, waiting for input")
		return nil
	}

	argv, err := s.worker.Argv(s.opts.InitialPrompt, s.opts.Model, s.opts.Autonomous)
	if err != nil {
		return err
	}
	exitCode, err := s.runWorkerProcess(ctx, argv, true)
	s.sendMarkerFinished(ctx, exitCode)
	return err
}

// runWorkerProcess spawns one worker child, pumps its output, and returns
// its exit code. primary children emit marker:started and stay reachable
// for stdin and signals; prompt sub-processes get the 5-minute timeout.
func (s *Supervisor) runWorkerProcess(ctx context.Context, argv []string, primary bool) (int, error) {
	procCtx := ctx
	if !primary {
		var cancel context.CancelFunc
		procCtx, cancel = context.WithTimeout(ctx, promptProcTimeout)
		defer cancel()
	}

	cmd := exec.CommandContext(procCtx, s.worker.Command, argv...)
	cmd.Dir = s.sb.Root()
	cmd.Env = os.Environ()

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return 1, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return 1, err
	}
	// Only the primary child gets a stdin pipe; prompt sub-processes read
	// from /dev/null so they can never block waiting for input.
	var stdin io.WriteCloser
	if primary {
		stdin, err = cmd.StdinPipe()
		if err != nil {
			return 1, err
		}
	}

	if err := cmd.Start(); err != nil {
		s.sendEvent(ctx, "error", "failed to start worker: "+err.Error())
		return 1, err
	}

	if primary {
		s.childMu.Lock()
		s.child = cmd
		s.stdin = stdin
		s.childMu.Unlock()
		s.sendMarkerStarted(ctx, argv)
	} else {
		s.spawnedMu.Lock()
		s.spawned[cmd] = struct{}{}
		s.spawnedMu.Unlock()
	}

	var pumps sync.WaitGroup
	pumps.Add(2)
	go func() { defer pumps.Done(); s.pumpOutput(ctx, stdout, "stdout") }()
	go func() { defer pumps.Done(); s.pumpOutput(ctx, stderr, "stderr") }()
	pumps.Wait()

	err = cmd.Wait()

	if primary {
		s.childMu.Lock()
		s.child = nil
		s.stdin = nil
		s.childMu.Unlock()
	} else {
		s.spawnedMu.Lock()
		delete(s.spawned, cmd)
		s.spawnedMu.Unlock()
	}

	exitCode := 0
	if err != nil {
		exitCode = 1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
			err = nil
		} else if procCtx.Err() == context.DeadlineExceeded {
			s.sendEvent(ctx, "error", "prompt process timed out, killed")
			err = nil
		}
	}
	// An operator stop maps exit-by-signal to a clean retirement.
	if s.stopSignal.Load() && exitCode != 0 {
		exitCode = 0
	}
	return exitCode, err
}

// pumpOutput bridges one child pipe to gateway events. Complete lines ship
// as they arrive; a partial line left at a read boundary ships too, because
// that is what an interactive prompt looks like while the child blocks on
// stdin — no newline is ever coming. Prompt detection runs against the
// accumulated line in both cases.
func (s *Supervisor) pumpOutput(ctx context.Context, r io.Reader, eventType string) {
	buf := make([]byte, 32*1024)
	var line []byte
	shipped := 0      // bytes of line already sent as partial chunks
	prompted := false // prompt already handled for the current line

	ship := func(text string) {
		if text == "" {
			return
		}
		if s.workerLog != nil {
			fmt.Fprint(s.workerLog, text)
		}
		s.sendEvent(ctx, eventType, text)
	}
	checkPrompt := func() {
		if prompted {
			return
		}
		if kind, answer, ok := DetectPrompt(string(line)); ok {
			prompted = true
			s.handlePrompt(ctx, kind, answer, string(line))
		}
	}

	for {
		n, err := r.Read(buf)
		data := buf[:n]
		for len(data) > 0 {
			i := bytes.IndexByte(data, '\n')
			if i < 0 {
				line = append(line, data...)
				break
			}
			line = append(line, data[:i]...)
			ship(string(line[shipped:]) + "\n")
			checkPrompt()
			line, shipped, prompted = line[:0], 0, false
			data = data[i+1:]
		}
		if len(line) > shipped {
			ship(string(line[shipped:]))
			shipped = len(line)
			checkPrompt()
		}
		// A pathological unterminated line is flushed rather than held, so
		// the pump always drains the pipe to EOF.
		if len(line) >= maxLineBuffer {
			line, shipped, prompted = line[:0], 0, false
		}
		if err != nil {
			return
		}
	}
}

// handlePrompt emits prompt_waiting, and in autonomous mode answers after
// the settle delay and emits prompt_resolved.
func (s *Supervisor) handlePrompt(ctx context.Context, kind, answer, line string) {
	s.sendEvent(ctx, "prompt_waiting", kind+": "+line)
	if !s.opts.Autonomous {
		return
	}

	select {
	case <-ctx.Done():
		return
	case <-time.After(promptSettleDelayMs * time.Millisecond):
	}

	if err := s.writeStdin(answer); err != nil {
		s.sendEvent(ctx, "error", "prompt answer failed: "+err.Error())
		return
	}
	s.sendEvent(ctx, "prompt_resolved", kind+" answered")
}

func (s *Supervisor) writeStdin(text string) error {
	s.childMu.Lock()
	defer s.childMu.Unlock()
	if s.stdin == nil {
		return errors.New("runner: no child stdin")
	}
	_, err := io.WriteString(s.stdin, text)
	return err
}

// pollLoop fetches pending commands and dispatches each at most once.
func (s *Supervisor) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		cmds, err := s.client.PollCommands(ctx)
		if err != nil {
			if errors.Is(err, ErrFatal) {
				s.fatal(err)
				return
			}
			s.log.Warn().Err(err).Msg("command poll failed")
			continue
		}

		for _, cmd := range cmds {
			fresh, err := s.processed.Mark(cmd.ID)
			if err != nil {
				s.log.Warn().Err(err).Str("command_id", cmd.ID).Msg("processed set")
			}
			if !fresh {
				continue
			}
			s.dispatch(ctx, cmd.ID, cmd.Command)
		}
	}
}

// dispatch executes one command: sentinel, no-exec acknowledgement, or
// allowlisted shell execution.
func (s *Supervisor) dispatch(ctx context.Context, id, command string) {
	switch {
	case command == "__STOP__":
		s.ack(ctx, id, "Stop initiated", "")
		s.gracefulStop()
		s.retire()

	case command == "__HALT__":
		s.ack(ctx, id, "Hard halt initiated", "")
		s.hardKill()
		s.retire()

	case command == "__ESCAPE__":
		s.signalChild(syscall.SIGINT)
		s.ack(ctx, id, "Escape sent", "")

	case strings.HasPrefix(command, "__INPUT__:"):
		s.dispatchInput(ctx, id, strings.TrimPrefix(command, "__INPUT__:"))

	case s.worker.NoExec:
		s.ack(ctx, id, registry.NoExecMessage, "")

	default:
		out, err := s.exec.Run(ctx, command)
		if err != nil {
			s.ack(ctx, id, out, err.Error())
			return
		}
		if strings.HasPrefix(command, "git diff") && out != "" {
			s.uploadDiff(ctx, out)
		}
		s.ack(ctx, id, out, "")
	}
}

// dispatchInput routes injected text: a leading ^C interrupts the child
// first; interactive workers take stdin, others get a fresh process.
func (s *Supervisor) dispatchInput(ctx context.Context, id, text string) {
	if strings.HasPrefix(text, "\x03") {
		s.signalChild(syscall.SIGINT)
		text = strings.TrimPrefix(text, "\x03")
	}
	if text == "" {
		s.ack(ctx, id, "interrupt sent", "")
		return
	}

	if s.worker.Interactive {
		if err := s.writeStdin(text + "\n"); err != nil {
			s.ack(ctx, id, "", err.Error())
			return
		}
		s.ack(ctx, id, "input written", "")
		return
	}

	if s.worker.NoExec {
		s.ack(ctx, id, registry.NoExecMessage, "")
		return
	}

	argv, err := s.worker.Argv(text, s.opts.Model, s.opts.Autonomous)
	if err != nil {
		s.ack(ctx, id, "", err.Error())
		return
	}
	s.ack(ctx, id, "prompt process started", "")
	// Off the poll loop: a prompt process can run for minutes, and stop and
	// halt must stay dispatchable while it does.
	s.promptWG.Add(1)
	go func() {
		defer s.promptWG.Done()
		if _, err := s.runWorkerProcess(ctx, argv, false); err != nil {
			s.sendEvent(ctx, "error", "prompt process failed: "+err.Error())
		}
	}()
}

func (s *Supervisor) ack(ctx context.Context, id, result, errMsg string) {
	if err := s.client.AckCommand(ctx, id, s.redactor.Apply(result), errMsg); err != nil {
		if errors.Is(err, ErrFatal) {
			s.fatal(err)
			return
		}
		s.log.Warn().Err(err).Str("command_id", id).Msg("ack failed")
	}
}

func (s *Supervisor) uploadDiff(ctx context.Context, diff string) {
	if err := s.client.UploadArtifact(ctx, "latest.diff", strings.NewReader(diff)); err != nil {
		s.log.Warn().Err(err).Msg("diff upload failed")
		return
	}
	path := filepath.Join(s.runDir, "latest.diff")
	if err := os.WriteFile(path, []byte(diff), 0o644); err != nil {
		s.log.Warn().Err(err).Msg("local diff write failed")
	}
}

// heartbeatLoop periodically saves state locally, mirrors it to the
// gateway, and advances the client heartbeat.
func (s *Supervisor) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if err := s.saveState(ctx); err != nil {
			s.log.Warn().Err(err).Msg("heartbeat state save failed")
		}
		if s.cfg.ClientToken != "" {
			if err := s.client.Heartbeat(ctx, hostAgentID(), Version); err != nil {
				s.log.Warn().Err(err).Msg("heartbeat failed")
			}
		}
	}
}

func (s *Supervisor) saveState(ctx context.Context) error {
	st := &State{
		RunID:           s.opts.RunID,
		WorkingDir:      s.exec.Cwd(),
		OriginalCommand: s.opts.InitialPrompt,
		LastSequence:    s.seq.Load(),
		WorkerType:      s.opts.WorkerType,
		Autonomous:      s.opts.Autonomous,
	}
	if err := SaveState(s.runDir, st); err != nil {
		return err
	}

	wd := st.WorkingDir
	seq := st.LastSequence
	origCmd := st.OriginalCommand
	err := s.client.UpsertState(ctx, &wd, &origCmd, &seq, nil)
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// sendEvent redacts, logs locally, and ships one event. A fatal gateway
// class retires the supervisor.
func (s *Supervisor) sendEvent(ctx context.Context, eventType, data string) {
	data = s.redactor.Apply(data)
	seq := s.seq.Add(1)

	if s.runnerLog != nil {
		fmt.Fprintf(s.runnerLog, "[%s] %s %s", time.Now().Format(time.RFC3339), eventType, data)
		if !strings.HasSuffix(data, "\n") {
			fmt.Fprintln(s.runnerLog)
		}
	}

	if err := s.client.IngestEvent(ctx, eventType, data, seq); err != nil {
		if errors.Is(err, ErrFatal) {
			s.log.Error().Err(err).Msg("gateway rejected event, retiring")
			s.fatal(err)
			return
		}
		if !errors.Is(err, context.Canceled) {
			s.log.Warn().Err(err).Str("type", eventType).Msg("event send failed")
		}
	}
}

func (s *Supervisor) sendMarkerStarted(ctx context.Context, argv []string) {
	full := s.worker.Command + " " + strings.Join(argv, " ")
	s.sendEvent(ctx, "marker",
		fmt.Sprintf(`{"event":"started","command":%q,"workerType":%q}`, full, s.opts.WorkerType))
}

func (s *Supervisor) sendMarkerFinished(ctx context.Context, exitCode int) {
	s.sendEvent(ctx, "marker", fmt.Sprintf(`{"event":"finished","exitCode":%d}`, exitCode))
}

// gracefulStop delivers SIGINT, waits the grace period, then SIGKILL.
// Prompt sub-processes get no grace.
func (s *Supervisor) gracefulStop() {
	s.stopSignal.Store(true)
	s.killSpawned()

	s.childMu.Lock()
	child := s.child
	s.childMu.Unlock()
	if child == nil || child.Process == nil {
		return
	}

	_ = child.Process.Signal(syscall.SIGINT)

	deadline := time.After(gracefulStopTimeout)
	tick := time.NewTicker(50 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case <-deadline:
			_ = child.Process.Kill()
			return
		case <-tick.C:
			s.childMu.Lock()
			gone := s.child == nil
			s.childMu.Unlock()
			if gone {
				return
			}
		}
	}
}

func (s *Supervisor) hardKill() {
	s.stopSignal.Store(true)
	s.killSpawned()

	s.childMu.Lock()
	child := s.child
	s.childMu.Unlock()
	if child != nil && child.Process != nil {
		_ = child.Process.Kill()
	}
}

// killSpawned tears down every live prompt sub-process.
func (s *Supervisor) killSpawned() {
	s.spawnedMu.Lock()
	procs := make([]*exec.Cmd, 0, len(s.spawned))
	for c := range s.spawned {
		procs = append(procs, c)
	}
	s.spawnedMu.Unlock()
	for _, c := range procs {
		if c.Process != nil {
			_ = c.Process.Kill()
		}
	}
}

func (s *Supervisor) signalChild(sig syscall.Signal) {
	s.childMu.Lock()
	child := s.child
	s.childMu.Unlock()
	if child != nil && child.Process != nil {
		_ = child.Process.Signal(sig)
	}
}

// retire unblocks listener mode.
func (s *Supervisor) retire() {
	s.stopOnce.Do(func() { close(s.stopped) })
}

func (s *Supervisor) fatal(err error) {
	s.fatalOnce.Do(func() { s.fatalErr = err })
	s.retire()
}

// uploadRunnerLog ships runner.log best effort at shutdown.
func (s *Supervisor) uploadRunnerLog() {
	f, err := os.Open(filepath.Join(s.runDir, "runner.log"))
	if err != nil {
		return
	}
	defer f.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.client.UploadArtifact(ctx, "runner.log", f); err != nil {
		s.log.Warn().Err(err).Msg("runner log upload failed")
	}
}

var (
	agentIDOnce sync.Once
	agentID     string
)

// hostAgentID is <hostname>-<random8>, minted once per process so every
// register and heartbeat reports the same identity.
func hostAgentID() string {
	agentIDOnce.Do(func() {
		host, err := os.Hostname()
		if err != nil {
			host = "unknown-host"
		}
		suffix := make([]byte, 4)
		if _, err := rand.Read(suffix); err != nil {
			agentID = host
			return
		}
		agentID = host + "-" + hex.EncodeToString(suffix)
	})
	return agentID
}

// Version is stamped at build time.
var Version = "dev"
