package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/agentmux/agentmux/internal/sandbox"
)

const (
	execTimeout   = 60 * time.Second
	maxExecOutput = 10 << 20
)

// ErrNotAllowed is returned for commands outside the allowlist. The
// message is what the operator sees in the command result.
var ErrNotAllowed = errors.New("Command not in allowlist")

// Executor runs allowlisted shell commands inside the sandbox, tracking
// the current working directory across cd commands.
type Executor struct {
	sb      *sandbox.Sandbox
	cwd     string
	allowed []string
}

// NewExecutor starts at the sandbox root.
func NewExecutor(sb *sandbox.Sandbox, allowed []string) *Executor {
	return &Executor{sb: sb, cwd: sb.Root(), allowed: allowed}
}

// Cwd returns the current working directory (absolute).
func (e *Executor) Cwd() string { return e.cwd }

// Allowed checks the literal allowlist: exact entry or entry plus a space.
func (e *Executor) Allowed(command string) bool {
	for _, entry := range e.allowed {
		if command == entry || strings.HasPrefix(command, entry+" ") {
			return true
		}
	}
	return false
}

// Run executes one operator command and returns its output. cd and pwd
// are handled without spawning; everything else runs under sh -c with the
// exec timeout and output cap.
func (e *Executor) Run(ctx context.Context, command string) (string, error) {
	command = strings.TrimSpace(command)
	if !e.Allowed(command) {
		return "", ErrNotAllowed
	}

	switch {
	case command == "pwd":
		return e.sb.Rel(e.cwd) + "\n", nil
	case command == "cd":
		e.cwd = e.sb.Root()
		return e.sb.Rel(e.cwd) + "\n", nil
	case strings.HasPrefix(command, "cd "):
		target := strings.TrimSpace(strings.TrimPrefix(command, "cd "))
		abs, err := e.sb.ResolveDir(e.cwd, target)
		if err != nil {
			return "", err
		}
		e.cwd = abs
		return e.sb.Rel(e.cwd) + "\n", nil
	}

	// ll is a convention, not a command.
	if command == "ll" || strings.HasPrefix(command, "ll ") {
		command = "ls -la" + strings.TrimPrefix(command, "ll")
	}
	if command == "dir" || strings.HasPrefix(command, "dir ") {
		command = "ls" + strings.TrimPrefix(command, "dir")
	}
	// Listings carry the sandbox-relative directory so the operator knows
	// where they are without a separate pwd.
	listing := command == "ls" || strings.HasPrefix(command, "ls ")

	execCtx, cancel := context.WithTimeout(ctx, execTimeout)
	defer cancel()

	cmd := exec.CommandContext(execCtx, "sh", "-c", command)
	cmd.Dir = e.cwd

	var out cappedBuffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	err := cmd.Run()
	if execCtx.Err() == context.DeadlineExceeded {
		return out.String(), fmt.Errorf("runner: command timed out after %s", execTimeout)
	}
	if err != nil {
		return out.String(), fmt.Errorf("runner: command failed: %w", err)
	}
	if listing {
		return e.sb.Rel(e.cwd) + ":\n" + out.String(), nil
	}
	return out.String(), nil
}

// cappedBuffer keeps the first maxExecOutput bytes and drops the rest.
type cappedBuffer struct {
	buf       bytes.Buffer
	truncated bool
}

func (c *cappedBuffer) Write(p []byte) (int, error) {
	room := maxExecOutput - c.buf.Len()
	if room <= 0 {
		c.truncated = true
		return len(p), nil
	}
	if len(p) > room {
		c.buf.Write(p[:room])
		c.truncated = true
		return len(p), nil
	}
	return c.buf.Write(p)
}

func (c *cappedBuffer) String() string {
	if c.truncated {
		return c.buf.String() + "\n[output truncated]\n"
	}
	return c.buf.String()
}
