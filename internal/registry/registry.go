// Package registry is the constant table of supported worker kinds and the
// argv shaping that turns a prompt into a child-process command line.
package registry

import (
	"fmt"
)

// Kind identifies a supported worker CLI.
type Kind string

const (
	KindClaude       Kind = "claude"
	KindCodex        Kind = "codex"
	KindGemini       Kind = "gemini"
	KindOllama       Kind = "ollama"
	KindOllamaLaunch Kind = "ollama-launch"
	KindRev          Kind = "rev"
	KindVNC          Kind = "vnc"
	KindHandsOn      Kind = "hands-on"
)

// NoExecMessage is the fixed acknowledgement returned for worker kinds that
// do not execute text commands.
const NoExecMessage = "This worker does not execute commands"

// Worker describes one worker kind. Argv shaping is derived from these
// fields only, so the shape stays a pure function of its inputs.
type Worker struct {
	Kind Kind

	// Command is the executable name looked up on PATH.
	Command string

	// Subcommand, when set, is injected before all other argv.
	Subcommand string

	// DefaultModel is used when the caller does not pick one.
	DefaultModel string

	// SupportsModelSelection appends "--model <name>" when a model is set.
	SupportsModelSelection bool

	// ModelPositional places the model as the first positional argument
	// instead of a flag (ollama style).
	ModelPositional bool

	// AutonomousArgs is appended in autonomous mode.
	AutonomousArgs []string

	// Interactive workers keep a long-lived stdin; input is written to the
	// running child rather than spawning a fresh process per prompt.
	Interactive bool

	// NoExec workers accept no text commands at all.
	NoExec bool
}

var workers = map[Kind]Worker{
	KindClaude: {
		Kind:                   KindClaude,
		Command:                "claude",
		DefaultModel:           "sonnet",
		SupportsModelSelection: true,
		AutonomousArgs:         []string{"--dangerously-skip-permissions"},
		Interactive:            true,
	},
	KindCodex: {
		Kind:                   KindCodex,
		Command:                "codex",
		Subcommand:             "exec",
		SupportsModelSelection: true,
		AutonomousArgs:         []string{"--full-auto"},
	},
	KindGemini: {
		Kind:                   KindGemini,
		Command:                "gemini",
		SupportsModelSelection: true,
		AutonomousArgs:         []string{"--yolo"},
	},
	KindOllama: {
		Kind:            KindOllama,
		Command:         "ollama",
		Subcommand:      "run",
		DefaultModel:    "llama3",
		ModelPositional: true,
	},
	KindOllamaLaunch: {
		Kind:       KindOllamaLaunch,
		Command:    "ollama",
		Subcommand: "launch",
	},
	KindRev: {
		Kind:    KindRev,
		Command: "rev",
	},
	KindVNC: {
		Kind:    KindVNC,
		Command: "vnc",
		NoExec:  true,
	},
	KindHandsOn: {
		Kind:    KindHandsOn,
		Command: "hands-on",
		NoExec:  true,
	},
}

// Lookup returns the worker description for a kind.
func Lookup(kind string) (Worker, error) {
	w, ok := workers[Kind(kind)]
	if !ok {
		return Worker{}, fmt.Errorf("registry: unknown worker type %q", kind)
	}
	return w, nil
}

// Kinds lists every supported kind in a stable order.
func Kinds() []string {
	return []string{
		string(KindClaude), string(KindCodex), string(KindGemini),
		string(KindOllama), string(KindOllamaLaunch), string(KindRev),
		string(KindVNC), string(KindHandsOn),
	}
}

// Model resolves the effective model name: the caller's choice, else the
// kind's default (possibly empty).
func (w Worker) Model(model string) string {
	if model != "" {
		return model
	}
	return w.DefaultModel
}

// Argv returns the final argv excluding the command itself. Pure: the same
// inputs always produce the same slice.
func (w Worker) Argv(prompt, model string, autonomous bool) ([]string, error) {
	if w.NoExec {
		return nil, fmt.Errorf("registry: worker %s does not execute commands", w.Kind)
	}

	argv := []string{}
	if w.Subcommand != "" {
		argv = append(argv, w.Subcommand)
	}
	if autonomous {
		argv = append(argv, w.AutonomousArgs...)
	}

	m := w.Model(model)
	switch {
	case w.ModelPositional && m != "":
		argv = append(argv, m)
	case w.SupportsModelSelection && m != "":
		argv = append(argv, "--model", m)
	}

	if prompt != "" {
		argv = append(argv, prompt)
	}
	return argv, nil
}
