package runner

import (
	"regexp"
	"strings"
)

// Prompt kinds detected in worker output.
const (
	PromptTrust   = "trust"
	PromptConfirm = "confirm"
)

// promptSettleDelay is how long the supervisor waits after detecting a
// prompt before answering, so the worker has finished rendering it.
const promptSettleDelayMs = 500

// trustPhrases are menu-style trust prompts answered with option 1.
var trustPhrases = []string{
	"do you trust the files in this folder",
	"is this a project you created or one you trust",
	"trust this workspace",
}

// confirmPattern matches yes/no confirmation suffixes.
var confirmPattern = regexp.MustCompile(`(?i)\[y/n\]|\[y/n\]:|\(y/n\)|\[yes/no\]|do you want to (proceed|continue)`)

// DetectPrompt inspects one line of worker output for an interactive
// prompt. It returns the prompt kind, the autonomous-mode answer to write
// to stdin, and whether a prompt was found. Trust prompts take precedence
// since they also match the confirm shapes.
func DetectPrompt(line string) (kind, answer string, ok bool) {
	lower := strings.ToLower(line)

	for _, phrase := range trustPhrases {
		if strings.Contains(lower, phrase) {
			return PromptTrust, "1\n", true
		}
	}
	if confirmPattern.MatchString(line) {
		return PromptConfirm, "y\n", true
	}
	return "", "", false
}
