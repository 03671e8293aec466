// Package redact scrubs secrets from outbound event payloads using a
// configurable set of regular expressions.
package redact

import (
	"fmt"
	"regexp"
	"strings"
)

// Placeholder replaces every secret match. It contains no CR/LF so
// redaction never changes line structure.
const Placeholder = "[REDACTED]"

// defaultPatterns cover the common credential shapes seen in worker
// output: provider API keys, bearer tokens, PEM blocks, and raw
// Authorization headers.
var defaultPatterns = []string{
	`sk-ant-[A-Za-z0-9_-]{10,}`,
	`sk-[A-Za-z0-9]{20,}`,
	`AIza[A-Za-z0-9_-]{30,}`,
	`ghp_[A-Za-z0-9]{36}`,
	`github_pat_[A-Za-z0-9_]{22,}`,
	`gho_[A-Za-z0-9]{36}`,
	`xox[baprs]-[A-Za-z0-9-]{10,}`,
	`AKIA[0-9A-Z]{16}`,
	`(?i)bearer\s+[A-Za-z0-9._~+/-]{16,}=*`,
	`(?i)authorization:\s*\S+\s+\S+`,
	`-----BEGIN [A-Z ]*PRIVATE KEY-----[\s\S]*?-----END [A-Z ]*PRIVATE KEY-----`,
	`(?i)(api[_-]?key|secret|token|password)["']?\s*[:=]\s*["']?[A-Za-z0-9._~+/-]{16,}`,
}

// Redactor applies the configured patterns to text.
type Redactor struct {
	patterns []*regexp.Regexp
}

// New builds a redactor from the default patterns plus any extras. Invalid
// extras are rejected rather than silently skipped.
func New(extra []string) (*Redactor, error) {
	all := append(append([]string{}, defaultPatterns...), extra...)
	compiled := make([]*regexp.Regexp, 0, len(all))
	for _, p := range all {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("redact: compile pattern %q: %w", p, err)
		}
		compiled = append(compiled, re)
	}
	return &Redactor{patterns: compiled}, nil
}

// MustNew is New for the default pattern set only; panics on failure, which
// can only happen if a default pattern is broken.
func MustNew() *Redactor {
	r, err := New(nil)
	if err != nil {
		panic(err)
	}
	return r
}

// Apply scrubs all matches from text. Idempotent: the placeholder itself
// never matches any pattern, and no CR/LF is introduced.
func (r *Redactor) Apply(text string) string {
	for _, re := range r.patterns {
		text = re.ReplaceAllStringFunc(text, func(m string) string {
			// PEM blocks span lines; preserve the line count so output
			// framing stays intact.
			n := strings.Count(m, "\n")
			return Placeholder + strings.Repeat("\n", n)
		})
	}
	return text
}
