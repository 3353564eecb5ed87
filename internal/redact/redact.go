// Package redact keeps credentials out of log output. The CLI wraps its
// slog handler so summarizer keys and ops-server credentials never reach a
// log line, whichever component logs them.
package redact

import (
	"regexp"
	"strings"
)

// Placeholder replaces redacted secrets.
const Placeholder = "***REDACTED***"

// defaultPatterns match credential formats that may appear in summarizer
// errors or request dumps.
var defaultPatterns = []*regexp.Regexp{
	regexp.MustCompile(`sk-ant-[a-zA-Z0-9_\-]{20,}`),
	regexp.MustCompile(`(?i)bearer\s+[a-zA-Z0-9._\-]{16,}`),
}

// Redactor replaces known secrets in strings. It is immutable after New
// and safe for concurrent use.
type Redactor struct {
	patterns []*regexp.Regexp
	literals []string
}

// New creates a Redactor for the default patterns plus the given literal
// secrets. Empty literals are ignored.
func New(literals ...string) *Redactor {
	r := &Redactor{patterns: defaultPatterns}
	for _, lit := range literals {
		if lit != "" {
			r.literals = append(r.literals, lit)
		}
	}
	return r
}

// String returns s with every secret replaced by Placeholder.
func (r *Redactor) String(s string) string {
	if s == "" {
		return s
	}
	// Literals first: a configured key may also match a pattern only
	// partially.
	for _, lit := range r.literals {
		s = strings.ReplaceAll(s, lit, Placeholder)
	}
	for _, p := range r.patterns {
		s = p.ReplaceAllString(s, Placeholder)
	}
	return s
}
