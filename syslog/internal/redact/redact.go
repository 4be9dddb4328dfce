// Package redact removes sensitive substrings from event payloads and bounds
// the stored size.
package redact

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"
)

const (
	DefaultPlaceholder = "[REDACTED]"
	DefaultMarker      = " [TRUNCATED]"
)

// KeyGroup names the capture group whose text survives redaction, as in
// (?P<key>password=)\S+. Matches of patterns without it are replaced whole.
const KeyGroup = "key"

// Result is the processed pair of payload fields.
type Result struct {
	Message   string
	Raw       string
	Redacted  bool
	Truncated bool
}

type pattern struct {
	re  *regexp.Regexp
	key int
}

// Redactor applies an ordered list of patterns. It is safe for concurrent use.
type Redactor struct {
	patterns    []pattern
	placeholder string
	maxStored   int
	marker      string
}

// New compiles patterns in order. maxStored <= 0 disables truncation.
func New(patterns []string, placeholder string, maxStored int, marker string) (*Redactor, error) {
	if placeholder == "" {
		placeholder = DefaultPlaceholder
	}
	if maxStored > 0 && maxStored <= len(marker) {
		return nil, fmt.Errorf("max stored payload %d must exceed marker length %d", maxStored, len(marker))
	}
	r := &Redactor{placeholder: placeholder, maxStored: maxStored, marker: marker}
	for _, p := range patterns {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("invalid redaction pattern %q: %w", p, err)
		}
		r.patterns = append(r.patterns, pattern{re: re, key: re.SubexpIndex(KeyGroup)})
	}
	return r, nil
}

// Apply processes message and raw independently and identically.
func (r *Redactor) Apply(message, raw string) Result {
	m, mRedacted, mTrunc := r.process(message)
	w, wRedacted, wTrunc := r.process(raw)
	return Result{
		Message:   m,
		Raw:       w,
		Redacted:  mRedacted || wRedacted,
		Truncated: mTrunc || wTrunc,
	}
}

// Redact applies the patterns to s without truncating.
func (r *Redactor) Redact(s string) (string, bool) {
	redacted := false
	for _, p := range r.patterns {
		out, changed := r.replace(p, s)
		if changed {
			s = out
			redacted = true
		}
	}
	return s, redacted
}

func (r *Redactor) process(s string) (string, bool, bool) {
	original := len(s)
	s, redacted := r.Redact(s)
	if r.maxStored <= 0 || (original <= r.maxStored && len(s) <= r.maxStored) {
		return s, redacted, false
	}
	return r.truncate(s), redacted, true
}

// replace substitutes every match of p. The key group is kept only when it
// leads the match.
func (r *Redactor) replace(p pattern, s string) (string, bool) {
	matches := p.re.FindAllStringSubmatchIndex(s, -1)
	if len(matches) == 0 {
		return s, false
	}
	var b strings.Builder
	b.Grow(len(s))
	last, replaced := 0, false
	for _, m := range matches {
		start, end := m[0], m[1]
		if start == end {
			continue
		}
		replaced = true
		b.WriteString(s[last:start])
		keep := ""
		if k := p.key; k > 0 && m[2*k] == start && m[2*k+1] >= start && m[2*k+1] < end {
			keep = s[start:m[2*k+1]]
		}
		b.WriteString(keep)
		b.WriteString(r.placeholder)
		last = end
	}
	if !replaced {
		return s, false
	}
	b.WriteString(s[last:])
	return b.String(), true
}

// truncate returns a prefix of s plus the marker, no longer than maxStored
// bytes and never splitting a UTF-8 sequence.
func (r *Redactor) truncate(s string) string {
	limit := r.maxStored - len(r.marker)
	if limit > len(s) {
		limit = len(s)
	}
	for limit > 0 && limit < len(s) && !utf8.RuneStart(s[limit]) {
		limit--
	}
	return s[:limit] + r.marker
}

// MaxStored returns the configured payload bound.
func (r *Redactor) MaxStored() int {
	return r.maxStored
}
