// Package match compiles filter criteria into event predicates shared by the
// filter engine, per-target routing and the in-memory event query.
package match

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/telhawk-systems/telhawk-syslog/syslog/internal/models"
)

// RegexPrefix marks a hostname condition as a regular expression. Message
// conditions are always regular expressions and accept the prefix as well.
const RegexPrefix = "re:"

// MessagePattern returns the regular expression of a message condition.
func MessagePattern(s string) string {
	return strings.TrimPrefix(s, RegexPrefix)
}

// Matcher is a compiled models.FilterCriteria. The zero value matches
// everything.
type Matcher struct {
	severities map[int]struct{}
	facilities map[int]struct{}
	hostSub    string
	hostRe     *regexp.Regexp
	messageRe  *regexp.Regexp
	deviceType string
	eventType  string
}

// Compile validates and compiles c.
func Compile(c models.FilterCriteria) (*Matcher, error) {
	m := &Matcher{
		deviceType: strings.ToLower(strings.TrimSpace(c.DeviceType)),
		eventType:  strings.ToLower(strings.TrimSpace(c.EventType)),
	}
	if len(c.Severities) > 0 {
		m.severities = make(map[int]struct{}, len(c.Severities))
		for _, s := range c.Severities {
			m.severities[s] = struct{}{}
		}
	}
	if len(c.Facilities) > 0 {
		m.facilities = make(map[int]struct{}, len(c.Facilities))
		for _, f := range c.Facilities {
			m.facilities[f] = struct{}{}
		}
	}
	if host := strings.TrimSpace(c.Hostname); host != "" {
		if expr, ok := strings.CutPrefix(host, RegexPrefix); ok {
			re, err := regexp.Compile("(?i)" + expr)
			if err != nil {
				return nil, fmt.Errorf("invalid hostname pattern %q: %w", expr, err)
			}
			m.hostRe = re
		} else {
			m.hostSub = strings.ToLower(host)
		}
	}
	if expr := MessagePattern(c.Message); expr != "" {
		re, err := regexp.Compile(expr)
		if err != nil {
			return nil, fmt.Errorf("invalid message pattern %q: %w", expr, err)
		}
		m.messageRe = re
	}
	return m, nil
}

// MustCompile is Compile for criteria known to be valid. It panics otherwise.
func MustCompile(c models.FilterCriteria) *Matcher {
	m, err := Compile(c)
	if err != nil {
		panic(err)
	}
	return m
}

// Match reports whether ev satisfies every condition. Events without a
// severity or facility never match a severity or facility condition.
func (m *Matcher) Match(ev *models.Event) bool {
	if m == nil {
		return true
	}
	if m.severities != nil && !contains(m.severities, ev.Severity) {
		return false
	}
	if m.facilities != nil && !contains(m.facilities, ev.Facility) {
		return false
	}
	if m.hostSub != "" && !strings.Contains(strings.ToLower(ev.Hostname), m.hostSub) {
		return false
	}
	if m.hostRe != nil && !m.hostRe.MatchString(ev.Hostname) {
		return false
	}
	if m.messageRe != nil && !m.messageRe.MatchString(ev.Message) {
		return false
	}
	if m.deviceType != "" && !strings.EqualFold(models.Deref(ev.DeviceType), m.deviceType) {
		return false
	}
	if m.eventType != "" && !strings.EqualFold(models.Deref(ev.EventType), m.eventType) {
		return false
	}
	return true
}

func contains(set map[int]struct{}, v *int) bool {
	if v == nil {
		return false
	}
	_, ok := set[*v]
	return ok
}
