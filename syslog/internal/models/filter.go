package models

import (
	"fmt"
	"time"
)

// Action is what a matching filter does to an event.
type Action string

const (
	ActionAlert   Action = "alert"
	ActionDrop    Action = "drop"
	ActionForward Action = "forward"
	ActionTag     Action = "tag"
)

// Valid reports whether a is a known action.
func (a Action) Valid() bool {
	switch a {
	case ActionAlert, ActionDrop, ActionForward, ActionTag:
		return true
	}
	return false
}

// FilterCriteria is a conjunction of optional conditions. A zero value
// matches every event.
type FilterCriteria struct {
	Severities []int `json:"severities,omitempty" yaml:"severities"`
	Facilities []int `json:"facilities,omitempty" yaml:"facilities"`
	// Hostname is a case-insensitive substring, or a regular expression
	// when prefixed with "re:".
	Hostname string `json:"hostname,omitempty" yaml:"hostname"`
	// Message is a regular expression over the redacted message.
	Message    string `json:"message,omitempty" yaml:"message"`
	DeviceType string `json:"device_type,omitempty" yaml:"device_type"`
	EventType  string `json:"event_type,omitempty" yaml:"event_type"`
}

// IsEmpty reports whether no condition is set.
func (c FilterCriteria) IsEmpty() bool {
	return len(c.Severities) == 0 && len(c.Facilities) == 0 &&
		c.Hostname == "" && c.Message == "" && c.DeviceType == "" && c.EventType == ""
}

// Filter is a declarative routing/alerting rule.
type Filter struct {
	ID       string         `json:"id"`
	Name     string         `json:"name"`
	Criteria FilterCriteria `json:"criteria"`
	Action   Action         `json:"action"`
	// Tag is applied by tag actions. Defaults to Name.
	Tag        string    `json:"tag,omitempty"`
	IsActive   bool      `json:"is_active"`
	MatchCount int64     `json:"match_count"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Validate checks the parts of a filter that do not need compiling.
func (f *Filter) Validate() error {
	if f.Name == "" {
		return fmt.Errorf("filter name is required")
	}
	if !f.Action.Valid() {
		return fmt.Errorf("filter %q: invalid action %q", f.Name, f.Action)
	}
	for _, s := range f.Criteria.Severities {
		if s < 0 || s > MaxSeverity {
			return fmt.Errorf("filter %q: severity %d out of range", f.Name, s)
		}
	}
	for _, fc := range f.Criteria.Facilities {
		if fc < 0 || fc > MaxFacility {
			return fmt.Errorf("filter %q: facility %d out of range", f.Name, fc)
		}
	}
	return nil
}

// TagValue returns the tag a tag action applies.
func (f *Filter) TagValue() string {
	if f.Tag != "" {
		return f.Tag
	}
	return f.Name
}
