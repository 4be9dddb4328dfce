package models

import "time"

// Transport is the wire transport an event arrived on, or a target speaks.
type Transport string

const (
	TransportUDP Transport = "udp"
	TransportTCP Transport = "tcp"
	TransportTLS Transport = "tls"
)

// Valid reports whether t is one of the known transports.
func (t Transport) Valid() bool {
	switch t {
	case TransportUDP, TransportTCP, TransportTLS:
		return true
	}
	return false
}

// Format is the syslog wire format the parser recognized.
type Format string

const (
	FormatRFC3164 Format = "rfc3164"
	FormatRFC5424 Format = "rfc5424"
	FormatUnknown Format = "unknown"
)

// Event is one ingested log line. Message and RawMessage are already redacted
// and bounded by the stored payload limit when an Event leaves the pipeline.
type Event struct {
	ID         string    `json:"id"`
	ReceivedAt time.Time `json:"received_at"`
	SourceIP   string    `json:"source_ip"`
	SourcePort int       `json:"source_port"`
	// ListenerPort is the local port the event was received on.
	ListenerPort int       `json:"listener_port"`
	Transport    Transport `json:"transport"`
	Format       Format    `json:"format"`

	// Facility and Severity are nil when the payload carried no priority.
	Facility *int `json:"facility,omitempty"`
	Severity *int `json:"severity,omitempty"`

	Version        int        `json:"version,omitempty"`
	Timestamp      *time.Time `json:"timestamp,omitempty"`
	Hostname       string     `json:"hostname,omitempty"`
	AppName        string     `json:"app_name,omitempty"`
	ProcID         string     `json:"proc_id,omitempty"`
	MsgID          string     `json:"msg_id,omitempty"`
	StructuredData string     `json:"structured_data,omitempty"`

	DeviceType *string `json:"device_type,omitempty"`
	EventType  *string `json:"event_type,omitempty"`

	Message    string   `json:"message"`
	RawMessage string   `json:"raw_message"`
	SizeBytes  int      `json:"size_bytes"`
	Redacted   bool     `json:"redacted"`
	Tags       []string `json:"tags,omitempty"`
}

// Priority returns facility*8+severity, with user.notice (13) standing in for
// missing parts.
func (e *Event) Priority() int {
	facility, severity := 1, 5
	if e.Facility != nil {
		facility = *e.Facility
	}
	if e.Severity != nil {
		severity = *e.Severity
	}
	return facility*8 + severity
}

// StoredBytes is the number of payload bytes the event occupies in the
// retention buffer.
func (e *Event) StoredBytes() int64 {
	return int64(len(e.Message) + len(e.RawMessage))
}

// HasTag reports whether tag has been applied.
func (e *Event) HasTag(tag string) bool {
	for _, t := range e.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// AddTag applies tag once.
func (e *Event) AddTag(tag string) {
	if tag == "" || e.HasTag(tag) {
		return
	}
	e.Tags = append(e.Tags, tag)
}

// Int returns a pointer to v.
func Int(v int) *int { return &v }

// String returns a pointer to v.
func String(v string) *string { return &v }

// Deref returns the pointed-to string or "".
func Deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// EventQuery selects events through the read interface.
type EventQuery struct {
	Criteria FilterCriteria
	Since    *time.Time
	Limit    int
}
