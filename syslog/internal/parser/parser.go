// Package parser turns accepted raw payloads into partially populated events.
// It recognizes RFC 3164 and RFC 5424 headers by probing, falls back to
// best-effort extraction for everything else, and classifies device and event
// types through data-driven registries.
package parser

import (
	"bytes"
	"strings"
	"time"
	"unicode/utf8"

	"gopkg.in/mcuadros/go-syslog.v2/format"

	"github.com/telhawk-systems/telhawk-syslog/syslog/internal/models"
)

// maxControlRatio is the share of control or invalid bytes above which a
// payload is treated as binary garbage.
const maxControlRatio = 0.30

// Meta carries the wire facts the payload itself cannot be trusted for.
type Meta struct {
	SourceIP     string
	SourcePort   int
	ListenerPort int
	Transport    models.Transport
}

// Parser is safe for concurrent use.
type Parser struct {
	devices *Registry
	events  *Registry
	now     func() time.Time
}

// Option configures a Parser.
type Option func(*Parser)

// WithDeviceRegistry replaces the built-in vendor table.
func WithDeviceRegistry(r *Registry) Option {
	return func(p *Parser) { p.devices = r }
}

// WithEventRegistry replaces the built-in event category table.
func WithEventRegistry(r *Registry) Option {
	return func(p *Parser) { p.events = r }
}

// WithClock overrides the receive-time clock.
func WithClock(now func() time.Time) Option {
	return func(p *Parser) { p.now = now }
}

// New creates a Parser with the built-in classification tables.
func New(opts ...Option) *Parser {
	p := &Parser{
		devices: MustRegistry(DeviceSignatures),
		events:  MustRegistry(EventSignatures),
		now:     time.Now,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Devices exposes the vendor registry for extension.
func (p *Parser) Devices() *Registry { return p.devices }

// Events exposes the event category registry for extension.
func (p *Parser) Events() *Registry { return p.events }

// Parse extracts fields from raw. The returned event has no ID and its
// Message/RawMessage are not yet redacted.
func (p *Parser) Parse(raw []byte, meta Meta) (*models.Event, error) {
	data := trimTrailer(raw)
	if len(data) == 0 {
		return nil, &ParseError{Reason: "empty payload"}
	}
	if bytes.IndexByte(data, 0) >= 0 {
		return nil, &ParseError{Reason: "embedded NUL byte"}
	}
	if binary(data) {
		return nil, &ParseError{Reason: "binary payload"}
	}
	if !utf8.Valid(data) {
		data = bytes.ToValidUTF8(data, []byte("\uFFFD"))
	}

	ev := &models.Event{
		ReceivedAt:   p.now().UTC(),
		SourceIP:     meta.SourceIP,
		SourcePort:   meta.SourcePort,
		ListenerPort: meta.ListenerPort,
		Transport:    meta.Transport,
		RawMessage:   string(data),
		SizeBytes:    len(raw),
	}

	ev.Format = detect(data)
	switch ev.Format {
	case models.FormatRFC5424:
		if !extract5424(data, ev) {
			ev.Format = models.FormatUnknown
		}
	case models.FormatRFC3164:
		if !extract3164(data, ev) {
			ev.Format = models.FormatUnknown
		}
	}
	if ev.Format == models.FormatUnknown {
		bestEffort(data, ev)
	}

	view := NewView(ev.AppName, ev.Hostname, ev.Message)
	ev.DeviceType = p.devices.Classify(view)
	ev.EventType = p.events.Classify(view)
	return ev, nil
}

// trimTrailer strips framing leftovers: LF, CR and NUL.
func trimTrailer(b []byte) []byte {
	return bytes.TrimRight(b, "\r\n\x00")
}

func binary(b []byte) bool {
	bad := 0
	for i := 0; i < len(b); {
		r, size := utf8.DecodeRune(b[i:])
		if r == utf8.RuneError && size <= 1 {
			bad++
		} else if r < 0x20 && r != '\t' && r != '\n' && r != '\r' {
			bad++
		}
		i += size
	}
	return float64(bad) > float64(len(b))*maxControlRatio
}

// parse runs a go-syslog parser. The library indexes past the end of some
// truncated headers, so a panic is treated as a failed parse.
func parse(lp format.LogParser) (parts format.LogParts, ok bool) {
	defer func() {
		if recover() != nil {
			parts, ok = nil, false
		}
	}()
	if err := lp.Parse(); err != nil {
		return nil, false
	}
	return lp.Dump(), true
}

func extract5424(data []byte, ev *models.Event) bool {
	parts, ok := parse((&format.RFC5424{}).GetParser(data))
	if !ok {
		return false
	}

	setPriority(ev, intPart(parts, "facility"), intPart(parts, "severity"))
	ev.Version = intPart(parts, "version")
	if ts, ok := parts["timestamp"].(time.Time); ok && !ts.IsZero() {
		ts = ts.UTC()
		ev.Timestamp = &ts
	}
	ev.Hostname = nilValue(stringPart(parts, "hostname"))
	ev.AppName = nilValue(stringPart(parts, "app_name"))
	ev.ProcID = nilValue(stringPart(parts, "proc_id"))
	ev.MsgID = nilValue(stringPart(parts, "msg_id"))
	ev.StructuredData = nilValue(stringPart(parts, "structured_data"))
	ev.Message = strings.TrimSpace(strings.TrimPrefix(stringPart(parts, "message"), "\uFEFF"))
	return true
}

func extract3164(data []byte, ev *models.Event) bool {
	parts, ok := parse((&format.RFC3164{}).GetParser(data))
	if !ok {
		return false
	}

	setPriority(ev, intPart(parts, "facility"), intPart(parts, "severity"))
	if ts, ok := parts["timestamp"].(time.Time); ok && !ts.IsZero() {
		ts = ts.UTC()
		ev.Timestamp = &ts
	}
	ev.Hostname = stringPart(parts, "hostname")
	ev.AppName, ev.ProcID = splitTag(stringPart(parts, "tag"))
	ev.Message = strings.TrimSpace(stringPart(parts, "content"))
	return true
}

// bestEffort keeps whatever can be trusted: the priority if present, and the
// remainder as the message.
func bestEffort(data []byte, ev *models.Event) {
	ev.Facility, ev.Severity = nil, nil
	rest := data
	if pri, n, ok := priority(data); ok {
		f, s, _ := models.DecodePriority(pri)
		setPriority(ev, f, s)
		rest = data[n:]
	}
	if ev.Message == "" {
		ev.Message = strings.TrimSpace(string(rest))
	}
}

func setPriority(ev *models.Event, facility, severity int) {
	ev.Facility = models.Int(facility)
	ev.Severity = models.Int(severity)
}

// splitTag separates "sshd[1234]" into app and pid.
func splitTag(tag string) (app, pid string) {
	tag = strings.TrimSuffix(tag, ":")
	if i := strings.IndexByte(tag, '['); i > 0 && strings.HasSuffix(tag, "]") {
		return tag[:i], tag[i+1 : len(tag)-1]
	}
	return tag, ""
}

func nilValue(s string) string {
	if s == "-" {
		return ""
	}
	return s
}

func stringPart(parts format.LogParts, key string) string {
	if v, ok := parts[key].(string); ok {
		return v
	}
	return ""
}

func intPart(parts format.LogParts, key string) int {
	if v, ok := parts[key].(int); ok {
		return v
	}
	return 0
}
