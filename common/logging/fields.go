package logging

import (
	"log/slog"
	"time"
)

// Common field names for consistent logging across the syslog service.
const (
	FieldService   = "service"
	FieldComponent = "component"
	FieldRequestID = "request_id"
	FieldSourceIP  = "source_ip"
	FieldTransport = "transport"
	FieldTarget    = "target"
	FieldReason    = "reason"
	FieldCount     = "count"
	FieldDuration  = "duration_ms"
	FieldError     = "error"
	FieldEventID   = "event_id"
	FieldAddr      = "addr"
)

// Service returns a slog attribute for the service name.
func Service(name string) slog.Attr {
	return slog.String(FieldService, name)
}

// SourceIP returns a slog attribute for the sending device address.
func SourceIP(ip string) slog.Attr {
	return slog.String(FieldSourceIP, ip)
}

// Transport returns a slog attribute for udp/tcp/tls.
func Transport(t string) slog.Attr {
	return slog.String(FieldTransport, t)
}

// Target returns a slog attribute for a forwarder target name.
func Target(name string) slog.Attr {
	return slog.String(FieldTarget, name)
}

// Reason returns a slog attribute for a drop or failure reason.
func Reason(r string) slog.Attr {
	return slog.String(FieldReason, r)
}

// Count returns a slog attribute for a count.
func Count(n int) slog.Attr {
	return slog.Int(FieldCount, n)
}

// Duration returns a slog attribute for a duration in milliseconds.
func Duration(d time.Duration) slog.Attr {
	return slog.Int64(FieldDuration, d.Milliseconds())
}

// Error returns a slog attribute for an error.
func Error(err error) slog.Attr {
	if err == nil {
		return slog.String(FieldError, "")
	}
	return slog.String(FieldError, err.Error())
}

// EventID returns a slog attribute for an event ID.
func EventID(id string) slog.Attr {
	return slog.String(FieldEventID, id)
}

// Addr returns a slog attribute for a listen or dial address.
func Addr(addr string) slog.Attr {
	return slog.String(FieldAddr, addr)
}
