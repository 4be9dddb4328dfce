package messaging

import "strings"

// Subject constants for the syslog message bus.
// Follow the pattern: {domain}.{resource}[.{qualifier}]
const (
	SubjectSyslogEvents = "syslog.events"     // Every persisted event
	SubjectSyslogAlerts = "syslog.alerts"     // Append .<severity-name>
	SubjectSyslogDLQ    = "syslog.dlq"        // Append .<reason>
	SubjectSyslogDLQAll = SubjectSyslogDLQ + ".>"
)

// AlertSubject returns the alert subject for a severity name.
// Example: syslog.alerts.critical
func AlertSubject(prefix, severity string) string {
	if prefix == "" {
		prefix = SubjectSyslogAlerts
	}
	return prefix + "." + token(severity)
}

// DLQSubject returns the dead-letter subject for a failure reason.
// Example: syslog.dlq.forward_failed
func DLQSubject(reason string) string {
	return SubjectSyslogDLQ + "." + token(reason)
}

// token makes s safe as a single NATS subject token.
func token(s string) string {
	if s == "" {
		return "unknown"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t':
			return '_'
		}
		return r
	}, strings.ToLower(s))
}
