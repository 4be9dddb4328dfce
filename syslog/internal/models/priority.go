package models

// Facility names, indexed by facility code 0-23.
var facilityNames = [...]string{
	"kern", "user", "mail", "daemon", "auth", "syslog", "lpr", "news",
	"uucp", "cron", "authpriv", "ftp", "ntp", "security", "console", "solaris-cron",
	"local0", "local1", "local2", "local3", "local4", "local5", "local6", "local7",
}

// Severity names, indexed by severity code 0-7.
var severityNames = [...]string{
	"emergency", "alert", "critical", "error", "warning", "notice", "info", "debug",
}

const (
	MaxFacility = 23
	MaxSeverity = 7

	// SeverityError is the highest-numbered (least severe) level that is
	// still published as an alert.
	SeverityError = 3
)

// FacilityName returns the keyword for a facility code, or "unknown".
func FacilityName(code *int) string {
	if code == nil || *code < 0 || *code > MaxFacility {
		return "unknown"
	}
	return facilityNames[*code]
}

// SeverityName returns the keyword for a severity code, or "unknown".
func SeverityName(code *int) string {
	if code == nil || *code < 0 || *code > MaxSeverity {
		return "unknown"
	}
	return severityNames[*code]
}

// DecodePriority splits a PRI value into facility and severity. ok is false
// when pri is outside 0-191.
func DecodePriority(pri int) (facility, severity int, ok bool) {
	if pri < 0 || pri > (MaxFacility*8+MaxSeverity) {
		return 0, 0, false
	}
	return pri / 8, pri % 8, true
}
