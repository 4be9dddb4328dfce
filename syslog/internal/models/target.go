package models

import (
	"fmt"
	"time"
)

// TargetStatus is the health of a forwarder destination.
type TargetStatus string

const (
	TargetHealthy  TargetStatus = "healthy"
	TargetDegraded TargetStatus = "degraded"
	TargetFailed   TargetStatus = "failed"
)

// Framing selects how forwarded messages are delimited on stream transports.
type Framing string

const (
	FramingLF    Framing = "lf"
	FramingOctet Framing = "octet"
)

// Target is a forwarder destination, typically a SIEM.
type Target struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Host       string    `json:"host"`
	Port       int       `json:"port"`
	Protocol   Transport `json:"protocol"`
	TLSEnabled bool      `json:"tls_enabled"`
	TLSVerify  bool      `json:"tls_verify"`
	// CACertRef is a path to a PEM bundle. Empty means system trust.
	CACertRef string `json:"ca_cert_ref,omitempty"`
	Framing   Framing `json:"framing,omitempty"`

	Criteria   FilterCriteria `json:"criteria"`
	RetryCount int            `json:"retry_count"`
	RetryDelay time.Duration  `json:"retry_delay"`
	IsActive   bool           `json:"is_active"`

	Status          TargetStatus `json:"status"`
	EventsForwarded int64        `json:"events_forwarded"`
	LastError       string       `json:"last_error,omitempty"`
	LastErrorAt     *time.Time   `json:"last_error_at,omitempty"`
}

// UsesTLS reports whether the target is dialed over TLS.
func (t *Target) UsesTLS() bool {
	return t.Protocol == TransportTLS || (t.Protocol == TransportTCP && t.TLSEnabled)
}

// Addr returns host:port.
func (t *Target) Addr() string {
	return fmt.Sprintf("%s:%d", t.Host, t.Port)
}

// Validate checks the static configuration of a target.
func (t *Target) Validate() error {
	if t.Name == "" {
		return fmt.Errorf("target name is required")
	}
	if t.Host == "" {
		return fmt.Errorf("target %q: host is required", t.Name)
	}
	if t.Port <= 0 || t.Port > 65535 {
		return fmt.Errorf("target %q: invalid port %d", t.Name, t.Port)
	}
	if !t.Protocol.Valid() {
		return fmt.Errorf("target %q: invalid protocol %q", t.Name, t.Protocol)
	}
	if t.Protocol == TransportUDP && t.TLSEnabled {
		return fmt.Errorf("target %q: tls is not available over udp", t.Name)
	}
	if t.Framing != "" && t.Framing != FramingLF && t.Framing != FramingOctet {
		return fmt.Errorf("target %q: invalid framing %q", t.Name, t.Framing)
	}
	if t.RetryCount < 0 {
		return fmt.Errorf("target %q: retry_count must be >= 0", t.Name)
	}
	return nil
}
