package models

import "time"

// Source is a configured or auto-discovered device. Sources are keyed by
// (IPAddress, Port), where Port is the listener port the device sends to.
type Source struct {
	ID             string     `json:"id"`
	Name           string     `json:"name"`
	IPAddress      string     `json:"ip_address"`
	Port           int        `json:"port"`
	Protocol       Transport  `json:"protocol"`
	Hostname       string     `json:"hostname,omitempty"`
	DeviceType     *string    `json:"device_type,omitempty"`
	IsActive       bool       `json:"is_active"`
	EventsReceived int64      `json:"events_received"`
	LastEventAt    *time.Time `json:"last_event_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

// SourceKey identifies a source.
type SourceKey struct {
	IP   string
	Port int
}

// Observation is an accumulated delta for one source, written back to the
// store by the source tracker.
type Observation struct {
	Key         SourceKey
	Protocol    Transport
	Hostname    string
	DeviceType  *string
	Count       int64
	LastEventAt time.Time
}

// SourceStats is the per-source aggregate exposed by the stats endpoint.
type SourceStats struct {
	Name           string     `json:"name"`
	IPAddress      string     `json:"ip_address"`
	Port           int        `json:"port"`
	EventsReceived int64      `json:"events_received"`
	LastEventAt    *time.Time `json:"last_event_at,omitempty"`
}
