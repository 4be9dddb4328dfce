package models

import "time"

const bytesPerGB = 1 << 30

// BufferSettings is the global retention configuration plus live usage.
type BufferSettings struct {
	MaxSizeGB               float64   `json:"max_size_gb"`
	CurrentSizeGB           float64   `json:"current_size_gb"`
	RetentionDays           int       `json:"retention_days"`
	CleanupThresholdPercent int       `json:"cleanup_threshold_percent"`
	UsagePercent            float64   `json:"usage_percent"`
	UpdatedAt               time.Time `json:"updated_at"`
}

// MaxBytes is the configured size bound in bytes.
func (b BufferSettings) MaxBytes() int64 {
	return int64(b.MaxSizeGB * bytesPerGB)
}

// ThresholdBytes is the usage at which size eviction starts, and the level it
// evicts down to.
func (b BufferSettings) ThresholdBytes() int64 {
	pct := b.CleanupThresholdPercent
	if pct <= 0 || pct > 100 {
		pct = 100
	}
	return b.MaxBytes() * int64(pct) / 100
}

// WithUsage returns a copy with the derived fields computed from usedBytes.
func (b BufferSettings) WithUsage(usedBytes int64) BufferSettings {
	b.CurrentSizeGB = float64(usedBytes) / bytesPerGB
	if b.MaxSizeGB > 0 {
		b.UsagePercent = b.CurrentSizeGB / b.MaxSizeGB * 100
	}
	return b
}
