package config

import (
	"fmt"
	"net/netip"
	"os"
	"regexp"
	"strings"
	"time"

	common "github.com/telhawk-systems/telhawk-syslog/common/config"
)

// DefaultRedactionPatterns cover key=value style secrets. The key group is
// kept so only the value is replaced.
var DefaultRedactionPatterns = []string{
	`(?i)(?P<key>password\s*[=:]\s*)\S+`,
	`(?i)(?P<key>secret\s*[=:]\s*)\S+`,
	`(?i)(?P<key>token\s*[=:]\s*)\S+`,
	`(?i)(?P<key>api[_-]?key\s*[=:]\s*)\S+`,
	`(?i)(?P<key>private[_-]?key\s*[=:]\s*)\S+`,
	`(?i)(?P<key>auth[_-]?key\s*[=:]\s*)\S+`,
}

type Config struct {
	Server     ServerConfig            `mapstructure:"server"`
	API        APIConfig               `mapstructure:"api"`
	Admission  AdmissionConfig         `mapstructure:"admission"`
	Redaction  RedactionConfig         `mapstructure:"redaction"`
	Retention  RetentionConfig         `mapstructure:"retention"`
	Forwarder  ForwarderConfig         `mapstructure:"forwarder"`
	Filters    FiltersConfig           `mapstructure:"filters"`
	Metrics    MetricsConfig           `mapstructure:"metrics"`
	Sources    SourcesConfig           `mapstructure:"sources"`
	Storage    StorageConfig           `mapstructure:"storage"`
	Database   common.DatabaseConfig   `mapstructure:"database"`
	Redis      common.RedisConfig      `mapstructure:"redis"`
	NATS       common.NATSConfig       `mapstructure:"nats"`
	OpenSearch common.OpenSearchConfig `mapstructure:"opensearch"`
	Logging    common.LoggingConfig    `mapstructure:"logging"`

	// BootstrapFile optionally seeds sources, filters and targets at startup.
	BootstrapFile string `mapstructure:"bootstrap_file"`
}

type ServerConfig struct {
	UDPAddr        string        `mapstructure:"udp_addr"`
	TCPAddr        string        `mapstructure:"tcp_addr"`
	UDPWorkers     int           `mapstructure:"udp_workers"`
	MaxConnections int           `mapstructure:"max_connections"`
	IdleTimeout    time.Duration `mapstructure:"idle_timeout"`
}

type APIConfig struct {
	Addr         string        `mapstructure:"addr"`
	CORSOrigins  []string      `mapstructure:"cors_origins"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

type AdmissionConfig struct {
	MaxMessageSize        int      `mapstructure:"max_message_size"`
	MaxMessagesPerSecond  int      `mapstructure:"max_messages_per_second"`
	MaxPerSourcePerSecond int      `mapstructure:"max_per_source_per_second"`
	AllowedSources        []string `mapstructure:"allowed_sources"`

	// Limiter is "memory" (per process) or "redis" (shared across instances).
	Limiter string `mapstructure:"limiter"`
}

type RedactionConfig struct {
	Patterns         []string `mapstructure:"patterns"`
	Placeholder      string   `mapstructure:"placeholder"`
	MaxStoredPayload int      `mapstructure:"max_stored_payload"`
	TruncationMarker string   `mapstructure:"truncation_marker"`
}

type RetentionConfig struct {
	MaxBufferSize           int           `mapstructure:"max_buffer_size"`
	BatchSize               int           `mapstructure:"batch_size"`
	FlushInterval           time.Duration `mapstructure:"flush_interval"`
	MaxSizeGB               float64       `mapstructure:"max_size_gb"`
	RetentionDays           int           `mapstructure:"retention_days"`
	CleanupThresholdPercent int           `mapstructure:"cleanup_threshold_percent"`
	EvictionInterval        time.Duration `mapstructure:"eviction_interval"`
	EvictionBatch           int           `mapstructure:"eviction_batch"`
	ShutdownGrace           time.Duration `mapstructure:"shutdown_grace"`
}

type ForwarderConfig struct {
	TLSDefault     bool          `mapstructure:"tls_default"`
	CACertPath     string        `mapstructure:"ca_cert_path"`
	DialTimeout    time.Duration `mapstructure:"dial_timeout"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
	QueueSize      int           `mapstructure:"queue_size"`
	ReloadInterval time.Duration `mapstructure:"reload_interval"`
	DegradedAfter  int           `mapstructure:"degraded_after"`
	FailedAfter    int           `mapstructure:"failed_after"`
}

type FiltersConfig struct {
	ReloadInterval     time.Duration `mapstructure:"reload_interval"`
	CountFlushInterval time.Duration `mapstructure:"count_flush_interval"`
}

type MetricsConfig struct {
	Interval time.Duration `mapstructure:"interval"`
}

type SourcesConfig struct {
	FlushInterval time.Duration `mapstructure:"flush_interval"`
}

type StorageConfig struct {
	// Driver is "postgres" or "memory".
	Driver string `mapstructure:"driver"`
}

// PatternsEnv overrides redaction.patterns with one pattern per line. Other
// list settings split on commas, which would tear apart patterns like \d{1,3}.
const PatternsEnv = "SYSLOG_REDACTION_PATTERNS"

// Load reads configuration from an optional YAML file and SYSLOG_* environment
// variables, then validates it.
func Load(configPath string) (*Config, error) {
	v := common.NewViper("SYSLOG")
	setDefaults(v)

	if err := common.ReadOptional(v, configPath, "config", ".", "/etc/telhawk/syslog"); err != nil {
		return nil, err
	}
	if raw, ok := os.LookupEnv(PatternsEnv); ok {
		v.Set("redaction.patterns", splitLines(raw))
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects configuration that would make the pipeline unsafe to run:
// malformed CIDRs, uncompilable redaction patterns, missing CA bundles and
// out-of-range limits.
func (c *Config) Validate() error {
	if c.Admission.MaxMessageSize <= 0 {
		return fmt.Errorf("admission.max_message_size must be > 0")
	}
	if c.Admission.MaxMessagesPerSecond < 0 || c.Admission.MaxPerSourcePerSecond < 0 {
		return fmt.Errorf("admission rate limits must be >= 0")
	}
	for _, entry := range c.Admission.AllowedSources {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if strings.Contains(entry, "/") {
			if _, err := netip.ParsePrefix(entry); err != nil {
				return fmt.Errorf("admission.allowed_sources: invalid CIDR %q: %w", entry, err)
			}
			continue
		}
		if _, err := netip.ParseAddr(entry); err != nil {
			return fmt.Errorf("admission.allowed_sources: invalid address %q: %w", entry, err)
		}
	}
	switch c.Admission.Limiter {
	case "memory":
	case "redis":
		if !c.Redis.Enabled {
			return fmt.Errorf("admission.limiter=redis requires redis.enabled")
		}
	default:
		return fmt.Errorf("admission.limiter: unknown limiter %q", c.Admission.Limiter)
	}

	for _, p := range c.Redaction.Patterns {
		if _, err := regexp.Compile(p); err != nil {
			return fmt.Errorf("redaction.patterns: invalid pattern %q: %w", p, err)
		}
	}
	if c.Redaction.MaxStoredPayload <= len(c.Redaction.TruncationMarker) {
		return fmt.Errorf("redaction.max_stored_payload must exceed the truncation marker length")
	}

	if c.Retention.MaxBufferSize <= 0 {
		return fmt.Errorf("retention.max_buffer_size must be > 0")
	}
	if c.Retention.BatchSize <= 0 {
		return fmt.Errorf("retention.batch_size must be > 0")
	}
	if c.Retention.RetentionDays <= 0 {
		return fmt.Errorf("retention.retention_days must be > 0")
	}
	if c.Retention.MaxSizeGB <= 0 {
		return fmt.Errorf("retention.max_size_gb must be > 0")
	}

	if c.Forwarder.CACertPath != "" {
		if _, err := os.Stat(c.Forwarder.CACertPath); err != nil {
			return fmt.Errorf("forwarder.ca_cert_path: %w", err)
		}
	}
	if c.Forwarder.FailedAfter < c.Forwarder.DegradedAfter {
		return fmt.Errorf("forwarder.failed_after must be >= forwarder.degraded_after")
	}

	switch c.Storage.Driver {
	case "postgres", "memory":
	default:
		return fmt.Errorf("storage.driver: unknown driver %q", c.Storage.Driver)
	}
	return nil
}

func splitLines(s string) []string {
	var out []string
	for _, line := range strings.Split(s, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			out = append(out, line)
		}
	}
	return out
}
