package config

import "github.com/spf13/viper"

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.udp_addr", ":514")
	v.SetDefault("server.tcp_addr", ":514")
	v.SetDefault("server.udp_workers", 4)
	v.SetDefault("server.max_connections", 1024)
	v.SetDefault("server.idle_timeout", "5m")

	v.SetDefault("api.addr", ":8089")
	v.SetDefault("api.cors_origins", []string{"http://localhost:3000"})
	v.SetDefault("api.read_timeout", "15s")
	v.SetDefault("api.write_timeout", "15s")

	v.SetDefault("admission.max_message_size", 8192)
	v.SetDefault("admission.max_messages_per_second", 10000)
	v.SetDefault("admission.max_per_source_per_second", 1000)
	v.SetDefault("admission.allowed_sources", []string{})
	v.SetDefault("admission.limiter", "memory")

	v.SetDefault("redaction.patterns", DefaultRedactionPatterns)
	v.SetDefault("redaction.placeholder", "[REDACTED]")
	v.SetDefault("redaction.max_stored_payload", 4096)
	v.SetDefault("redaction.truncation_marker", " [TRUNCATED]")

	v.SetDefault("retention.max_buffer_size", 100000)
	v.SetDefault("retention.batch_size", 100)
	v.SetDefault("retention.flush_interval", "5s")
	v.SetDefault("retention.max_size_gb", 10)
	v.SetDefault("retention.retention_days", 30)
	v.SetDefault("retention.cleanup_threshold_percent", 90)
	v.SetDefault("retention.eviction_interval", "5m")
	v.SetDefault("retention.eviction_batch", 5000)
	v.SetDefault("retention.shutdown_grace", "10s")

	v.SetDefault("forwarder.tls_default", true)
	v.SetDefault("forwarder.ca_cert_path", "")
	v.SetDefault("forwarder.dial_timeout", "5s")
	v.SetDefault("forwarder.write_timeout", "5s")
	v.SetDefault("forwarder.queue_size", 10000)
	v.SetDefault("forwarder.reload_interval", "60s")
	v.SetDefault("forwarder.degraded_after", 1)
	v.SetDefault("forwarder.failed_after", 5)

	v.SetDefault("filters.reload_interval", "30s")
	v.SetDefault("filters.count_flush_interval", "10s")
	v.SetDefault("metrics.interval", "60s")
	v.SetDefault("sources.flush_interval", "5s")

	v.SetDefault("storage.driver", "postgres")
	v.SetDefault("bootstrap_file", "")
}
