package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// collectors are the Prometheus series of one pipeline instance. Each
// Tracker registers its own set so several pipelines can coexist in one
// process (tests do this).
type collectors struct {
	received      *prometheus.CounterVec
	receivedBytes prometheus.Counter
	dropped       *prometheus.CounterVec
	persisted     prometheus.Counter
	filtered      prometheus.Counter
	storeErrors   prometheus.Counter
	forwards      *prometheus.CounterVec
	filterMatches *prometheus.CounterVec
	queueDepth    prometheus.Gauge
	queueCapacity prometheus.Gauge
	bufferUsage   prometheus.Gauge
	evicted       *prometheus.CounterVec
	writeDuration prometheus.Histogram
}

func newCollectors(reg prometheus.Registerer) *collectors {
	f := promauto.With(reg)
	return &collectors{
		received: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "syslog_messages_received_total",
				Help: "Total number of syslog messages read from the wire",
			},
			[]string{"transport"},
		),
		receivedBytes: f.NewCounter(
			prometheus.CounterOpts{
				Name: "syslog_message_bytes_total",
				Help: "Total bytes of syslog payload read from the wire",
			},
		),
		dropped: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "syslog_messages_dropped_total",
				Help: "Total number of messages dropped, by reason",
			},
			[]string{"reason"},
		),
		persisted: f.NewCounter(
			prometheus.CounterOpts{
				Name: "syslog_events_persisted_total",
				Help: "Total number of events written to the retention store",
			},
		),
		filtered: f.NewCounter(
			prometheus.CounterOpts{
				Name: "syslog_events_filtered_total",
				Help: "Total number of events suppressed by a drop filter",
			},
		),
		storeErrors: f.NewCounter(
			prometheus.CounterOpts{
				Name: "syslog_store_errors_total",
				Help: "Total number of failed retention store writes",
			},
		),
		forwards: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "syslog_forward_total",
				Help: "Total number of forward attempts, by target and result",
			},
			[]string{"target", "result"},
		),
		filterMatches: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "syslog_filter_matches_total",
				Help: "Total number of filter matches, by action",
			},
			[]string{"action"},
		),
		queueDepth: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "syslog_queue_depth",
				Help: "Current depth of the pending write queue",
			},
		),
		queueCapacity: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "syslog_queue_capacity",
				Help: "Maximum capacity of the pending write queue",
			},
		),
		bufferUsage: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "syslog_buffer_usage_bytes",
				Help: "Payload bytes currently held by the retention buffer",
			},
		),
		evicted: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "syslog_events_evicted_total",
				Help: "Total number of events removed by retention, by cause",
			},
			[]string{"cause"},
		),
		writeDuration: f.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "syslog_store_write_duration_seconds",
				Help:    "Duration of retention store batch writes in seconds",
				Buckets: prometheus.DefBuckets,
			},
		),
	}
}
