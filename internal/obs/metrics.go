package obs

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics is the full set of Prometheus collectors the sink, its
// upstream adapters, and the accept limiter report into. A single
// instance is constructed at startup and threaded through by reference;
// every field is promauto-registered against a private registry so
// repeated construction in tests never panics on duplicate registration.
type Metrics struct {
	Registry *prometheus.Registry

	ClientsAdded   prometheus.Counter
	ClientsRemoved *prometheus.CounterVec // label: reason (closed/removed/slow/error/flushing/duplicate)
	ClientsActive  prometheus.Gauge

	BytesServed     prometheus.Counter
	BuffersQueued   prometheus.Counter
	QueueLength     prometheus.Gauge
	DroppedBuffers  prometheus.Counter
	RecoverTriggers *prometheus.CounterVec // label: policy

	SyncStarts *prometheus.CounterVec // label: method

	UpstreamMessagesReceived *prometheus.CounterVec // label: source (kafka/nats)
	UpstreamMessagesDropped  *prometheus.CounterVec // label: source, reason
	UpstreamConnected        *prometheus.GaugeVec   // label: source

	AcceptsAllowed  prometheus.Counter
	AcceptsRejected *prometheus.CounterVec // label: reason (per_ip/global)

	CPUUsagePercent  prometheus.Gauge
	MemoryUsageBytes prometheus.Gauge
	MemoryLimitBytes prometheus.Gauge
	GoroutinesActive prometheus.Gauge
}

// NewMetrics constructs and registers every collector against a fresh
// registry, mirroring the teacher's init()-time prometheus.MustRegister
// block but scoped to an instance so more than one can be built in a
// process without colliding in the global default registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)

	return &Metrics{
		Registry: reg,

		ClientsAdded: f.NewCounter(prometheus.CounterOpts{
			Name: "multifdsink_clients_added_total",
			Help: "Total number of clients registered via add/add_full.",
		}),
		ClientsRemoved: f.NewCounterVec(prometheus.CounterOpts{
			Name: "multifdsink_clients_removed_total",
			Help: "Total number of clients removed, by terminal status.",
		}, []string{"reason"}),
		ClientsActive: f.NewGauge(prometheus.GaugeOpts{
			Name: "multifdsink_clients_active",
			Help: "Current number of registered clients.",
		}),

		BytesServed: f.NewCounter(prometheus.CounterOpts{
			Name: "multifdsink_bytes_served_total",
			Help: "Total bytes written to clients.",
		}),
		BuffersQueued: f.NewCounter(prometheus.CounterOpts{
			Name: "multifdsink_buffers_queued_total",
			Help: "Total non-header buffers rendered into the queue.",
		}),
		QueueLength: f.NewGauge(prometheus.GaugeOpts{
			Name: "multifdsink_queue_length",
			Help: "Current number of buffers retained in the global queue.",
		}),
		DroppedBuffers: f.NewCounter(prometheus.CounterOpts{
			Name: "multifdsink_dropped_buffers_total",
			Help: "Total buffers a client never received because its recover policy advanced its read position.",
		}),
		RecoverTriggers: f.NewCounterVec(prometheus.CounterOpts{
			Name: "multifdsink_recover_triggers_total",
			Help: "Total times a client crossed the soft-max threshold, by recover policy applied.",
		}, []string{"policy"}),

		SyncStarts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "multifdsink_sync_starts_total",
			Help: "Total new-client start-index resolutions, by sync method.",
		}, []string{"method"}),

		UpstreamMessagesReceived: f.NewCounterVec(prometheus.CounterOpts{
			Name: "multifdsink_upstream_messages_received_total",
			Help: "Total messages received from an upstream producer source.",
		}, []string{"source"}),
		UpstreamMessagesDropped: f.NewCounterVec(prometheus.CounterOpts{
			Name: "multifdsink_upstream_messages_dropped_total",
			Help: "Total upstream messages dropped before reaching Render.",
		}, []string{"source", "reason"}),
		UpstreamConnected: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "multifdsink_upstream_connected",
			Help: "Whether an upstream source is currently connected (1) or not (0).",
		}, []string{"source"}),

		AcceptsAllowed: f.NewCounter(prometheus.CounterOpts{
			Name: "multifdsink_accepts_allowed_total",
			Help: "Total inbound connections allowed past the accept-rate limiter.",
		}),
		AcceptsRejected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "multifdsink_accepts_rejected_total",
			Help: "Total inbound connections rejected by the accept-rate limiter.",
		}, []string{"reason"}),

		CPUUsagePercent: f.NewGauge(prometheus.GaugeOpts{
			Name: "multifdsink_cpu_usage_percent",
			Help: "Estimated process CPU usage percentage.",
		}),
		MemoryUsageBytes: f.NewGauge(prometheus.GaugeOpts{
			Name: "multifdsink_memory_usage_bytes",
			Help: "Current resident memory usage in bytes.",
		}),
		MemoryLimitBytes: f.NewGauge(prometheus.GaugeOpts{
			Name: "multifdsink_memory_limit_bytes",
			Help: "Memory limit in bytes, read from the cgroup.",
		}),
		GoroutinesActive: f.NewGauge(prometheus.GaugeOpts{
			Name: "multifdsink_goroutines_active",
			Help: "Current number of live goroutines.",
		}),
	}
}
