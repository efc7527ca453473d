package metrics

import "time"

// Overfloat holds the daemon's domain metrics.
type Overfloat struct {
	registry *Registry

	WatchesActive        *Gauge
	WatchStartFailures   *Counter
	WatchesReplaced      *Counter
	RawEvents            *Counter
	FileEvents           *Counter
	FileEventsDropped    *Counter
	FileEventsIgnored    *Counter
	SourceErrors         *Counter
	KeyEvents            *Counter
	KeyEventsDropped     *Counter
	KeyCombinations      *Counter
	IPCClients           *Gauge
	IPCRequests          *Counter
	IPCRateLimited       *Counter
	NotificationsDropped *Counter
	UptimeSeconds        *Gauge

	IPCRequestDuration *Histogram
}

var startTime = time.Now()

// NewOverfloat registers every domain metric on registry. A nil registry
// gets a private one, which is what tests use.
func NewOverfloat(registry *Registry) *Overfloat {
	if registry == nil {
		registry = NewRegistry("overfloatd", "")
	}

	return &Overfloat{
		registry: registry,

		WatchesActive: registry.RegisterGauge("watches_active",
			"Number of running watch tasks", nil),
		WatchStartFailures: registry.RegisterCounter("watch_start_failures_total",
			"Watches whose notification source could not be started", nil),
		WatchesReplaced: registry.RegisterCounter("watches_replaced_total",
			"Watches cancelled because the same key was registered again", nil),
		RawEvents: registry.RegisterCounter("raw_events_total",
			"Raw notifications received from watch sources", nil),
		FileEvents: registry.RegisterCounter("file_events_total",
			"Canonical file events delivered to consumers", nil),
		FileEventsDropped: registry.RegisterCounter("file_events_dropped_total",
			"Raw notifications the normalizer had no canonical kind for", nil),
		FileEventsIgnored: registry.RegisterCounter("file_events_ignored_total",
			"Raw notifications skipped by ignore patterns", nil),
		SourceErrors: registry.RegisterCounter("source_errors_total",
			"Errors reported by watch sources", nil),
		KeyEvents: registry.RegisterCounter("key_events_total",
			"Key events received from the keyboard hook", nil),
		KeyEventsDropped: registry.RegisterCounter("key_events_dropped_total",
			"Key events dropped because the detector queue was full", nil),
		KeyCombinations: registry.RegisterCounter("key_combinations_total",
			"Key combinations emitted", nil),
		IPCClients: registry.RegisterGauge("ipc_clients",
			"Connected IPC clients", nil),
		IPCRequests: registry.RegisterCounter("ipc_requests_total",
			"IPC requests handled", nil),
		IPCRateLimited: registry.RegisterCounter("ipc_rate_limited_total",
			"IPC requests rejected by the per-consumer rate limit", nil),
		NotificationsDropped: registry.RegisterCounter("notifications_dropped_total",
			"Notifications dropped because a client outbox was full", nil),
		UptimeSeconds: registry.RegisterGauge("uptime_seconds",
			"Seconds since the daemon started", nil),

		IPCRequestDuration: registry.RegisterHistogram("ipc_request_duration_seconds",
			"IPC request handling time", nil, DefaultBuckets),
	}
}

// Registry returns the registry the metrics are registered on.
func (m *Overfloat) Registry() *Registry {
	return m.registry
}

// UpdateUptime refreshes the uptime gauge.
func (m *Overfloat) UpdateUptime() {
	m.UptimeSeconds.Set(int64(time.Since(startTime).Seconds()))
}
