package metric

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics contains all platform-level metrics (not component-specific)
type Metrics struct {
	// Simulation metrics
	TickTotal       prometheus.Counter
	TickDuration    prometheus.Histogram
	TickErrors      *prometheus.CounterVec
	PropertyChanges *prometheus.CounterVec

	// WebSocket metrics
	WSClients      prometheus.Gauge
	WSMessagesSent prometheus.Counter
	WSSendErrors   prometheus.Counter

	// Changelog metrics
	ChangelogAppends *prometheus.CounterVec
	ChangelogErrors  *prometheus.CounterVec

	// HTTP metrics
	HTTPRequests *prometheus.CounterVec
	HTTPDuration *prometheus.HistogramVec

	// Rollup cache metrics
	RollupCacheHits   prometheus.Counter
	RollupCacheMisses prometheus.Counter

	// NATS metrics
	NATSConnected  prometheus.Gauge
	NATSReconnects prometheus.Counter
}

// NewMetrics creates a new Metrics instance with all platform metrics
func NewMetrics() *Metrics {
	return &Metrics{
		TickTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "threatdeck",
				Subsystem: "simulation",
				Name:      "ticks_total",
				Help:      "Total number of mutation ticks executed",
			},
		),

		TickDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "threatdeck",
				Subsystem: "simulation",
				Name:      "tick_duration_seconds",
				Help:      "Mutation tick duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
		),

		TickErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "threatdeck",
				Subsystem: "simulation",
				Name:      "errors_total",
				Help:      "Total number of per-entity tick failures",
			},
			[]string{"entity_type"},
		),

		PropertyChanges: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "threatdeck",
				Subsystem: "simulation",
				Name:      "property_changes_total",
				Help:      "Total number of property mutations applied",
			},
			[]string{"entity_type", "property"},
		),

		WSClients: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "threatdeck",
				Subsystem: "websocket",
				Name:      "clients",
				Help:      "Number of connected WebSocket clients",
			},
		),

		WSMessagesSent: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "threatdeck",
				Subsystem: "websocket",
				Name:      "messages_sent_total",
				Help:      "Total number of WebSocket messages sent",
			},
		),

		WSSendErrors: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "threatdeck",
				Subsystem: "websocket",
				Name:      "send_errors_total",
				Help:      "Total number of failed WebSocket sends",
			},
		),

		ChangelogAppends: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "threatdeck",
				Subsystem: "changelog",
				Name:      "appends_total",
				Help:      "Total number of change facts appended",
			},
			[]string{"store"},
		),

		ChangelogErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "threatdeck",
				Subsystem: "changelog",
				Name:      "errors_total",
				Help:      "Total number of changelog store errors",
			},
			[]string{"store"},
		),

		HTTPRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "threatdeck",
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),

		HTTPDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "threatdeck",
				Subsystem: "http",
				Name:      "request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),

		RollupCacheHits: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "threatdeck",
				Subsystem: "rollup",
				Name:      "cache_hits_total",
				Help:      "Total number of metrics served from the fingerprint cache",
			},
		),

		RollupCacheMisses: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "threatdeck",
				Subsystem: "rollup",
				Name:      "cache_misses_total",
				Help:      "Total number of metrics recomputed on fingerprint miss",
			},
		),

		NATSConnected: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "threatdeck",
				Subsystem: "nats",
				Name:      "connected",
				Help:      "NATS connection status (0=disconnected, 1=connected)",
			},
		),

		NATSReconnects: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "threatdeck",
				Subsystem: "nats",
				Name:      "reconnects_total",
				Help:      "Total number of NATS reconnections",
			},
		),
	}
}

// RecordTick records one completed mutation tick
func (c *Metrics) RecordTick(duration time.Duration) {
	c.TickTotal.Inc()
	c.TickDuration.Observe(duration.Seconds())
}

// RecordTickError increments the per-entity tick failure counter
func (c *Metrics) RecordTickError(entityType string) {
	c.TickErrors.WithLabelValues(entityType).Inc()
}

// RecordPropertyChange increments the property mutation counter
func (c *Metrics) RecordPropertyChange(entityType, property string) {
	c.PropertyChanges.WithLabelValues(entityType, property).Inc()
}

// RecordWSClients updates the connected client gauge
func (c *Metrics) RecordWSClients(count int) {
	c.WSClients.Set(float64(count))
}

// RecordWSMessageSent increments the sent message counter
func (c *Metrics) RecordWSMessageSent() {
	c.WSMessagesSent.Inc()
}

// RecordWSSendError increments the failed send counter
func (c *Metrics) RecordWSSendError() {
	c.WSSendErrors.Inc()
}

// RecordChangelogAppend increments the append counter for a store
func (c *Metrics) RecordChangelogAppend(store string) {
	c.ChangelogAppends.WithLabelValues(store).Inc()
}

// RecordChangelogError increments the error counter for a store
func (c *Metrics) RecordChangelogError(store string) {
	c.ChangelogErrors.WithLabelValues(store).Inc()
}

// RecordHTTPRequest records one served HTTP request
func (c *Metrics) RecordHTTPRequest(method, path, status string, duration time.Duration) {
	c.HTTPRequests.WithLabelValues(method, path, status).Inc()
	c.HTTPDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordRollupCacheHit increments the fingerprint cache hit counter
func (c *Metrics) RecordRollupCacheHit() {
	c.RollupCacheHits.Inc()
}

// RecordRollupCacheMiss increments the fingerprint cache miss counter
func (c *Metrics) RecordRollupCacheMiss() {
	c.RollupCacheMisses.Inc()
}

// RecordNATSStatus updates NATS connection status
func (c *Metrics) RecordNATSStatus(connected bool) {
	value := 0.0
	if connected {
		value = 1.0
	}
	c.NATSConnected.Set(value)
}

// RecordNATSReconnect increments reconnection counter
func (c *Metrics) RecordNATSReconnect() {
	c.NATSReconnects.Inc()
}
