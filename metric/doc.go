// Package metric provides Prometheus-based metrics collection for the
// threatdeck backend. It manages a centralized registry holding both core
// platform metrics (simulation ticks, WebSocket fan-out, changelog writes,
// HTTP traffic, NATS health) and component-specific metrics registered
// through the MetricsRegistrar interface. All core metrics use the
// "threatdeck" namespace.
package metric
