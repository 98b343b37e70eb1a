// Package threatdeck is the backend for a demo security dashboard.
//
// The backend keeps a fleet of simulated security entities (servers,
// network nodes, threats, AI agents and the rest of the catalogue in
// types) in an in-memory registry. A periodic tick mutates entity
// properties through the generator's per-property frequency tables,
// records every mutation as an immutable fact in an append-only change
// log, and broadcasts one entity_update message per changed property to
// every connected WebSocket client.
//
// The change log is the system of record: on startup the entity manager
// folds it into current entity state by taking the latest valid
// timestamp per entity/property pair. It backs the history, recent-change
// and summary queries of the REST API, and feeds the rollup aggregator,
// which computes dashboard metrics behind a fingerprint cache.
//
// Package layout:
//
//   - types: entity, change and message data model
//   - errors: error taxonomy shared by every package
//   - config: configuration, defaults and layered loading
//   - generator: random property value generation
//   - registry: WebSocket connection registry and broadcast fan-out
//   - changelog: append-only fact store (memory and NATS KV backends)
//   - entity: entity manager, state materialization and mutation tick
//   - rollup: cached metrics aggregation
//   - metric: Prometheus metrics registry
//   - gateway/ws, gateway/http: transport layer
//   - cmd/threatdeck: service entry point
package threatdeck
