// Package registry tracks live push subscribers and fans broadcast messages
// out to them. It owns connection lifetime only, never entity data.
package registry

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/c360/threatdeck/errors"
	"github.com/c360/threatdeck/metric"
	"github.com/c360/threatdeck/types"
)

// Conn is the transport-side view of one subscriber. Implementations must be
// safe for concurrent Send calls.
type Conn interface {
	// Open reports whether the underlying transport can still accept writes
	Open() bool
	// Send writes one serialized message to the subscriber
	Send(data []byte) error
}

// Registry holds the set of live connections
type Registry struct {
	mu      sync.RWMutex
	conns   map[Conn]struct{}
	logger  *slog.Logger
	metrics *metric.Metrics
}

// Option configures a Registry
type Option func(*Registry)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) {
		r.logger = logger
	}
}

// WithMetrics wires the core metrics
func WithMetrics(m *metric.Metrics) Option {
	return func(r *Registry) {
		r.metrics = m
	}
}

// New creates an empty Registry
func New(options ...Option) *Registry {
	r := &Registry{
		conns:  make(map[Conn]struct{}),
		logger: slog.Default(),
	}
	for _, opt := range options {
		opt(r)
	}
	return r
}

// Add registers a connection. Re-adding the same connection does not
// double-count.
func (r *Registry) Add(conn Conn) {
	if conn == nil {
		return
	}

	r.mu.Lock()
	r.conns[conn] = struct{}{}
	count := len(r.conns)
	r.mu.Unlock()

	r.logger.Debug("connection added", "total", count)
	if r.metrics != nil {
		r.metrics.RecordWSClients(count)
	}
}

// Remove unregisters a connection. Removing an unknown connection is a no-op.
func (r *Registry) Remove(conn Conn) {
	if conn == nil {
		return
	}

	r.mu.Lock()
	_, present := r.conns[conn]
	if present {
		delete(r.conns, conn)
	}
	count := len(r.conns)
	r.mu.Unlock()

	if !present {
		return
	}

	r.logger.Debug("connection removed", "total", count)
	if r.metrics != nil {
		r.metrics.RecordWSClients(count)
	}
}

// Count returns the number of registered connections
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// List returns a snapshot of the registered connections
func (r *Registry) List() []Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conns := make([]Conn, 0, len(r.conns))
	for conn := range r.conns {
		conns = append(conns, conn)
	}
	return conns
}

// Broadcast serializes the message once and sends it to every open
// connection concurrently. Closed connections are skipped, not removed;
// removal happens only through explicit Remove calls from the transport.
// A failed send on one connection never affects the others.
func (r *Registry) Broadcast(msg types.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return errors.WrapInvalid(err, "Registry", "Broadcast", "message serialization")
	}

	conns := r.snapshot()

	var wg sync.WaitGroup
	for _, conn := range conns {
		if !conn.Open() {
			continue
		}

		wg.Add(1)
		go func(c Conn) {
			defer wg.Done()
			if err := c.Send(data); err != nil {
				r.logger.Debug("broadcast send failed", "type", msg.Type, "error", err)
				if r.metrics != nil {
					r.metrics.RecordWSSendError()
				}
				return
			}
			if r.metrics != nil {
				r.metrics.RecordWSMessageSent()
			}
		}(conn)
	}
	wg.Wait()

	return nil
}

// snapshot copies the connection set so sends never hold the registry lock
func (r *Registry) snapshot() []Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conns := make([]Conn, 0, len(r.conns))
	for conn := range r.conns {
		conns = append(conns, conn)
	}
	return conns
}
