// Package entity owns the materialized entity registry and the periodic
// mutation tick that drives the dashboard. The Manager is the only writer
// of entity state; the store is an opaque map it delegates to.
package entity

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c360/threatdeck/changelog"
	"github.com/c360/threatdeck/errors"
	"github.com/c360/threatdeck/generator"
	"github.com/c360/threatdeck/metric"
	"github.com/c360/threatdeck/pkg/timestamp"
	"github.com/c360/threatdeck/registry"
	"github.com/c360/threatdeck/types"
)

// Manager materializes entities from the change log, mutates them on a
// periodic tick, and pushes diffs to live subscribers.
type Manager struct {
	store    Store
	gen      *generator.Generator
	registry *registry.Registry
	changes  changelog.Store

	historyLimit int
	tickInterval time.Duration

	logger  *slog.Logger
	metrics *metric.Metrics
	nowFn   func() int64

	// stateMu serializes entity mutation against snapshot reads. The
	// store's own mutex only guards its map, not the entity contents,
	// so readers must never see a pointer the tick is writing through.
	stateMu sync.RWMutex

	initialized atomic.Bool
	running     atomic.Bool
}

// ManagerOption configures a Manager
type ManagerOption func(*Manager)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) ManagerOption {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithMetrics wires the core metrics
func WithMetrics(metrics *metric.Metrics) ManagerOption {
	return func(m *Manager) {
		m.metrics = metrics
	}
}

// WithClock replaces the wall clock, for deterministic tests. The function
// must return Unix milliseconds.
func WithClock(nowFn func() int64) ManagerOption {
	return func(m *Manager) {
		m.nowFn = nowFn
	}
}

// WithHistoryLimit overrides the bounded history length (default 10)
func WithHistoryLimit(limit int) ManagerOption {
	return func(m *Manager) {
		m.historyLimit = limit
	}
}

// WithTickInterval overrides the mutation period (default 2s)
func WithTickInterval(interval time.Duration) ManagerOption {
	return func(m *Manager) {
		m.tickInterval = interval
	}
}

// NewManager creates a Manager. The store, generator, registry and change
// log are required collaborators.
func NewManager(
	store Store,
	gen *generator.Generator,
	reg *registry.Registry,
	changes changelog.Store,
	options ...ManagerOption,
) (*Manager, error) {
	if store == nil {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "Manager", "NewManager", "store cannot be nil")
	}
	if gen == nil {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "Manager", "NewManager", "generator cannot be nil")
	}
	if reg == nil {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "Manager", "NewManager", "registry cannot be nil")
	}
	if changes == nil {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "Manager", "NewManager", "change log cannot be nil")
	}

	m := &Manager{
		store:        store,
		gen:          gen,
		registry:     reg,
		changes:      changes,
		historyLimit: 10,
		tickInterval: 2 * time.Second,
		logger:       slog.Default(),
		nowFn:        timestamp.Now,
	}
	for _, opt := range options {
		opt(m)
	}
	return m, nil
}

// Initialize bulk-loads the change log and materializes one entity per
// entity id, resolving each property's current value by the most-recent
// valid timestamp. Load failures are fatal to startup and propagate.
func (m *Manager) Initialize(ctx context.Context) error {
	facts, err := m.changes.GetAllData(ctx, 0)
	if err != nil {
		return errors.Wrap(err, "Manager", "Initialize", "bulk load from change log")
	}

	current := changelog.LatestByKey(facts, changelog.PropertyKey)

	entities := make(map[string]*types.Entity)
	for _, fact := range current {
		e, ok := entities[fact.EntityID]
		if !ok {
			e = &types.Entity{
				ID:         fact.EntityID,
				Name:       fact.EntityID,
				Type:       fact.EntityType,
				Properties: make(map[string]*types.EntityProperty),
			}
			entities[fact.EntityID] = e
		}

		ts := timestamp.Parse(fact.Timestamp)
		prop := e.Property(fact.PropertyName)
		prop.CurrentValue = fact.Value
		prop.LastChanged = ts
		if ts > e.LastSeen {
			e.LastSeen = ts
		}
	}

	m.stateMu.Lock()
	for id, e := range entities {
		if err := m.store.Set(id, e); err != nil {
			m.stateMu.Unlock()
			return errors.Wrap(err, "Manager", "Initialize", fmt.Sprintf("store entity %s", id))
		}
	}
	m.stateMu.Unlock()

	m.initialized.Store(true)
	m.logger.Info("entity registry initialized", "entities", len(entities), "facts", len(facts))
	return nil
}

// Initialized reports whether the bulk load has completed
func (m *Manager) Initialized() bool {
	return m.initialized.Load()
}

// Registry returns the broadcast registry this manager publishes to
func (m *Manager) Registry() *registry.Registry {
	return m.registry
}

// ListEntities returns the current materialized entity list, ordered by id.
// Entities are deep-copied so callers can serialize them while the tick
// keeps mutating the originals.
func (m *Manager) ListEntities() []*types.Entity {
	m.stateMu.RLock()
	defer m.stateMu.RUnlock()

	keys := m.store.Keys()
	entities := make([]*types.Entity, 0, len(keys))
	for _, id := range keys {
		if e, ok := m.store.Get(id); ok {
			entities = append(entities, e.Clone())
		}
	}
	return entities
}

// SendSnapshot sends one entity_list message to a single connection
func (m *Manager) SendSnapshot(conn registry.Conn) error {
	return m.sendTo(conn, types.NewEntityList(m.ListEntities()))
}

// SendConnectionAck sends one connection_status message to a single connection
func (m *Manager) SendConnectionAck(conn registry.Conn) error {
	return m.sendTo(conn, types.NewConnectionStatus("connected"))
}

func (m *Manager) sendTo(conn registry.Conn, msg types.Message) error {
	if conn == nil {
		return errors.WrapInvalid(errors.ErrNoConnection, "Manager", "sendTo", "connection cannot be nil")
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return errors.WrapInvalid(err, "Manager", "sendTo", "message serialization")
	}
	if err := conn.Send(data); err != nil {
		return errors.WrapTransient(err, "Manager", "sendTo", "send to connection")
	}
	return nil
}

// Tick runs one mutation pass over every stored entity. Before the initial
// bulk load completes it does nothing at all. A failure on one entity never
// prevents the others from updating.
func (m *Manager) Tick(ctx context.Context) {
	if !m.initialized.Load() {
		return
	}

	start := time.Now()
	for _, id := range m.store.Keys() {
		if ctx.Err() != nil {
			return
		}
		m.tickEntity(ctx, id)
	}

	if m.metrics != nil {
		m.metrics.RecordTick(time.Since(start))
	}
}

// tickEntity mutates one entity, isolating panics and errors. The
// mutation runs under the state write lock so snapshot readers never
// observe a half-applied change.
func (m *Manager) tickEntity(ctx context.Context, id string) {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()

	e, ok := m.store.Get(id)
	if !ok {
		return
	}

	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("entity update panicked", "entity", id, "panic", r)
			if m.metrics != nil {
				m.metrics.RecordTickError(string(e.Type))
			}
		}
	}()

	changed := false
	for _, propName := range m.gen.AllowedProperties(e.Type) {
		prop, exists := e.Properties[propName]
		if !exists || prop == nil {
			// First sighting of the property: seed a value, no broadcast
			seeded := e.Property(propName)
			seeded.CurrentValue = m.gen.GenerateValue(propName, nil, e.Type)
			seeded.LastChanged = m.nowFn()
			changed = true
			continue
		}

		if !m.gen.ShouldChange(m.gen.ChangeFrequency(propName)) {
			continue
		}

		if err := m.mutateProperty(ctx, e, prop); err != nil {
			m.logger.Warn("property update failed", "entity", id, "property", propName, "error", err)
			if m.metrics != nil {
				m.metrics.RecordTickError(string(e.Type))
			}
			continue
		}
		changed = true
	}

	if changed {
		if err := m.store.Set(id, e); err != nil {
			m.logger.Warn("entity persist failed", "entity", id, "error", err)
			if m.metrics != nil {
				m.metrics.RecordTickError(string(e.Type))
			}
		}
	}
}

// mutateProperty generates a new value, records bounded history, appends a
// change fact, and broadcasts one entity_update
func (m *Manager) mutateProperty(ctx context.Context, e *types.Entity, prop *types.EntityProperty) error {
	now := m.nowFn()
	oldValue := prop.CurrentValue
	newValue := m.gen.GenerateValue(prop.Name, oldValue, e.Type)

	change := types.PropertyChange{
		Timestamp:  now,
		OldValue:   oldValue,
		NewValue:   newValue,
		ChangeType: classifyChange(oldValue, newValue),
	}
	prop.RecordChange(change, m.historyLimit)
	e.LastSeen = now
	e.ChangesToday++

	if err := m.changes.Append(ctx, types.EntityChange{
		EntityID:      e.ID,
		EntityType:    e.Type,
		PropertyName:  prop.Name,
		Value:         newValue,
		PreviousValue: oldValue,
		ChangeType:    change.ChangeType,
		Timestamp:     timestamp.Format(now),
	}); err != nil {
		// The in-memory state already moved on; log-only so one store
		// hiccup cannot stall the simulation
		m.logger.Warn("change fact append failed", "entity", e.ID, "property", prop.Name, "error", err)
	}

	if m.metrics != nil {
		m.metrics.RecordPropertyChange(string(e.Type), prop.Name)
	}

	return m.registry.Broadcast(types.NewEntityUpdate(e.ID, prop.Name, change))
}

// Run drives Tick on the configured interval until the context is cancelled
func (m *Manager) Run(ctx context.Context) error {
	if !m.running.CompareAndSwap(false, true) {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "Manager", "Run", "tick loop already running")
	}
	defer m.running.Store(false)

	m.logger.Info("starting mutation tick loop", "interval", m.tickInterval)
	ticker := time.NewTicker(m.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("mutation tick loop stopped")
			return nil
		case <-ticker.C:
			m.Tick(ctx)
		}
	}
}

// classifyChange labels a mutation as increase, decrease, or change based on
// the numeric direction when both values are numeric
func classifyChange(oldValue, newValue any) string {
	oldNum, oldOk := toFloat(oldValue)
	newNum, newOk := toFloat(newValue)
	if oldOk && newOk {
		switch {
		case newNum > oldNum:
			return types.ChangeTypeIncrease
		case newNum < oldNum:
			return types.ChangeTypeDecrease
		}
	}
	return types.ChangeTypeChange
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}
