package types

// EntityType identifies the kind of monitored object an Entity represents.
// The set is closed: property updates for unknown types are ignored upstream.
type EntityType string

// Known entity types.
const (
	EntityTypeSystem      EntityType = "System"
	EntityTypeUser        EntityType = "User"
	EntityTypeSensor      EntityType = "Sensor"
	EntityTypeAIAgent     EntityType = "AI_Agent"
	EntityTypeThreat      EntityType = "Threat"
	EntityTypeNetworkNode EntityType = "Network_Node"
	EntityTypeServer      EntityType = "Server"
	EntityTypeWorkstation EntityType = "Workstation"
)

// AllEntityTypes lists every member of the closed EntityType set.
var AllEntityTypes = []EntityType{
	EntityTypeSystem,
	EntityTypeUser,
	EntityTypeSensor,
	EntityTypeAIAgent,
	EntityTypeThreat,
	EntityTypeNetworkNode,
	EntityTypeServer,
	EntityTypeWorkstation,
}

// Valid reports whether t is a member of the closed entity type set.
func (t EntityType) Valid() bool {
	for _, known := range AllEntityTypes {
		if t == known {
			return true
		}
	}
	return false
}

// PropertyChange records one mutation of an entity property. Immutable once
// created; the timestamp is Unix milliseconds.
type PropertyChange struct {
	Timestamp  int64  `json:"timestamp"`
	OldValue   any    `json:"oldValue"`
	NewValue   any    `json:"newValue"`
	ChangeType string `json:"changeType,omitempty"`
}

// EntityProperty holds the current value of one named property together with
// a bounded FIFO history of its most recent changes.
type EntityProperty struct {
	Name         string           `json:"name"`
	CurrentValue any              `json:"currentValue"`
	LastChanged  int64            `json:"lastChanged"`
	History      []PropertyChange `json:"history"`
}

// RecordChange appends a change to the property history, evicting the oldest
// entry once the history exceeds limit, and updates the current value and
// last-changed timestamp to match the new change.
func (p *EntityProperty) RecordChange(change PropertyChange, limit int) {
	p.History = append(p.History, change)
	if limit > 0 && len(p.History) > limit {
		p.History = p.History[len(p.History)-limit:]
	}
	p.CurrentValue = change.NewValue
	p.LastChanged = change.Timestamp
}

// Clone returns a deep copy of the property, including its history slice.
func (p *EntityProperty) Clone() *EntityProperty {
	if p == nil {
		return nil
	}
	clone := &EntityProperty{
		Name:         p.Name,
		CurrentValue: p.CurrentValue,
		LastChanged:  p.LastChanged,
	}
	if len(p.History) > 0 {
		clone.History = make([]PropertyChange, len(p.History))
		copy(clone.History, p.History)
	}
	return clone
}

// Entity is a simulated monitored object whose named properties evolve over
// time. ID is stable for the entity's lifetime; Properties keys are a subset
// of the allowed-property set for the entity's type.
type Entity struct {
	ID           string                     `json:"id"`
	Name         string                     `json:"name"`
	Type         EntityType                 `json:"type"`
	Properties   map[string]*EntityProperty `json:"properties"`
	LastSeen     int64                      `json:"lastSeen"`
	ChangesToday int                        `json:"changesToday"`
}

// Clone returns a deep copy of the entity. Property values themselves are
// scalars and shared as-is.
func (e *Entity) Clone() *Entity {
	if e == nil {
		return nil
	}
	clone := &Entity{
		ID:           e.ID,
		Name:         e.Name,
		Type:         e.Type,
		LastSeen:     e.LastSeen,
		ChangesToday: e.ChangesToday,
	}
	if e.Properties != nil {
		clone.Properties = make(map[string]*EntityProperty, len(e.Properties))
		for name, prop := range e.Properties {
			clone.Properties[name] = prop.Clone()
		}
	}
	return clone
}

// Property returns the named property, creating an empty one if absent.
func (e *Entity) Property(name string) *EntityProperty {
	if e.Properties == nil {
		e.Properties = make(map[string]*EntityProperty)
	}
	prop, ok := e.Properties[name]
	if !ok {
		prop = &EntityProperty{Name: name}
		e.Properties[name] = prop
	}
	return prop
}
