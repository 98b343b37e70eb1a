package types

// Change types recorded on EntityChange facts.
const (
	ChangeTypeIncrease = "increase"
	ChangeTypeDecrease = "decrease"
	ChangeTypeChange   = "change"
)

// EntityChange is one immutable fact in the append-only change log: a single
// (entity, property, value, timestamp) observation. The timestamp is kept in
// its persisted string form (RFC3339 or a Unix value); consumers parse it
// leniently and treat an unparsable timestamp as "cannot compare" rather than
// an error. RetentionDeadline is honored by the backing store, not by this
// process.
type EntityChange struct {
	EntityID          string     `json:"entity_id"`
	EntityType        EntityType `json:"entity_type"`
	PropertyName      string     `json:"property_name"`
	Value             any        `json:"value"`
	PreviousValue     any        `json:"previous_value,omitempty"`
	ChangeType        string     `json:"change_type"`
	Timestamp         string     `json:"timestamp"`
	RetentionDeadline int64      `json:"retention_deadline,omitempty"`
}

// PropertySummary describes the observed state of one property within an
// entity summary: its resolved current value, how many facts reference it,
// and the timestamp of the most recent one.
type PropertySummary struct {
	CurrentValue any    `json:"currentValue"`
	ChangeCount  int    `json:"changeCount"`
	LastChange   string `json:"lastChange"`
}

// EntitySummary is the per-entity rollup returned by summary queries.
type EntitySummary struct {
	EntityID   string                     `json:"entityId"`
	EntityType EntityType                 `json:"entityType"`
	Properties map[string]PropertySummary `json:"properties"`
}
