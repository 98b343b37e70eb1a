package types

// Push-channel message types consumed by dashboard clients.
const (
	MessageTypeEntityList       = "entity_list"
	MessageTypeEntityUpdate     = "entity_update"
	MessageTypeConnectionStatus = "connection_status"
)

// Message is the envelope for every frame sent over the push channel.
type Message struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

// EntityListPayload carries a full entity snapshot, sent once per connection.
type EntityListPayload struct {
	Entities []*Entity `json:"entities"`
}

// EntityUpdatePayload carries one property mutation for one entity.
type EntityUpdatePayload struct {
	EntityID  string `json:"entityId"`
	Property  string `json:"property"`
	Timestamp int64  `json:"timestamp"`
	OldValue  any    `json:"oldValue"`
	NewValue  any    `json:"newValue"`
}

// ConnectionStatusPayload acknowledges a newly established connection.
type ConnectionStatusPayload struct {
	Status string `json:"status"`
}

// NewEntityList wraps entities in an entity_list message.
func NewEntityList(entities []*Entity) Message {
	return Message{Type: MessageTypeEntityList, Payload: EntityListPayload{Entities: entities}}
}

// NewEntityUpdate wraps one property mutation in an entity_update message.
func NewEntityUpdate(entityID, property string, change PropertyChange) Message {
	return Message{Type: MessageTypeEntityUpdate, Payload: EntityUpdatePayload{
		EntityID:  entityID,
		Property:  property,
		Timestamp: change.Timestamp,
		OldValue:  change.OldValue,
		NewValue:  change.NewValue,
	}}
}

// NewConnectionStatus wraps a status acknowledgment in a connection_status message.
func NewConnectionStatus(status string) Message {
	return Message{Type: MessageTypeConnectionStatus, Payload: ConnectionStatusPayload{Status: status}}
}
