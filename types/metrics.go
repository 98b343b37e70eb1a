package types

// AggregatedMetrics is the derived rollup computed by folding a batch of
// EntityChange facts. It is a pure value: recomputable from the same input,
// never mutated in place by consumers.
type AggregatedMetrics struct {
	ActiveThreats              int            `json:"activeThreats"`
	ThreatScore                string         `json:"threatScore"`
	AIConfidence               int            `json:"aiConfidence"`
	TotalConnections           int            `json:"totalConnections"`
	ThreatSeverityDistribution map[string]int `json:"threatSeverityDistribution"`
	AIAgentActivity            map[string]int `json:"aiAgentActivity"`
	ProtocolUsage              map[string]int `json:"protocolUsage"`
	EntityChangesByDay         map[string]int `json:"entityChangesByDay"`
}
