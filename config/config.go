package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/c360/threatdeck/types"
)

// Changelog storage mode constants
const (
	StorageModeMemory = "memory" // In-memory only (demo default)
	StorageModeKV     = "kv"     // NATS JetStream KV (durable)
)

// Config represents the complete application configuration
type Config struct {
	Version    string           `json:"version,omitempty"`
	Server     ServerConfig     `json:"server"`
	NATS       NATSConfig       `json:"nats"`
	Changelog  ChangelogConfig  `json:"changelog"`
	Simulation SimulationConfig `json:"simulation"`
}

// ServerConfig defines the HTTP/WebSocket listener settings
type ServerConfig struct {
	Addr            string        `json:"addr"`
	ReadTimeout     time.Duration `json:"read_timeout,omitempty"`
	WriteTimeout    time.Duration `json:"write_timeout,omitempty"`
	ShutdownTimeout time.Duration `json:"shutdown_timeout,omitempty"`
	AllowedOrigins  []string      `json:"allowed_origins,omitempty"`
}

// NATSConfig defines NATS connection settings
type NATSConfig struct {
	URLs          []string      `json:"urls,omitempty"`
	MaxReconnects int           `json:"max_reconnects,omitempty"`
	ReconnectWait time.Duration `json:"reconnect_wait,omitempty"`
	Username      string        `json:"username,omitempty"`
	Password      string        `json:"password,omitempty"`
	Token         string        `json:"token,omitempty"`
}

// ChangelogConfig defines where change facts are persisted
type ChangelogConfig struct {
	Mode          string `json:"mode"`                     // memory or kv
	Bucket        string `json:"bucket,omitempty"`         // KV bucket name
	RetentionDays int    `json:"retention_days,omitempty"` // fact retention window
	HistoryDepth  int    `json:"history_depth,omitempty"`  // KV revisions to keep
}

// NumericRange defines the sampling range for a numeric property
type NumericRange struct {
	Min     float64 `json:"min"`
	Max     float64 `json:"max"`
	Integer bool    `json:"integer,omitempty"`
}

// SimulationConfig drives the mutation tick: which properties each entity
// type carries, how often they change, and what values they can take.
type SimulationConfig struct {
	TickInterval      time.Duration           `json:"tick_interval"`
	HistoryLimit      int                     `json:"history_limit"`
	EntityTTL         time.Duration           `json:"entity_ttl,omitempty"` // 0 = entities never expire
	ChangeFrequencies map[string]float64      `json:"change_frequencies,omitempty"`
	AllowedProperties map[string][]string     `json:"allowed_properties,omitempty"`
	NumericRanges     map[string]NumericRange `json:"numeric_ranges,omitempty"`
	EnumValues        map[string][]string     `json:"enum_values,omitempty"`
	AgentStatusValues []string                `json:"agent_status_values,omitempty"`
}

// DefaultConfig returns the configuration used when no file is supplied.
// The simulation tables mirror the entity catalogue in types.
func DefaultConfig() *Config {
	return &Config{
		Version: "1.0.0",
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			ShutdownTimeout: 10 * time.Second,
			AllowedOrigins:  []string{"*"},
		},
		NATS: NATSConfig{
			URLs:          []string{"nats://localhost:4222"},
			MaxReconnects: -1,
			ReconnectWait: 2 * time.Second,
		},
		Changelog: ChangelogConfig{
			Mode:          StorageModeMemory,
			Bucket:        "threatdeck-changes",
			RetentionDays: 7,
			HistoryDepth:  1,
		},
		Simulation: SimulationConfig{
			TickInterval: 2 * time.Second,
			HistoryLimit: 10,
			ChangeFrequencies: map[string]float64{
				"cpu_usage":           0.8,
				"memory_usage":        0.7,
				"confidence_score":    0.6,
				"connection_count":    0.5,
				"network_connections": 0.5,
				"task_count":          0.4,
				"threat_score":        0.3,
				"routing_status":      0.25,
				"severity":            0.2,
				"status":              0.15,
			},
			AllowedProperties: map[string][]string{
				string(types.EntityTypeSystem):      {"cpu_usage", "memory_usage", "status", "threat_score"},
				string(types.EntityTypeServer):      {"cpu_usage", "memory_usage", "connection_count", "status"},
				string(types.EntityTypeWorkstation): {"cpu_usage", "memory_usage", "status"},
				string(types.EntityTypeUser):        {"status", "threat_score"},
				string(types.EntityTypeSensor):      {"status", "threat_score"},
				string(types.EntityTypeAIAgent):     {"confidence_score", "status", "task_count"},
				string(types.EntityTypeThreat):      {"threat_score", "severity", "status"},
				string(types.EntityTypeNetworkNode): {"network_connections", "routing_status", "status"},
			},
			NumericRanges: map[string]NumericRange{
				"cpu_usage":           {Min: 0, Max: 100},
				"memory_usage":        {Min: 0, Max: 100},
				"threat_score":        {Min: 0, Max: 10},
				"confidence_score":    {Min: 0, Max: 1},
				"connection_count":    {Min: 0, Max: 500, Integer: true},
				"network_connections": {Min: 0, Max: 200, Integer: true},
				"task_count":          {Min: 0, Max: 50, Integer: true},
			},
			EnumValues: map[string][]string{
				"severity":       {"low", "medium", "high", "critical"},
				"status":         {"online", "offline", "idle", "degraded"},
				"routing_status": {"active", "standby", "congested", "rerouting"},
			},
			AgentStatusValues: []string{"learning", "processing", "analyzing", "idle", "responding"},
		},
	}
}

// Validate checks if the config is valid
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return errors.New("server.addr is required")
	}

	switch c.Changelog.Mode {
	case StorageModeMemory, StorageModeKV:
	default:
		return fmt.Errorf("changelog.mode %q is invalid (must be %q or %q)",
			c.Changelog.Mode, StorageModeMemory, StorageModeKV)
	}
	if c.Changelog.Mode == StorageModeKV {
		if c.Changelog.Bucket == "" {
			return errors.New("changelog.bucket is required when mode is kv")
		}
		if len(c.NATS.URLs) == 0 {
			return errors.New("nats.urls is required when changelog.mode is kv")
		}
		// JetStream KV caps per-key history at 64 revisions.
		if c.Changelog.HistoryDepth < 0 || c.Changelog.HistoryDepth > 64 {
			return fmt.Errorf("changelog.history_depth must be between 0 and 64, got %d",
				c.Changelog.HistoryDepth)
		}
	}
	if c.Changelog.RetentionDays <= 0 {
		return errors.New("changelog.retention_days must be positive")
	}

	if err := c.Simulation.validate(); err != nil {
		return fmt.Errorf("simulation: %w", err)
	}

	return nil
}

func (s *SimulationConfig) validate() error {
	if s.TickInterval <= 0 {
		return errors.New("tick_interval must be positive")
	}
	if s.HistoryLimit <= 0 {
		return errors.New("history_limit must be positive")
	}
	if s.EntityTTL < 0 {
		return errors.New("entity_ttl cannot be negative")
	}

	for name, freq := range s.ChangeFrequencies {
		if freq < 0 || freq > 1 {
			return fmt.Errorf("change_frequencies[%s] must be between 0 and 1, got %v", name, freq)
		}
	}

	for entityType := range s.AllowedProperties {
		if !types.EntityType(entityType).Valid() {
			return fmt.Errorf("allowed_properties has unknown entity type %q", entityType)
		}
	}

	for name, r := range s.NumericRanges {
		if r.Min > r.Max {
			return fmt.Errorf("numeric_ranges[%s]: min %v exceeds max %v", name, r.Min, r.Max)
		}
	}

	for name, values := range s.EnumValues {
		if len(values) == 0 {
			return fmt.Errorf("enum_values[%s] cannot be empty", name)
		}
	}

	return nil
}

// Clone creates a deep copy of the configuration
func (c *Config) Clone() *Config {
	if c == nil {
		return &Config{}
	}

	data, err := json.Marshal(c)
	if err != nil {
		copied := *c
		return &copied
	}

	var clone Config
	if err := json.Unmarshal(data, &clone); err != nil {
		copied := *c
		return &copied
	}

	return &clone
}

// SaveToFile saves the configuration to a JSON file
func (c *Config) SaveToFile(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}
