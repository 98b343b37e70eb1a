// Package generator samples new property values for the simulation tick.
// It is pure aside from its random source: every lookup that misses the
// configured tables falls back to a safe default instead of failing.
package generator

import (
	"math"
	"math/rand/v2"

	"github.com/c360/threatdeck/config"
	"github.com/c360/threatdeck/types"
)

// DefaultChangeFrequency is used for properties with no configured frequency.
const DefaultChangeFrequency = 0.2

// Option configures a Generator
type Option func(*Generator)

// WithRandSource replaces the random source, for deterministic tests.
// The function must return values in [0, 1).
func WithRandSource(randFn func() float64) Option {
	return func(g *Generator) {
		g.randFn = randFn
	}
}

// Generator produces new property values from the configured simulation tables
type Generator struct {
	cfg    config.SimulationConfig
	randFn func() float64
}

// New creates a Generator backed by the given simulation tables
func New(cfg config.SimulationConfig, options ...Option) *Generator {
	g := &Generator{
		cfg:    cfg,
		randFn: rand.Float64,
	}
	for _, opt := range options {
		opt(g)
	}
	return g
}

// GenerateValue samples a new value for a property. Numeric properties draw
// uniformly from their configured range, enum properties pick a random member
// of their vocabulary. The status property of AI agents draws from a distinct
// vocabulary. Unknown property names return currentValue unchanged.
func (g *Generator) GenerateValue(propertyName string, currentValue any, entityType types.EntityType) any {
	if propertyName == "status" && entityType == types.EntityTypeAIAgent && len(g.cfg.AgentStatusValues) > 0 {
		return g.pickEnum(g.cfg.AgentStatusValues)
	}

	if r, ok := g.cfg.NumericRanges[propertyName]; ok {
		return g.sampleNumeric(r)
	}

	if values, ok := g.cfg.EnumValues[propertyName]; ok && len(values) > 0 {
		return g.pickEnum(values)
	}

	// Identity fallback for unrecognized properties
	return currentValue
}

// ChangeFrequency returns the per-tick change probability for a property,
// defaulting to DefaultChangeFrequency when unconfigured.
func (g *Generator) ChangeFrequency(propertyName string) float64 {
	if freq, ok := g.cfg.ChangeFrequencies[propertyName]; ok {
		return freq
	}
	return DefaultChangeFrequency
}

// AllowedProperties returns the property list for an entity type, empty for
// unknown types.
func (g *Generator) AllowedProperties(entityType types.EntityType) []string {
	return g.cfg.AllowedProperties[string(entityType)]
}

// ShouldChange rolls the change decision. Strict less-than: frequency 0
// never fires, frequency 1 always fires.
func (g *Generator) ShouldChange(frequency float64) bool {
	return g.randFn() < frequency
}

func (g *Generator) sampleNumeric(r config.NumericRange) any {
	v := r.Min + g.randFn()*(r.Max-r.Min)
	if r.Integer {
		return int(math.Round(v))
	}
	return math.Round(v*100) / 100
}

func (g *Generator) pickEnum(values []string) string {
	idx := int(g.randFn() * float64(len(values)))
	if idx >= len(values) {
		idx = len(values) - 1
	}
	return values[idx]
}
