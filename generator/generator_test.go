package generator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/threatdeck/config"
	"github.com/c360/threatdeck/types"
)

func fixedRand(values ...float64) func() float64 {
	i := 0
	return func() float64 {
		v := values[i%len(values)]
		i++
		return v
	}
}

func TestGenerateValueNumericRange(t *testing.T) {
	cfg := config.DefaultConfig().Simulation

	g := New(cfg, WithRandSource(fixedRand(0.5)))
	v := g.GenerateValue("cpu_usage", 10.0, types.EntityTypeSystem)

	f, ok := v.(float64)
	require.True(t, ok, "cpu_usage should sample a float, got %T", v)
	assert.Equal(t, 50.0, f)
}

func TestGenerateValueIntegerRange(t *testing.T) {
	cfg := config.DefaultConfig().Simulation

	g := New(cfg, WithRandSource(fixedRand(0.5)))
	v := g.GenerateValue("connection_count", 0, types.EntityTypeServer)

	n, ok := v.(int)
	require.True(t, ok, "connection_count should sample an int, got %T", v)
	assert.Equal(t, 250, n)
}

func TestGenerateValueEnum(t *testing.T) {
	cfg := config.DefaultConfig().Simulation

	g := New(cfg, WithRandSource(fixedRand(0.0)))
	v := g.GenerateValue("severity", "low", types.EntityTypeThreat)
	assert.Equal(t, "low", v)

	g = New(cfg, WithRandSource(fixedRand(0.99)))
	v = g.GenerateValue("severity", "low", types.EntityTypeThreat)
	assert.Equal(t, "critical", v)
}

func TestGenerateValueAgentStatusVocabulary(t *testing.T) {
	cfg := config.DefaultConfig().Simulation
	g := New(cfg, WithRandSource(fixedRand(0.0)))

	agentStatus := g.GenerateValue("status", "idle", types.EntityTypeAIAgent)
	assert.Equal(t, "learning", agentStatus)

	serverStatus := g.GenerateValue("status", "idle", types.EntityTypeServer)
	assert.Equal(t, "online", serverStatus)
}

func TestGenerateValueUnknownPropertyIdentity(t *testing.T) {
	cfg := config.DefaultConfig().Simulation
	g := New(cfg)

	assert.Equal(t, "whatever", g.GenerateValue("no_such_property", "whatever", types.EntityTypeSystem))
	assert.Nil(t, g.GenerateValue("no_such_property", nil, types.EntityTypeSystem))
}

func TestChangeFrequency(t *testing.T) {
	cfg := config.DefaultConfig().Simulation
	g := New(cfg)

	assert.Equal(t, 0.8, g.ChangeFrequency("cpu_usage"))
	assert.Equal(t, DefaultChangeFrequency, g.ChangeFrequency("no_such_property"))
}

func TestAllowedProperties(t *testing.T) {
	cfg := config.DefaultConfig().Simulation
	g := New(cfg)

	assert.ElementsMatch(t,
		[]string{"confidence_score", "status", "task_count"},
		g.AllowedProperties(types.EntityTypeAIAgent))
	assert.Empty(t, g.AllowedProperties(types.EntityType("Toaster")))
}

func TestShouldChangeStrictLessThan(t *testing.T) {
	cfg := config.DefaultConfig().Simulation

	g := New(cfg, WithRandSource(fixedRand(0.0)))
	assert.False(t, g.ShouldChange(0), "frequency 0 must never fire")
	assert.True(t, g.ShouldChange(1), "frequency 1 must always fire")

	g = New(cfg, WithRandSource(fixedRand(0.2)))
	assert.False(t, g.ShouldChange(0.2), "roll equal to frequency must not fire")
	assert.True(t, g.ShouldChange(0.3))
}
