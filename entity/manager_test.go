package entity

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/threatdeck/changelog"
	"github.com/c360/threatdeck/config"
	"github.com/c360/threatdeck/errors"
	"github.com/c360/threatdeck/generator"
	"github.com/c360/threatdeck/registry"
	"github.com/c360/threatdeck/types"
)

// fakeConn captures messages sent to one subscriber
type fakeConn struct {
	mu   sync.Mutex
	sent [][]byte
}

func (c *fakeConn) Open() bool { return true }

func (c *fakeConn) Send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, data)
	return nil
}

func (c *fakeConn) messages(t *testing.T) []types.Message {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()

	msgs := make([]types.Message, 0, len(c.sent))
	for _, data := range c.sent {
		var msg types.Message
		require.NoError(t, json.Unmarshal(data, &msg))
		msgs = append(msgs, msg)
	}
	return msgs
}

// failingChangeLog fails every read, for initialization error paths
type failingChangeLog struct {
	changelog.Store
}

func (f *failingChangeLog) GetAllData(_ context.Context, _ int) ([]types.EntityChange, error) {
	return nil, errors.WrapTransient(errors.ErrStoreUnavailable, "test", "GetAllData", "injected failure")
}

func simConfig(mutate func(*config.SimulationConfig)) config.SimulationConfig {
	cfg := config.DefaultConfig().Simulation
	if mutate != nil {
		mutate(&cfg)
	}
	return cfg
}

type fixture struct {
	store   *MapStore
	reg     *registry.Registry
	changes *changelog.MemoryStore
	manager *Manager
	conn    *fakeConn
}

func newFixture(t *testing.T, cfg config.SimulationConfig, genOpts []generator.Option, mgrOpts ...ManagerOption) *fixture {
	t.Helper()

	store := NewMapStore()
	reg := registry.New()
	changes := changelog.NewMemoryStore()
	conn := &fakeConn{}
	reg.Add(conn)

	mgr, err := NewManager(store, generator.New(cfg, genOpts...), reg, changes, mgrOpts...)
	require.NoError(t, err)

	return &fixture{store: store, reg: reg, changes: changes, manager: mgr, conn: conn}
}

func seedFact(entityID string, entityType types.EntityType, property string, value any, ts string) types.EntityChange {
	return types.EntityChange{
		EntityID:     entityID,
		EntityType:   entityType,
		PropertyName: property,
		Value:        value,
		ChangeType:   types.ChangeTypeChange,
		Timestamp:    ts,
	}
}

func TestNewManagerValidation(t *testing.T) {
	cfg := simConfig(nil)
	gen := generator.New(cfg)
	reg := registry.New()
	changes := changelog.NewMemoryStore()

	_, err := NewManager(nil, gen, reg, changes)
	assert.Error(t, err)
	_, err = NewManager(NewMapStore(), nil, reg, changes)
	assert.Error(t, err)
	_, err = NewManager(NewMapStore(), gen, nil, changes)
	assert.Error(t, err)
	_, err = NewManager(NewMapStore(), gen, reg, nil)
	assert.Error(t, err)
}

func TestInitializeLatestTimestampWins(t *testing.T) {
	f := newFixture(t, simConfig(nil), nil)
	ctx := context.Background()

	require.NoError(t, f.changes.Append(ctx,
		seedFact("srv-1", types.EntityTypeServer, "cpu_usage", 10.0, "2026-08-01T00:00:00Z")))
	require.NoError(t, f.changes.Append(ctx,
		seedFact("srv-1", types.EntityTypeServer, "cpu_usage", 20.0, "2026-08-02T00:00:00Z")))

	require.NoError(t, f.manager.Initialize(ctx))

	e, ok := f.store.Get("srv-1")
	require.True(t, ok)
	assert.Equal(t, 20.0, e.Properties["cpu_usage"].CurrentValue)
	assert.Equal(t, types.EntityTypeServer, e.Type)
	assert.True(t, f.manager.Initialized())
}

func TestInitializeSkipsUnparsableTimestamps(t *testing.T) {
	f := newFixture(t, simConfig(nil), nil)
	ctx := context.Background()

	require.NoError(t, f.changes.Append(ctx,
		seedFact("srv-1", types.EntityTypeServer, "cpu_usage", 10.0, "2026-08-01T00:00:00Z")))
	require.NoError(t, f.changes.Append(ctx,
		seedFact("srv-1", types.EntityTypeServer, "cpu_usage", 99.0, "definitely not a time")))

	require.NoError(t, f.manager.Initialize(ctx))

	e, ok := f.store.Get("srv-1")
	require.True(t, ok)
	assert.Equal(t, 10.0, e.Properties["cpu_usage"].CurrentValue,
		"unparsable timestamps must lose the most-recent comparison")
}

func TestInitializePropagatesLoadFailure(t *testing.T) {
	cfg := simConfig(nil)
	mgr, err := NewManager(NewMapStore(), generator.New(cfg), registry.New(), &failingChangeLog{})
	require.NoError(t, err)

	err = mgr.Initialize(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsTransient(err))
	assert.False(t, mgr.Initialized())
}

func TestTickBeforeInitializeIsNoOp(t *testing.T) {
	cfg := simConfig(func(c *config.SimulationConfig) {
		for k := range c.ChangeFrequencies {
			c.ChangeFrequencies[k] = 1
		}
	})
	f := newFixture(t, cfg, nil)

	require.NoError(t, f.store.Set("srv-1", &types.Entity{
		ID: "srv-1", Name: "srv-1", Type: types.EntityTypeServer,
	}))

	f.manager.Tick(context.Background())

	assert.Empty(t, f.conn.messages(t), "no broadcast before initialization")
	assert.Equal(t, 0, f.changes.Len(), "no facts before initialization")
}

func TestTickSeedsMissingPropertiesWithoutBroadcast(t *testing.T) {
	cfg := simConfig(func(c *config.SimulationConfig) {
		for k := range c.ChangeFrequencies {
			c.ChangeFrequencies[k] = 0
		}
	})
	f := newFixture(t, cfg, nil)
	ctx := context.Background()
	require.NoError(t, f.manager.Initialize(ctx))

	require.NoError(t, f.store.Set("srv-1", &types.Entity{
		ID: "srv-1", Name: "srv-1", Type: types.EntityTypeServer,
	}))

	f.manager.Tick(ctx)

	e, ok := f.store.Get("srv-1")
	require.True(t, ok)
	for _, prop := range []string{"cpu_usage", "memory_usage", "connection_count", "status"} {
		p := e.Properties[prop]
		require.NotNil(t, p, "missing property %s should be created", prop)
		assert.NotNil(t, p.CurrentValue)
		assert.Empty(t, p.History, "creation carries no history entry")
	}
	assert.Empty(t, f.conn.messages(t), "creation-only ticks never broadcast")
}

func TestTickMutatesAndBroadcastsPerProperty(t *testing.T) {
	cfg := simConfig(func(c *config.SimulationConfig) {
		c.AllowedProperties = map[string][]string{
			string(types.EntityTypeAIAgent): {"confidence_score"},
		}
		c.ChangeFrequencies = map[string]float64{"confidence_score": 1}
		c.NumericRanges = map[string]config.NumericRange{
			"confidence_score": {Min: 0.42, Max: 0.42},
		}
	})
	f := newFixture(t, cfg, nil, WithClock(func() int64 { return 1756684800000 }))
	ctx := context.Background()
	require.NoError(t, f.manager.Initialize(ctx))

	require.NoError(t, f.store.Set("agent-1", &types.Entity{
		ID: "agent-1", Name: "agent-1", Type: types.EntityTypeAIAgent,
		Properties: map[string]*types.EntityProperty{
			"confidence_score": {Name: "confidence_score", CurrentValue: 0.9},
		},
	}))

	f.manager.Tick(ctx)

	e, ok := f.store.Get("agent-1")
	require.True(t, ok)
	prop := e.Properties["confidence_score"]
	assert.Equal(t, 0.42, prop.CurrentValue)
	require.Len(t, prop.History, 1)
	assert.Equal(t, 0.9, prop.History[0].OldValue)
	assert.Equal(t, 0.42, prop.History[0].NewValue)
	assert.Equal(t, 1, e.ChangesToday)
	assert.Equal(t, int64(1756684800000), e.LastSeen)

	msgs := f.conn.messages(t)
	require.Len(t, msgs, 1, "exactly one entity_update per changed property")
	assert.Equal(t, types.MessageTypeEntityUpdate, msgs[0].Type)

	payload, ok := msgs[0].Payload.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "agent-1", payload["entityId"])
	assert.Equal(t, "confidence_score", payload["property"])
	assert.Equal(t, 0.9, payload["oldValue"])
	assert.Equal(t, 0.42, payload["newValue"])

	assert.Equal(t, 1, f.changes.Len(), "every mutation appends one change fact")
}

func TestTickHistoryBoundedFIFO(t *testing.T) {
	cfg := simConfig(func(c *config.SimulationConfig) {
		c.AllowedProperties = map[string][]string{
			string(types.EntityTypeSystem): {"cpu_usage"},
		}
		c.ChangeFrequencies = map[string]float64{"cpu_usage": 1}
	})

	tick := int64(0)
	f := newFixture(t, cfg, nil, WithClock(func() int64 {
		tick++
		return 1756684800000 + tick
	}))
	ctx := context.Background()
	require.NoError(t, f.manager.Initialize(ctx))

	require.NoError(t, f.store.Set("sys-1", &types.Entity{
		ID: "sys-1", Name: "sys-1", Type: types.EntityTypeSystem,
		Properties: map[string]*types.EntityProperty{
			"cpu_usage": {Name: "cpu_usage", CurrentValue: 1.0},
		},
	}))

	for i := 0; i < 15; i++ {
		f.manager.Tick(ctx)
	}

	e, ok := f.store.Get("sys-1")
	require.True(t, ok)
	prop := e.Properties["cpu_usage"]
	assert.Len(t, prop.History, 10, "history is bounded to the most recent 10 entries")
	assert.Equal(t, prop.CurrentValue, prop.History[len(prop.History)-1].NewValue)
	assert.Equal(t, 15, e.ChangesToday)

	// Oldest entries were evicted: the surviving head is from tick 6
	for i := 1; i < len(prop.History); i++ {
		assert.Greater(t, prop.History[i].Timestamp, prop.History[i-1].Timestamp)
	}
}

func TestTickIgnoresDisallowedProperties(t *testing.T) {
	cfg := simConfig(func(c *config.SimulationConfig) {
		c.AllowedProperties = map[string][]string{
			string(types.EntityTypeUser): {"status"},
		}
		c.ChangeFrequencies = map[string]float64{"status": 1, "cpu_usage": 1}
	})
	f := newFixture(t, cfg, nil)
	ctx := context.Background()
	require.NoError(t, f.manager.Initialize(ctx))

	require.NoError(t, f.store.Set("user-1", &types.Entity{
		ID: "user-1", Name: "user-1", Type: types.EntityTypeUser,
		Properties: map[string]*types.EntityProperty{
			"status":    {Name: "status", CurrentValue: "online"},
			"cpu_usage": {Name: "cpu_usage", CurrentValue: 55.0},
		},
	}))

	f.manager.Tick(ctx)

	e, _ := f.store.Get("user-1")
	assert.Equal(t, 55.0, e.Properties["cpu_usage"].CurrentValue,
		"properties outside the allowed list are never touched")
	assert.Empty(t, e.Properties["cpu_usage"].History)

	for _, msg := range f.conn.messages(t) {
		payload := msg.Payload.(map[string]any)
		assert.NotEqual(t, "cpu_usage", payload["property"])
	}
}

func TestTickZeroFrequencyNeverFires(t *testing.T) {
	cfg := simConfig(func(c *config.SimulationConfig) {
		c.AllowedProperties = map[string][]string{
			string(types.EntityTypeSystem): {"cpu_usage"},
		}
		c.ChangeFrequencies = map[string]float64{"cpu_usage": 0}
	})
	f := newFixture(t, cfg, []generator.Option{
		generator.WithRandSource(func() float64 { return 0 }),
	})
	ctx := context.Background()
	require.NoError(t, f.manager.Initialize(ctx))

	require.NoError(t, f.store.Set("sys-1", &types.Entity{
		ID: "sys-1", Name: "sys-1", Type: types.EntityTypeSystem,
		Properties: map[string]*types.EntityProperty{
			"cpu_usage": {Name: "cpu_usage", CurrentValue: 1.0},
		},
	}))

	f.manager.Tick(ctx)

	e, _ := f.store.Get("sys-1")
	assert.Equal(t, 1.0, e.Properties["cpu_usage"].CurrentValue)
	assert.Empty(t, f.conn.messages(t))
}

func TestListEntitiesSortedByID(t *testing.T) {
	f := newFixture(t, simConfig(nil), nil)

	for _, id := range []string{"c", "a", "b"} {
		require.NoError(t, f.store.Set(id, &types.Entity{ID: id, Name: id, Type: types.EntityTypeSystem}))
	}

	entities := f.manager.ListEntities()
	require.Len(t, entities, 3)
	assert.Equal(t, "a", entities[0].ID)
	assert.Equal(t, "b", entities[1].ID)
	assert.Equal(t, "c", entities[2].ID)
}

func TestSendSnapshotAndAck(t *testing.T) {
	f := newFixture(t, simConfig(nil), nil)
	require.NoError(t, f.store.Set("sys-1", &types.Entity{
		ID: "sys-1", Name: "sys-1", Type: types.EntityTypeSystem,
	}))

	conn := &fakeConn{}
	require.NoError(t, f.manager.SendSnapshot(conn))
	require.NoError(t, f.manager.SendConnectionAck(conn))

	msgs := conn.messages(t)
	require.Len(t, msgs, 2)
	assert.Equal(t, types.MessageTypeEntityList, msgs[0].Type)
	assert.Equal(t, types.MessageTypeConnectionStatus, msgs[1].Type)

	listPayload := msgs[0].Payload.(map[string]any)
	entities := listPayload["entities"].([]any)
	assert.Len(t, entities, 1)

	assert.Error(t, f.manager.SendSnapshot(nil))
}

func TestRunRejectsDoubleStart(t *testing.T) {
	f := newFixture(t, simConfig(nil), nil, WithTickInterval(10*time.Millisecond))
	ctx, cancel := context.WithCancel(context.Background())

	errCh := make(chan error, 1)
	go func() { errCh <- f.manager.Run(ctx) }()

	// Give the loop a moment to mark itself running
	require.Eventually(t, func() bool {
		return f.manager.running.Load()
	}, time.Second, time.Millisecond)

	assert.Error(t, f.manager.Run(ctx), "second Run must be rejected")

	cancel()
	require.NoError(t, <-errCh)
}

func TestListEntitiesReturnsIndependentCopies(t *testing.T) {
	f := newFixture(t, simConfig(nil), nil)

	e := &types.Entity{ID: "sys-1", Name: "sys-1", Type: types.EntityTypeSystem}
	e.Property("cpu_usage").CurrentValue = 10.0
	require.NoError(t, f.store.Set("sys-1", e))

	snapshot := f.manager.ListEntities()
	require.Len(t, snapshot, 1)
	snapshot[0].Properties["cpu_usage"].CurrentValue = 99.0
	snapshot[0].ChangesToday = 42

	stored, _ := f.store.Get("sys-1")
	assert.Equal(t, 10.0, stored.Properties["cpu_usage"].CurrentValue)
	assert.Equal(t, 0, stored.ChangesToday)
}

func TestConcurrentTickAndSnapshotMarshal(t *testing.T) {
	cfg := simConfig(func(c *config.SimulationConfig) {
		for name := range c.ChangeFrequencies {
			c.ChangeFrequencies[name] = 1.0
		}
	})
	f := newFixture(t, cfg, nil)
	require.NoError(t, f.changes.Append(context.Background(),
		seedFact("sys-1", types.EntityTypeSystem, "cpu_usage", 10.0, "2026-08-30T10:00:00Z")))
	require.NoError(t, f.manager.Initialize(context.Background()))

	ctx := context.Background()
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		for range 200 {
			f.manager.Tick(ctx)
		}
	}()
	go func() {
		defer wg.Done()
		for range 200 {
			_, err := json.Marshal(f.manager.ListEntities())
			assert.NoError(t, err)
		}
	}()

	wg.Wait()
}
