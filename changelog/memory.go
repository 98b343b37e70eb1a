package changelog

import (
	"context"
	"log/slog"
	"sync"

	"github.com/c360/threatdeck/errors"
	"github.com/c360/threatdeck/metric"
	"github.com/c360/threatdeck/pkg/timestamp"
	"github.com/c360/threatdeck/types"
)

// MemoryStore is the in-memory Store backend used when no durable store is
// configured. Facts live for the process lifetime only.
type MemoryStore struct {
	mu      sync.RWMutex
	facts   []types.EntityChange
	logger  *slog.Logger
	metrics *metric.Metrics
}

// MemoryOption configures a MemoryStore
type MemoryOption func(*MemoryStore)

// WithMemoryLogger sets the logger
func WithMemoryLogger(logger *slog.Logger) MemoryOption {
	return func(s *MemoryStore) {
		s.logger = logger
	}
}

// WithMemoryMetrics wires the core metrics
func WithMemoryMetrics(m *metric.Metrics) MemoryOption {
	return func(s *MemoryStore) {
		s.metrics = m
	}
}

// NewMemoryStore creates an empty in-memory change log
func NewMemoryStore(options ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		facts:  make([]types.EntityChange, 0),
		logger: slog.Default(),
	}
	for _, opt := range options {
		opt(s)
	}
	return s
}

// Append persists one fact
func (s *MemoryStore) Append(_ context.Context, change types.EntityChange) error {
	if change.EntityID == "" {
		return errors.WrapInvalid(errors.ErrInvalidData, "MemoryStore", "Append", "entity id cannot be empty")
	}
	if change.PropertyName == "" {
		return errors.WrapInvalid(errors.ErrInvalidData, "MemoryStore", "Append", "property name cannot be empty")
	}

	s.mu.Lock()
	s.facts = append(s.facts, change)
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.RecordChangelogAppend("memory")
	}
	return nil
}

// GetAllData returns facts oldest first, keeping the most recent limit facts
func (s *MemoryStore) GetAllData(_ context.Context, limit int) ([]types.EntityChange, error) {
	facts := s.snapshot()
	sortOldestFirst(facts)

	if limit > 0 && len(facts) > limit {
		facts = facts[len(facts)-limit:]
	}
	return facts, nil
}

// GetEntityHistory returns an entity's facts, newest first
func (s *MemoryStore) GetEntityHistory(
	_ context.Context, entityID string, opts HistoryOptions,
) ([]types.EntityChange, error) {
	if entityID == "" {
		return nil, errors.WrapInvalid(errors.ErrInvalidData, "MemoryStore", "GetEntityHistory",
			"entity id cannot be empty")
	}
	return filterHistory(s.snapshot(), entityID, opts), nil
}

// GetRecentChanges returns facts inside the lookback window, newest first
func (s *MemoryStore) GetRecentChanges(_ context.Context, opts RecentOptions) ([]types.EntityChange, error) {
	return filterRecent(s.snapshot(), opts, timestamp.Now()), nil
}

// GetEntitySummary folds an entity's facts into per-property summaries
func (s *MemoryStore) GetEntitySummary(_ context.Context, entityID string) (*types.EntitySummary, error) {
	if entityID == "" {
		return nil, errors.WrapInvalid(errors.ErrInvalidData, "MemoryStore", "GetEntitySummary",
			"entity id cannot be empty")
	}
	return buildSummary(s.snapshot(), entityID)
}

// Len returns the number of stored facts
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.facts)
}

func (s *MemoryStore) snapshot() []types.EntityChange {
	s.mu.RLock()
	defer s.mu.RUnlock()

	facts := make([]types.EntityChange, len(s.facts))
	copy(facts, s.facts)
	return facts
}

var _ Store = (*MemoryStore)(nil)
