// Package changelog persists and queries the append-only log of entity
// change facts. Two backends implement the same Store interface: an
// in-memory store for the demo default and a NATS JetStream KV store for
// durable deployments.
package changelog

import (
	"context"
	"sort"

	"github.com/c360/threatdeck/errors"
	"github.com/c360/threatdeck/pkg/timestamp"
	"github.com/c360/threatdeck/types"
)

// HistoryOptions narrows an entity history query. Zero values mean "no
// filter"; a Limit of 0 returns everything.
type HistoryOptions struct {
	PropertyName string
	StartTime    int64 // Unix ms, inclusive
	EndTime      int64 // Unix ms, inclusive
	Limit        int
}

// RecentOptions narrows a recent-changes query. Hours defaults to 24.
type RecentOptions struct {
	EntityType types.EntityType
	Hours      int
	Limit      int
}

// Store is the append-only change log consumed by the entity manager and
// the metrics rollup.
type Store interface {
	// Append persists one immutable fact
	Append(ctx context.Context, change types.EntityChange) error
	// GetAllData returns up to limit facts, oldest first. limit <= 0
	// returns everything; a positive limit keeps the most recent facts.
	GetAllData(ctx context.Context, limit int) ([]types.EntityChange, error)
	// GetEntityHistory returns an entity's facts, newest first
	GetEntityHistory(ctx context.Context, entityID string, opts HistoryOptions) ([]types.EntityChange, error)
	// GetRecentChanges returns facts inside the lookback window, newest first
	GetRecentChanges(ctx context.Context, opts RecentOptions) ([]types.EntityChange, error)
	// GetEntitySummary folds an entity's facts into per-property summaries.
	// Returns ErrEntityNotFound when no facts exist for the id.
	GetEntitySummary(ctx context.Context, entityID string) (*types.EntitySummary, error)
}

// filterHistory applies the entity id and HistoryOptions filters, then sorts
// newest first and truncates to the limit.
func filterHistory(facts []types.EntityChange, entityID string, opts HistoryOptions) []types.EntityChange {
	matched := make([]types.EntityChange, 0)
	for _, fact := range facts {
		if fact.EntityID != entityID {
			continue
		}
		if opts.PropertyName != "" && fact.PropertyName != opts.PropertyName {
			continue
		}
		ts := timestamp.Parse(fact.Timestamp)
		if opts.StartTime > 0 && (ts == 0 || ts < opts.StartTime) {
			continue
		}
		if opts.EndTime > 0 && (ts == 0 || ts > opts.EndTime) {
			continue
		}
		matched = append(matched, fact)
	}

	sortNewestFirst(matched)
	return truncate(matched, opts.Limit)
}

// filterRecent applies the RecentOptions window and sorts newest first
func filterRecent(facts []types.EntityChange, opts RecentOptions, nowMs int64) []types.EntityChange {
	hours := opts.Hours
	if hours <= 0 {
		hours = 24
	}
	cutoff := nowMs - int64(hours)*3600*1000

	matched := make([]types.EntityChange, 0)
	for _, fact := range facts {
		if opts.EntityType != "" && fact.EntityType != opts.EntityType {
			continue
		}
		ts := timestamp.Parse(fact.Timestamp)
		if ts == 0 || ts < cutoff {
			continue
		}
		matched = append(matched, fact)
	}

	sortNewestFirst(matched)
	return truncate(matched, opts.Limit)
}

// buildSummary folds one entity's facts into per-property summaries.
// Returns ErrEntityNotFound when the entity has no facts at all.
func buildSummary(facts []types.EntityChange, entityID string) (*types.EntitySummary, error) {
	entityFacts := make([]types.EntityChange, 0)
	for _, fact := range facts {
		if fact.EntityID == entityID {
			entityFacts = append(entityFacts, fact)
		}
	}

	if len(entityFacts) == 0 {
		return nil, errors.WrapInvalid(errors.ErrEntityNotFound, "changelog", "GetEntitySummary", entityID)
	}

	summary := &types.EntitySummary{
		EntityID:   entityID,
		EntityType: entityFacts[0].EntityType,
		Properties: make(map[string]types.PropertySummary),
	}

	counts := make(map[string]int)
	for _, fact := range entityFacts {
		counts[fact.PropertyName]++
	}

	current := LatestByKey(entityFacts, func(f types.EntityChange) string {
		return f.PropertyName
	})
	for name, fact := range current {
		summary.Properties[name] = types.PropertySummary{
			CurrentValue: fact.Value,
			ChangeCount:  counts[name],
			LastChange:   fact.Timestamp,
		}
	}

	return summary, nil
}

// sortNewestFirst orders facts by descending parsed timestamp. Unparsable
// timestamps sort last; the sort is stable so input order breaks ties.
func sortNewestFirst(facts []types.EntityChange) {
	sort.SliceStable(facts, func(i, j int) bool {
		return timestamp.Parse(facts[i].Timestamp) > timestamp.Parse(facts[j].Timestamp)
	})
}

// sortOldestFirst orders facts by ascending parsed timestamp. Unparsable
// timestamps sort first.
func sortOldestFirst(facts []types.EntityChange) {
	sort.SliceStable(facts, func(i, j int) bool {
		return timestamp.Parse(facts[i].Timestamp) < timestamp.Parse(facts[j].Timestamp)
	})
}

// truncate keeps the first limit facts; limit <= 0 keeps everything
func truncate(facts []types.EntityChange, limit int) []types.EntityChange {
	if limit > 0 && len(facts) > limit {
		return facts[:limit]
	}
	return facts
}
