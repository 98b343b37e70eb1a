// Package rollup derives aggregated dashboard metrics from batches of
// change-log facts. Results are cached under a cheap content fingerprint of
// the input batch, so repeated queries over an unchanged log tail cost one
// cache lookup instead of a recomputation.
package rollup

import (
	"fmt"
	"log/slog"
	"math"
	"strconv"

	"github.com/c360/threatdeck/changelog"
	"github.com/c360/threatdeck/errors"
	"github.com/c360/threatdeck/metric"
	"github.com/c360/threatdeck/pkg/cache"
	"github.com/c360/threatdeck/pkg/timestamp"
	"github.com/c360/threatdeck/types"
)

// Aggregator folds change facts into AggregatedMetrics with fingerprint
// caching. The fold never mutates its input.
type Aggregator struct {
	cache   cache.Cache[*types.AggregatedMetrics]
	logger  *slog.Logger
	metrics *metric.Metrics
	nowFn   func() int64
}

// Option configures an Aggregator
type Option func(*Aggregator)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(a *Aggregator) {
		a.logger = logger
	}
}

// WithMetrics wires the core metrics
func WithMetrics(m *metric.Metrics) Option {
	return func(a *Aggregator) {
		a.metrics = m
	}
}

// WithClock replaces the wall clock used for day bucketing, for tests. The
// function must return Unix milliseconds.
func WithClock(nowFn func() int64) Option {
	return func(a *Aggregator) {
		a.nowFn = nowFn
	}
}

// New creates an Aggregator with an empty fingerprint cache
func New(options ...Option) (*Aggregator, error) {
	resultCache, err := cache.NewSimple[*types.AggregatedMetrics]()
	if err != nil {
		return nil, errors.Wrap(err, "Aggregator", "New", "create result cache")
	}

	a := &Aggregator{
		cache:  resultCache,
		logger: slog.Default(),
		nowFn:  timestamp.Now,
	}
	for _, opt := range options {
		opt(a)
	}
	return a, nil
}

// Fingerprint builds the cache key for a batch: its length plus the last
// fact's raw timestamp. Cheap by design; it only needs to change when the
// tail of the log advances.
func Fingerprint(facts []types.EntityChange) string {
	if len(facts) == 0 {
		return "0:"
	}
	return fmt.Sprintf("%d:%s", len(facts), facts[len(facts)-1].Timestamp)
}

// Calculate folds a batch of facts into AggregatedMetrics. A nil or empty
// batch normalizes to the empty-metrics value, never an error. Cached
// results are returned verbatim.
func (a *Aggregator) Calculate(facts []types.EntityChange) (*types.AggregatedMetrics, error) {
	fingerprint := Fingerprint(facts)

	if cached, ok := a.cache.Get(fingerprint); ok {
		if a.metrics != nil {
			a.metrics.RecordRollupCacheHit()
		}
		return cached, nil
	}
	if a.metrics != nil {
		a.metrics.RecordRollupCacheMiss()
	}

	result := a.compute(facts)

	if _, err := a.cache.Set(fingerprint, result); err != nil {
		// A cache write failure only costs a future recomputation
		a.logger.Warn("rollup cache write failed", "fingerprint", fingerprint, "error", err)
	}

	return result, nil
}

// Preload eagerly computes and caches the rollup for a batch
func (a *Aggregator) Preload(facts []types.EntityChange) error {
	_, err := a.Calculate(facts)
	return err
}

// ClearCache drops all cached rollups. Never fails.
func (a *Aggregator) ClearCache() {
	if err := a.cache.Clear(); err != nil {
		a.logger.Warn("rollup cache clear failed", "error", err)
	}
}

// entityState is the per-entity current-value snapshot the rollup derives from
type entityState struct {
	entityType types.EntityType
	props      map[string]any
}

func (a *Aggregator) compute(facts []types.EntityChange) *types.AggregatedMetrics {
	entities := snapshotEntities(facts)

	result := &types.AggregatedMetrics{
		ThreatScore:                "0.00",
		ThreatSeverityDistribution: make(map[string]int),
		AIAgentActivity:            make(map[string]int),
		ProtocolUsage:              make(map[string]int),
		EntityChangesByDay:         a.changesByDay(facts),
	}

	var threatScores, confidences []float64
	var totalConnections float64

	for _, state := range entities {
		if state.entityType == types.EntityTypeThreat {
			result.ActiveThreats++
		}

		if score, ok := toNumber(state.props["threat_score"]); ok {
			threatScores = append(threatScores, score)
		}
		if conf, ok := toNumber(state.props["confidence_score"]); ok {
			confidences = append(confidences, conf)
		}

		connected := false
		var conns float64
		if n, ok := toNumber(state.props["connection_count"]); ok {
			conns += n
			connected = true
		}
		if n, ok := toNumber(state.props["network_connections"]); ok {
			conns += n
			connected = true
		}
		if connected {
			totalConnections += conns
		}

		if severity, ok := state.props["severity"].(string); ok {
			result.ThreatSeverityDistribution[severity]++
		}

		if state.entityType == types.EntityTypeAIAgent {
			status, ok := state.props["status"].(string)
			if !ok || status == "" {
				status = "offline"
			}
			result.AIAgentActivity[status]++
		}

		if state.entityType == types.EntityTypeNetworkNode {
			if routing, ok := state.props["routing_status"].(string); ok {
				result.ProtocolUsage[routing]++
			}
		}
	}

	if len(threatScores) > 0 {
		result.ThreatScore = fmt.Sprintf("%.2f", mean(threatScores))
	}
	if len(confidences) > 0 {
		result.AIConfidence = int(math.Round(mean(confidences) * 100))
	}
	result.TotalConnections = int(math.Round(totalConnections))

	return result
}

// snapshotEntities resolves each entity's current per-property values using
// the shared most-recent-valid-timestamp rule
func snapshotEntities(facts []types.EntityChange) map[string]*entityState {
	current := changelog.LatestByKey(facts, changelog.PropertyKey)

	entities := make(map[string]*entityState)
	for _, fact := range current {
		state, ok := entities[fact.EntityID]
		if !ok {
			state = &entityState{
				entityType: fact.EntityType,
				props:      make(map[string]any),
			}
			entities[fact.EntityID] = state
		}
		state.props[fact.PropertyName] = fact.Value
	}
	return entities
}

// changesByDay buckets raw facts by UTC calendar day over the 7 days ending
// today, all days pre-seeded with zero. Facts outside the window or with
// unparsable timestamps are dropped from this histogram only.
func (a *Aggregator) changesByDay(facts []types.EntityChange) map[string]int {
	byDay := make(map[string]int, 7)

	const dayMs = int64(24 * 3600 * 1000)
	now := a.nowFn()
	for i := 6; i >= 0; i-- {
		byDay[timestamp.Day(now-int64(i)*dayMs)] = 0
	}

	for _, fact := range facts {
		ts := timestamp.Parse(fact.Timestamp)
		if ts == 0 {
			continue
		}
		day := timestamp.Day(ts)
		if _, inWindow := byDay[day]; inWindow {
			byDay[day]++
		}
	}

	return byDay
}

func mean(values []float64) float64 {
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

// toNumber coerces fact values to float64, accepting numeric strings and
// discarding everything non-numeric
func toNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}
