package changelog

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360/threatdeck/config"
	"github.com/c360/threatdeck/errors"
	"github.com/c360/threatdeck/metric"
	"github.com/c360/threatdeck/pkg/retry"
	"github.com/c360/threatdeck/pkg/timestamp"
	"github.com/c360/threatdeck/types"
)

// KVStore persists change facts in a NATS JetStream KV bucket. Each fact is
// written under a unique monotonic key; entity filtering happens on the
// decoded values, so entity ids never need to be valid KV key tokens. The
// bucket TTL enforces the retention window.
type KVStore struct {
	bucket  jetstream.KeyValue
	seq     atomic.Uint64
	logger  *slog.Logger
	metrics *metric.Metrics
	retry   retry.Config
}

// KVOption configures a KVStore
type KVOption func(*KVStore)

// WithKVLogger sets the logger
func WithKVLogger(logger *slog.Logger) KVOption {
	return func(s *KVStore) {
		s.logger = logger
	}
}

// WithKVMetrics wires the core metrics
func WithKVMetrics(m *metric.Metrics) KVOption {
	return func(s *KVStore) {
		s.metrics = m
	}
}

// NewKVStore creates (or binds to) the change-log bucket
func NewKVStore(
	ctx context.Context, js jetstream.JetStream, cfg config.ChangelogConfig, options ...KVOption,
) (*KVStore, error) {
	if js == nil {
		return nil, errors.WrapInvalid(errors.ErrNoConnection, "KVStore", "NewKVStore",
			"jetstream context cannot be nil")
	}
	if cfg.Bucket == "" {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "KVStore", "NewKVStore",
			"bucket name cannot be empty")
	}

	history := cfg.HistoryDepth
	if history <= 0 {
		history = 1
	}
	if history > 64 {
		// JetStream rejects KV buckets with more than 64 revisions.
		history = 64
	}

	bucket, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      cfg.Bucket,
		Description: "Entity change facts",
		History:     uint8(history),
		TTL:         time.Duration(cfg.RetentionDays) * 24 * time.Hour,
	})
	if err != nil {
		return nil, errors.WrapTransient(err, "KVStore", "NewKVStore", "create KV bucket")
	}

	s := &KVStore{
		bucket: bucket,
		logger: slog.Default(),
		retry:  retry.Quick(),
	}
	for _, opt := range options {
		opt(s)
	}
	return s, nil
}

// Append persists one fact under a fresh key, retrying transient failures
func (s *KVStore) Append(ctx context.Context, change types.EntityChange) error {
	if change.EntityID == "" {
		return errors.WrapInvalid(errors.ErrInvalidData, "KVStore", "Append", "entity id cannot be empty")
	}
	if change.PropertyName == "" {
		return errors.WrapInvalid(errors.ErrInvalidData, "KVStore", "Append", "property name cannot be empty")
	}

	data, err := json.Marshal(change)
	if err != nil {
		return errors.WrapFatal(err, "KVStore", "Append", "marshal change")
	}

	ts := timestamp.Parse(change.Timestamp)
	if ts == 0 {
		ts = timestamp.Now()
	}
	key := fmt.Sprintf("change.%020d.%06d", ts, s.seq.Add(1)%1000000)

	err = retry.Do(ctx, s.retry, func() error {
		_, putErr := s.bucket.Put(ctx, key, data)
		return putErr
	})
	if err != nil {
		if s.metrics != nil {
			s.metrics.RecordChangelogError("kv")
		}
		return errors.WrapTransient(err, "KVStore", "Append", "put to KV")
	}

	if s.metrics != nil {
		s.metrics.RecordChangelogAppend("kv")
	}
	return nil
}

// GetAllData returns facts oldest first, keeping the most recent limit facts
func (s *KVStore) GetAllData(ctx context.Context, limit int) ([]types.EntityChange, error) {
	facts, err := s.loadFacts(ctx)
	if err != nil {
		return nil, err
	}

	sortOldestFirst(facts)
	if limit > 0 && len(facts) > limit {
		facts = facts[len(facts)-limit:]
	}
	return facts, nil
}

// GetEntityHistory returns an entity's facts, newest first
func (s *KVStore) GetEntityHistory(
	ctx context.Context, entityID string, opts HistoryOptions,
) ([]types.EntityChange, error) {
	if entityID == "" {
		return nil, errors.WrapInvalid(errors.ErrInvalidData, "KVStore", "GetEntityHistory",
			"entity id cannot be empty")
	}

	facts, err := s.loadFacts(ctx)
	if err != nil {
		return nil, err
	}
	return filterHistory(facts, entityID, opts), nil
}

// GetRecentChanges returns facts inside the lookback window, newest first
func (s *KVStore) GetRecentChanges(ctx context.Context, opts RecentOptions) ([]types.EntityChange, error) {
	facts, err := s.loadFacts(ctx)
	if err != nil {
		return nil, err
	}
	return filterRecent(facts, opts, timestamp.Now()), nil
}

// GetEntitySummary folds an entity's facts into per-property summaries
func (s *KVStore) GetEntitySummary(ctx context.Context, entityID string) (*types.EntitySummary, error) {
	if entityID == "" {
		return nil, errors.WrapInvalid(errors.ErrInvalidData, "KVStore", "GetEntitySummary",
			"entity id cannot be empty")
	}

	facts, err := s.loadFacts(ctx)
	if err != nil {
		return nil, err
	}
	return buildSummary(facts, entityID)
}

// loadFacts reads every stored fact from the bucket. Entries that fail to
// decode are skipped with a warning rather than failing the whole query.
func (s *KVStore) loadFacts(ctx context.Context) ([]types.EntityChange, error) {
	keys, err := s.bucket.Keys(ctx)
	if err != nil {
		if stderrors.Is(err, jetstream.ErrNoKeysFound) {
			return []types.EntityChange{}, nil
		}
		if s.metrics != nil {
			s.metrics.RecordChangelogError("kv")
		}
		return nil, errors.WrapTransient(err, "KVStore", "loadFacts", "list KV keys")
	}

	facts := make([]types.EntityChange, 0, len(keys))
	for _, key := range keys {
		entry, err := s.bucket.Get(ctx, key)
		if err != nil {
			if stderrors.Is(err, jetstream.ErrKeyNotFound) {
				// Expired between Keys and Get
				continue
			}
			if s.metrics != nil {
				s.metrics.RecordChangelogError("kv")
			}
			return nil, errors.WrapTransient(err, "KVStore", "loadFacts",
				fmt.Sprintf("get key %s", key))
		}

		var fact types.EntityChange
		if err := json.Unmarshal(entry.Value(), &fact); err != nil {
			s.logger.Warn("skipping undecodable change fact", "key", key, "error", err)
			continue
		}
		facts = append(facts, fact)
	}

	return facts, nil
}

var _ Store = (*KVStore)(nil)
