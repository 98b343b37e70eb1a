package entity

import (
	"sort"

	"github.com/c360/threatdeck/errors"
	"github.com/c360/threatdeck/pkg/cache"
	"github.com/c360/threatdeck/types"
)

// Store is the minimal entity storage capability the Manager depends on.
// The backing implementation is injected so it can be swapped or mocked.
type Store interface {
	Set(id string, e *types.Entity) error
	Get(id string) (*types.Entity, bool)
	Keys() []string
}

// CacheStore backs the entity Store with a pkg/cache implementation
type CacheStore struct {
	cache cache.Cache[*types.Entity]
}

// NewCacheStore wraps a cache as an entity Store
func NewCacheStore(c cache.Cache[*types.Entity]) (*CacheStore, error) {
	if c == nil {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "CacheStore", "NewCacheStore",
			"cache cannot be nil")
	}
	return &CacheStore{cache: c}, nil
}

// Set stores an entity under its id
func (s *CacheStore) Set(id string, e *types.Entity) error {
	_, err := s.cache.Set(id, e)
	return err
}

// Get retrieves an entity by id
func (s *CacheStore) Get(id string) (*types.Entity, bool) {
	return s.cache.Get(id)
}

// Keys returns all stored entity ids, sorted for stable iteration
func (s *CacheStore) Keys() []string {
	keys := s.cache.Keys()
	sort.Strings(keys)
	return keys
}

var _ Store = (*CacheStore)(nil)

// MapStore is a plain map-backed Store for tests
type MapStore struct {
	entities map[string]*types.Entity
}

// NewMapStore creates an empty MapStore
func NewMapStore() *MapStore {
	return &MapStore{entities: make(map[string]*types.Entity)}
}

// Set stores an entity under its id
func (s *MapStore) Set(id string, e *types.Entity) error {
	s.entities[id] = e
	return nil
}

// Get retrieves an entity by id
func (s *MapStore) Get(id string) (*types.Entity, bool) {
	e, ok := s.entities[id]
	return e, ok
}

// Keys returns all stored entity ids, sorted
func (s *MapStore) Keys() []string {
	keys := make([]string, 0, len(s.entities))
	for id := range s.entities {
		keys = append(keys, id)
	}
	sort.Strings(keys)
	return keys
}

var _ Store = (*MapStore)(nil)
