package entity

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/threatdeck/pkg/cache"
	"github.com/c360/threatdeck/types"
)

func TestCacheStore(t *testing.T) {
	c, err := cache.NewSimple[*types.Entity]()
	require.NoError(t, err)
	defer c.Close()

	store, err := NewCacheStore(c)
	require.NoError(t, err)

	require.NoError(t, store.Set("b", &types.Entity{ID: "b"}))
	require.NoError(t, store.Set("a", &types.Entity{ID: "a"}))

	e, ok := store.Get("a")
	require.True(t, ok)
	assert.Equal(t, "a", e.ID)

	_, ok = store.Get("missing")
	assert.False(t, ok)

	assert.Equal(t, []string{"a", "b"}, store.Keys(), "keys come back sorted")
}

func TestNewCacheStoreNil(t *testing.T) {
	_, err := NewCacheStore(nil)
	assert.Error(t, err)
}

func TestMapStore(t *testing.T) {
	store := NewMapStore()

	require.NoError(t, store.Set("z", &types.Entity{ID: "z"}))
	require.NoError(t, store.Set("a", &types.Entity{ID: "a"}))

	assert.Equal(t, []string{"a", "z"}, store.Keys())

	e, ok := store.Get("z")
	require.True(t, ok)
	assert.Equal(t, "z", e.ID)
}
