package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yowenter/fleetd/pkg/store"
	"github.com/yowenter/fleetd/pkg/types"
)

func newTestStore(t *testing.T) *SQLiteStore {
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "fleet.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLiteCreateUpdate(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	kv, err := s.Create(ctx, &types.KVPair{Key: "/fleet/v1/driver/DRV-001", Value: `{"id":"DRV-001"}`})
	require.NoError(t, err)
	assert.Equal(t, int64(1), kv.Revision)

	_, err = s.Create(ctx, &types.KVPair{Key: "/fleet/v1/driver/DRV-001", Value: `{}`})
	assert.ErrorIs(t, err, store.ErrAlreadyExists)

	updated, err := s.Update(ctx, &types.KVPair{Key: kv.Key, Value: `{"id":"DRV-001","v":2}`, Revision: kv.Revision})
	require.NoError(t, err)
	assert.Greater(t, updated.Revision, kv.Revision)

	current, err := s.Update(ctx, &types.KVPair{Key: kv.Key, Value: `{}`, Revision: kv.Revision})
	assert.ErrorIs(t, err, store.ErrVersionMismatch)
	require.NotNil(t, current)
	assert.Equal(t, updated.Revision, current.Revision)
	assert.Equal(t, `{"id":"DRV-001","v":2}`, current.Value)

	_, err = s.Update(ctx, &types.KVPair{Key: "/fleet/v1/driver/none", Value: `{}`, Revision: 1})
	assert.ErrorIs(t, err, store.ErrNotFound)

	_, err = s.Get(ctx, "/fleet/v1/driver/none")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestSQLiteList(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	for _, k := range []string{"/fleet/v1/driver/b", "/fleet/v1/driver/a", "/fleet/v1/company/a"} {
		_, err := s.Create(ctx, &types.KVPair{Key: k, Value: `{}`})
		require.NoError(t, err)
	}

	list, err := s.List(ctx, "/fleet/v1/driver/")
	require.NoError(t, err)
	require.Len(t, list.KVPairs, 2)
	assert.Equal(t, "/fleet/v1/driver/a", list.KVPairs[0].Key)
	assert.Equal(t, "/fleet/v1/driver/b", list.KVPairs[1].Key)
}

func TestSQLiteConcurrentUpdatesOneWinner(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	kv, err := s.Create(ctx, &types.KVPair{Key: "/k", Value: `0`})
	require.NoError(t, err)

	const writers = 8
	var wg sync.WaitGroup
	var mu sync.Mutex
	var ok, mismatch int
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Update(ctx, &types.KVPair{Key: "/k", Value: `1`, Revision: kv.Revision})
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				ok++
			} else if errors.Is(err, store.ErrVersionMismatch) {
				mismatch++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, ok)
	assert.Equal(t, writers-1, mismatch)
}
