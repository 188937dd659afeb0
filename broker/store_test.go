package broker

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// storeFactories enumerates every Store backend so the conformance suite
// below runs identically against both.
func storeFactories(t *testing.T) map[string]Store {
	t.Helper()

	boltPath := filepath.Join(t.TempDir(), "broker.db")
	bs, err := OpenBoltStore(boltPath)
	require.NoError(t, err)
	t.Cleanup(func() { bs.Close() })

	mr := miniredis.RunT(t)
	rs, err := NewRedisStore(context.Background(), "redis://"+mr.Addr()+"/0", "test:")
	require.NoError(t, err)
	t.Cleanup(func() { rs.Close() })

	return map[string]Store{
		"bolt":  bs,
		"redis": rs,
	}
}

func TestStore_Conformance(t *testing.T) {
	for name, store := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			t.Run("GetOnEmptyIsAbsent", func(t *testing.T) {
				_, err := store.Get(ctx, TargetRequest, "nope")
				assert.ErrorIs(t, err, ErrAbsent)
			})

			t.Run("AddGetIsItem", func(t *testing.T) {
				require.NoError(t, store.Add(ctx, TargetRequest, "fp1", "payload1"))
				v, err := store.Get(ctx, TargetRequest, "fp1")
				require.NoError(t, err)
				assert.Equal(t, "payload1", v)

				ok, err := store.IsItem(ctx, TargetRequest, "fp1")
				require.NoError(t, err)
				assert.True(t, ok)

				ok, err = store.IsItem(ctx, TargetRequest, "missing")
				require.NoError(t, err)
				assert.False(t, ok)
			})

			t.Run("UpdateReplacesFirstMatch", func(t *testing.T) {
				require.NoError(t, store.Add(ctx, TargetProcess, "fp2", "v1"))
				require.NoError(t, store.Update(ctx, TargetProcess, "fp2", "v2"))
				v, err := store.Get(ctx, TargetProcess, "fp2")
				require.NoError(t, err)
				assert.Equal(t, "v2", v)
			})

			t.Run("UpdateOnAbsentIsNoop", func(t *testing.T) {
				err := store.Update(ctx, TargetProcess, "never-added", "v")
				assert.NoError(t, err)
			})

			t.Run("RemoveDeletesFirstMatchOnly", func(t *testing.T) {
				require.NoError(t, store.Add(ctx, TargetResponse, "dup", "first"))
				require.NoError(t, store.Add(ctx, TargetResponse, "dup", "second"))
				require.NoError(t, store.Remove(ctx, TargetResponse, "dup"))
				v, err := store.Get(ctx, TargetResponse, "dup")
				require.NoError(t, err)
				assert.Equal(t, "second", v)
			})

			t.Run("RemoveOnAbsentIsNoop", func(t *testing.T) {
				assert.NoError(t, store.Remove(ctx, TargetResponse, "never-there"))
			})

			t.Run("PopIsFIFO", func(t *testing.T) {
				require.NoError(t, store.Add(ctx, TargetCache, "a", "1"))
				require.NoError(t, store.Add(ctx, TargetCache, "b", "2"))
				require.NoError(t, store.Add(ctx, TargetCache, "c", "3"))

				first, err := store.Pop(ctx, TargetCache)
				require.NoError(t, err)
				assert.Equal(t, Item{Key: "a", Value: "1"}, first)

				second, err := store.Pop(ctx, TargetCache)
				require.NoError(t, err)
				assert.Equal(t, Item{Key: "b", Value: "2"}, second)
			})

			t.Run("PopOnEmptyIsAbsent", func(t *testing.T) {
				for {
					_, err := store.Pop(ctx, TargetCache)
					if err == ErrAbsent {
						break
					}
					require.NoError(t, err)
				}
				_, err := store.Pop(ctx, TargetCache)
				assert.ErrorIs(t, err, ErrAbsent)
			})

			t.Run("GetKeysAndGetAllItemsPreserveOrder", func(t *testing.T) {
				target := Target("request") // reuse, but isolate with distinct keys
				require.NoError(t, store.Add(ctx, target, "order-1", "x"))
				require.NoError(t, store.Add(ctx, target, "order-2", "y"))

				keys, err := store.GetKeys(ctx, target)
				require.NoError(t, err)
				idx1, idx2 := indexOf(keys, "order-1"), indexOf(keys, "order-2")
				require.GreaterOrEqual(t, idx1, 0)
				require.GreaterOrEqual(t, idx2, 0)
				assert.Less(t, idx1, idx2)

				items, err := store.GetAllItems(ctx, target)
				require.NoError(t, err)
				assert.True(t, len(items) >= 2)
			})
		})
	}
}

func indexOf(ss []string, s string) int {
	for i, v := range ss {
		if v == s {
			return i
		}
	}
	return -1
}
