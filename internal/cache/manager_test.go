package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestGetOrSet_ComputesOnceThenHits(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m := NewManager(NewMemoryStore(), zap.NewNop())

	var calls atomic.Int32
	compute := func(context.Context) (any, error) {
		calls.Add(1)
		return map[string]string{"name": "dane_ipc"}, nil
	}

	var first map[string]string
	require.NoError(t, m.GetOrSet(ctx, "sources:dane_ipc", time.Minute, &first, compute))
	require.Equal(t, "dane_ipc", first["name"])

	var second map[string]string
	require.NoError(t, m.GetOrSet(ctx, "sources:dane_ipc", time.Minute, &second, compute))
	require.Equal(t, first, second)
	require.Equal(t, int32(1), calls.Load())
}

func TestGetOrSet_ComputeErrorPropagates(t *testing.T) {
	t.Parallel()

	m := NewManager(NewMemoryStore(), zap.NewNop())
	var out string
	err := m.GetOrSet(context.Background(), "k", time.Minute, &out, func(context.Context) (any, error) {
		return nil, errors.New("upstream down")
	})
	require.Error(t, err)
}

func TestGetOrSet_ConcurrentMissesAreBestEffort(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m := NewManager(NewMemoryStore(), zap.NewNop())

	var calls atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var out int
			_ = m.GetOrSet(ctx, "computed", time.Minute, &out, func(context.Context) (any, error) {
				calls.Add(1)
				return 42, nil
			})
		}()
	}
	wg.Wait()

	// Redundant computation is allowed, lost results are not.
	require.GreaterOrEqual(t, calls.Load(), int32(1))
	var out int
	found, err := m.Get(ctx, "computed", &out)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, 42, out)
}

func TestInvalidatePattern_RemovesKeyFamily(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m := NewManager(NewMemoryStore(), zap.NewNop())

	require.NoError(t, m.Set(ctx, "records:dane_ipc:latest", 1, time.Minute))
	require.NoError(t, m.Set(ctx, "records:dane_ipc:page:2", 2, time.Minute))
	require.NoError(t, m.Set(ctx, "records:el_tiempo:latest", 3, time.Minute))

	n, err := m.InvalidatePattern(ctx, "records:dane_ipc:*")
	require.NoError(t, err)
	require.Equal(t, 2, n)

	var out int
	found, err := m.Get(ctx, "records:el_tiempo:latest", &out)
	require.NoError(t, err)
	require.True(t, found)
}

func TestMemoryStore_TTLExpiry(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()
	now := time.Unix(1000, 0)
	store.clock = func() time.Time { return now }

	ctx := context.Background()
	require.NoError(t, store.Set(ctx, "k", []byte("v"), 10*time.Second))

	_, found, err := store.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, found)

	now = now.Add(11 * time.Second)
	_, found, err = store.Get(ctx, "k")
	require.NoError(t, err)
	require.False(t, found)
	require.Zero(t, store.Len())
}

func TestMemoryStore_DeletePatternBadGlob(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()
	_, err := store.DeletePattern(context.Background(), "records:[")
	require.Error(t, err)
}
