package storage

import (
	"context"
	"testing"

	"github.com/born-ml/graphrt/internal/device"
	"github.com/born-ml/graphrt/internal/errs"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testAccel = device.New(device.CUDA, 7)

func TestPoolReusesSizeClass(t *testing.T) {
	ctx := context.Background()
	api := device.NewHostAPI(testAccel, 0)
	pool := NewPool(api, 0, 0)

	s, err := pool.Allocate(ctx, 1000)
	require.NoError(t, err)
	assert.Equal(t, int64(DefaultBlockSize), s.NumBytes())
	addr := s.Addr()
	s.Release()

	s2, err := pool.Allocate(ctx, 3000)
	require.NoError(t, err)
	defer s2.Release()

	mallocs, frees, _ := api.Counters()
	assert.Equal(t, 1, mallocs, "second allocation must be served from the cache")
	assert.Equal(t, 0, frees)
	assert.Equal(t, addr, s2.Addr())

	stats := pool.Stats()
	assert.Equal(t, uint64(1), stats.Hits)
	assert.Equal(t, uint64(1), stats.Misses)
}

func TestPoolDifferentSizeClassesDoNotMix(t *testing.T) {
	ctx := context.Background()
	api := device.NewHostAPI(testAccel, 0)
	pool := NewPool(api, 1024, 0)

	s, err := pool.Allocate(ctx, 1024)
	require.NoError(t, err)
	s.Release()

	big, err := pool.Allocate(ctx, 1025)
	require.NoError(t, err)
	defer big.Release()
	assert.Equal(t, int64(2048), big.NumBytes())

	mallocs, _, _ := api.Counters()
	assert.Equal(t, 2, mallocs)
}

func TestPoolOverCapEviction(t *testing.T) {
	ctx := context.Background()
	api := device.NewHostAPI(testAccel, 0)
	pool := NewPool(api, 1024, 4096)

	var storages []*Storage
	for range 5 {
		s, err := pool.Allocate(ctx, 1024)
		require.NoError(t, err)
		storages = append(storages, s)
	}
	for _, s := range storages[:4] {
		s.Release()
	}
	assert.Equal(t, int64(4096), pool.Stats().Reserved, "at the cap nothing is evicted yet")

	storages[4].Release()

	stats := pool.Stats()
	assert.Equal(t, int64(0), stats.Reserved)
	assert.Equal(t, int64(0), stats.Active)
	assert.Equal(t, uint64(1), stats.Clears)

	mallocs, frees, syncs := api.Counters()
	assert.Equal(t, 5, mallocs)
	assert.Equal(t, 5, frees, "every block goes back to the device exactly once")
	assert.Equal(t, 2, syncs, "clear synchronises before and after")
	assert.Equal(t, 0, api.Live())
}

func TestPoolRetriesAfterClearOnOOM(t *testing.T) {
	ctx := context.Background()
	api := device.NewHostAPI(testAccel, 8192)
	pool := NewPool(api, 4096, 1<<20)

	s, err := pool.Allocate(ctx, 4096)
	require.NoError(t, err)
	s.Release()
	require.Equal(t, int64(4096), pool.Stats().Reserved)

	big, err := pool.Allocate(ctx, 8192)
	require.NoError(t, err)
	defer big.Release()

	assert.Equal(t, int64(0), pool.Stats().Reserved)
	_, frees, _ := api.Counters()
	assert.Equal(t, 1, frees)
}

func TestPoolOutOfMemory(t *testing.T) {
	ctx := context.Background()
	api := device.NewHostAPI(testAccel, 4096)
	pool := NewPool(api, 4096, 0)

	held, err := pool.Allocate(ctx, 4096)
	require.NoError(t, err)
	defer held.Release()

	_, err = pool.Allocate(ctx, 1)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errs.ErrOutOfMemory))

	var oom *errs.OutOfMemoryError
	require.True(t, errors.As(err, &oom))
	assert.Equal(t, int64(4096), oom.Requested)
	assert.Equal(t, int64(4096), oom.Status.Active)
	assert.Equal(t, int64(4096), oom.Status.Allocated)
	assert.Contains(t, err.Error(), "cuda:7")
}

func TestPoolZeroBytes(t *testing.T) {
	api := device.NewHostAPI(testAccel, 0)
	pool := NewPool(api, 0, 0)

	s, err := pool.Allocate(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, uintptr(0), s.Addr())
	s.Release()

	mallocs, _, _ := api.Counters()
	assert.Equal(t, 0, mallocs)
}

func TestPoolStatus(t *testing.T) {
	ctx := context.Background()
	api := device.NewHostAPI(testAccel, 0)
	pool := NewPool(api, 1024, 0)

	a, err := pool.Allocate(ctx, 1024)
	require.NoError(t, err)
	b, err := pool.Allocate(ctx, 2048)
	require.NoError(t, err)
	b.Release()

	status := pool.Status()
	assert.Equal(t, "cuda:7", status.Device)
	assert.Equal(t, int64(3072), status.Allocated)
	assert.Equal(t, int64(3072), status.Peak)
	assert.Equal(t, int64(2048), status.Reserved)
	assert.Equal(t, int64(1024), status.Active)
	assert.Contains(t, status.String(), "Reserved")

	a.Release()
	pool.Clear(ctx)
	assert.Equal(t, 0, api.Live())
}
