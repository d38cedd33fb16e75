package storage

import (
	"context"
	"sync"

	"github.com/born-ml/graphrt/internal/device"
	"github.com/born-ml/graphrt/internal/errs"
	"k8s.io/klog/v2"
)

// Pool defaults.
const (
	DefaultBlockSize     = 4096
	DefaultHostReserve   = 512 << 20 // 512 MiB
	DefaultDeviceReserve = 4 << 30   // 4 GiB
)

// Pool is a caching allocator for one device.
//
// Requests are rounded up to a multiple of the block size and a released block is
// only handed out again for a request of exactly the same rounded size. When the
// bytes cached in the pool exceed the reserve cap, every cached block is returned
// to the device.
type Pool struct {
	api        device.API
	blockSize  int64
	maxReserve int64

	mu       sync.Mutex
	free     map[int64][]uintptr
	reserved int64 // bytes cached in free lists
	active   int64 // bytes handed out and not yet released

	// Statistics
	hits   uint64
	misses uint64
	clears uint64
}

// NewPool creates a pool over api. Non-positive arguments select the defaults.
func NewPool(api device.API, blockSize, maxReserve int64) *Pool {
	if blockSize <= 0 {
		blockSize = DefaultBlockSize
	}
	if maxReserve <= 0 {
		maxReserve = DefaultHostReserve
		if api.Device().Kind.IsAccelerator() {
			maxReserve = DefaultDeviceReserve
		}
	}
	return &Pool{
		api:        api,
		blockSize:  blockSize,
		maxReserve: maxReserve,
		free:       make(map[int64][]uintptr),
	}
}

// Device returns the device the pool allocates on.
func (p *Pool) Device() device.Device { return p.api.Device() }

// BlockSize returns the allocation granularity.
func (p *Pool) BlockSize() int64 { return p.blockSize }

// RoundUp returns nbytes rounded up to the block size.
func (p *Pool) RoundUp(nbytes int64) int64 {
	return (nbytes + p.blockSize - 1) / p.blockSize * p.blockSize
}

// Allocate returns a storage of at least nbytes. A cached block of the same
// rounded size is reused without calling the device. When the device is out of
// memory the pool releases its cache and tries once more.
func (p *Pool) Allocate(ctx context.Context, nbytes int64) (*Storage, error) {
	if nbytes <= 0 {
		return External(p.api, 0, 0), nil
	}
	size := p.RoundUp(nbytes)

	p.mu.Lock()
	defer p.mu.Unlock()

	if blocks := p.free[size]; len(blocks) > 0 {
		addr := blocks[len(blocks)-1]
		p.free[size] = blocks[:len(blocks)-1]
		p.reserved -= size
		p.active += size
		p.hits++
		return New(p.api, addr, size, p.put), nil
	}

	p.misses++
	addr := p.api.Malloc(size)
	if addr == 0 {
		log := klog.FromContext(ctx)
		log.Info("device allocation failed, releasing cached blocks and retrying",
			"device", p.api.Device(), "bytes", size, "reserved", p.reserved)
		p.clearLocked(ctx)
		addr = p.api.Malloc(size)
		if addr == 0 {
			return nil, &errs.OutOfMemoryError{Requested: size, Status: p.statusLocked()}
		}
	}
	p.active += size
	return New(p.api, addr, size, p.put), nil
}

// put is the release strategy of storages issued by the pool.
func (p *Pool) put(s *Storage) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.active -= s.nbytes
	p.free[s.nbytes] = append(p.free[s.nbytes], s.addr)
	p.reserved += s.nbytes
	if p.reserved > p.maxReserve {
		p.clearLocked(context.Background())
	}
}

// Clear returns every cached block to the device. The device is synchronised
// before and after so no in-flight work still references the freed memory.
func (p *Pool) Clear(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.clearLocked(ctx)
}

func (p *Pool) clearLocked(ctx context.Context) {
	log := klog.FromContext(ctx)
	if err := p.api.Synchronize(); err != nil {
		log.Error(err, "synchronize before pool clear", "device", p.api.Device())
	}
	var blocks int
	for size, addrs := range p.free {
		for _, addr := range addrs {
			p.api.Free(addr)
		}
		blocks += len(addrs)
		delete(p.free, size)
	}
	p.reserved = 0
	p.clears++
	if err := p.api.Synchronize(); err != nil {
		log.Error(err, "synchronize after pool clear", "device", p.api.Device())
	}
	log.V(2).Info("memory pool cleared", "device", p.api.Device(), "blocks", blocks)
}

// Status returns a snapshot of the pool and its device counters.
func (p *Pool) Status() errs.PoolStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.statusLocked()
}

func (p *Pool) statusLocked() errs.PoolStatus {
	allocated, peak := p.api.Stats()
	return errs.PoolStatus{
		Device:    p.api.Device().String(),
		Allocated: allocated,
		Peak:      peak,
		Reserved:  p.reserved,
		Active:    p.active,
	}
}

// PoolStats counts pool traffic.
type PoolStats struct {
	Hits     uint64 // requests served from the cache
	Misses   uint64 // requests that reached the device
	Clears   uint64
	Reserved int64
	Active   int64
}

// Stats returns the pool counters.
func (p *Pool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return PoolStats{
		Hits:     p.hits,
		Misses:   p.misses,
		Clears:   p.clears,
		Reserved: p.reserved,
		Active:   p.active,
	}
}
