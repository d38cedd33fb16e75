package device

import (
	"fmt"
	"sync"
	"unsafe"
)

// HostAPI allocates device memory from the Go heap.
//
// It serves the CPU device and, relabelled with another Device, simulates an
// accelerator in tests. A non-zero limit caps the bytes that may be live at once,
// which makes device exhaustion reproducible.
type HostAPI struct {
	device Device
	limit  int64

	mu        sync.Mutex
	blocks    map[uintptr][]byte
	allocated int64
	peak      int64

	// Call counters.
	mallocs int
	frees   int
	syncs   int
}

// NewHostAPI creates a host-backed API for dev. limit <= 0 means unbounded.
func NewHostAPI(dev Device, limit int64) *HostAPI {
	return &HostAPI{
		device: dev,
		limit:  limit,
		blocks: make(map[uintptr][]byte),
	}
}

// Device returns the device this API serves.
func (h *HostAPI) Device() Device { return h.device }

// Malloc allocates nbytes of zeroed memory.
func (h *HostAPI) Malloc(nbytes int64) uintptr {
	if nbytes <= 0 {
		return 0
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.mallocs++
	if h.limit > 0 && h.allocated+nbytes > h.limit {
		return 0
	}
	buf := make([]byte, nbytes)
	addr := uintptr(unsafe.Pointer(unsafe.SliceData(buf)))
	h.blocks[addr] = buf
	h.allocated += nbytes
	h.peak = max(h.peak, h.allocated)
	return addr
}

// Free releases a block returned by Malloc. Freeing an unknown address panics:
// it means a block was released twice.
func (h *HostAPI) Free(addr uintptr) {
	h.mu.Lock()
	defer h.mu.Unlock()
	buf, ok := h.blocks[addr]
	if !ok {
		panic(fmt.Sprintf("device %s: free of unknown address %#x", h.device, addr))
	}
	delete(h.blocks, addr)
	h.allocated -= int64(len(buf))
	h.frees++
}

// Synchronize is a no-op fence: host kernels complete before returning.
func (h *HostAPI) Synchronize() error {
	h.mu.Lock()
	h.syncs++
	h.mu.Unlock()
	return nil
}

// Stats reports the live and peak allocated bytes.
func (h *HostAPI) Stats() (allocated, peak int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.allocated, h.peak
}

// Counters reports how many times Malloc, Free and Synchronize were called.
func (h *HostAPI) Counters() (mallocs, frees, syncs int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.mallocs, h.frees, h.syncs
}

// Live returns the number of blocks currently allocated.
func (h *HostAPI) Live() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.blocks)
}

// Bytes returns the first nbytes of the block starting at addr.
func (h *HostAPI) Bytes(addr uintptr, nbytes int64) ([]byte, error) {
	if nbytes == 0 {
		return nil, nil
	}
	h.mu.Lock()
	buf, ok := h.blocks[addr]
	h.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("device %s: address %#x is not a live block", h.device, addr)
	}
	if nbytes > int64(len(buf)) {
		return nil, fmt.Errorf("device %s: %d bytes requested from a %d byte block", h.device, nbytes, len(buf))
	}
	return buf[:nbytes], nil
}

var (
	_ API        = (*HostAPI)(nil)
	_ HostMemory = (*HostAPI)(nil)
)
