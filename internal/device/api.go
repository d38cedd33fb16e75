package device

import (
	"fmt"
	"sync"
)

// API is the raw memory interface of one device.
//
// Malloc returns 0 when the device can not satisfy a non-zero request; the caller
// decides whether to reclaim and retry. Free must only be called with addresses
// returned by Malloc.
type API interface {
	Device() Device
	Malloc(nbytes int64) uintptr
	Free(addr uintptr)
	// Synchronize blocks until all work submitted to the device has completed.
	Synchronize() error
	// Stats reports the bytes currently allocated and the peak since creation.
	Stats() (allocated, peak int64)
}

// HostMemory is implemented by APIs whose allocations the host can address directly.
type HostMemory interface {
	Bytes(addr uintptr, nbytes int64) ([]byte, error)
}

// Transfer is implemented by APIs that can move bytes between host and device memory.
type Transfer interface {
	Upload(dst uintptr, offset int64, src []byte) error
	Download(dst []byte, src uintptr, offset int64) error
}

var registry = struct {
	sync.Mutex
	apis map[Device]API
}{apis: make(map[Device]API)}

// Register installs api as the memory API of api.Device(), replacing any previous one.
func Register(api API) {
	registry.Lock()
	defer registry.Unlock()
	registry.apis[api.Device()] = api
}

// Unregister removes the API registered for dev.
func Unregister(dev Device) {
	registry.Lock()
	defer registry.Unlock()
	delete(registry.apis, dev)
}

// Lookup returns the API for dev. The host API is created on first use; other
// devices must be registered by their driver package.
func Lookup(dev Device) (API, error) {
	registry.Lock()
	defer registry.Unlock()
	if api, ok := registry.apis[dev]; ok {
		return api, nil
	}
	if dev.Kind == CPU {
		api := NewHostAPI(Host, 0)
		registry.apis[Host] = api
		return api, nil
	}
	return nil, fmt.Errorf("no memory API registered for device %s", dev)
}
