package storage

import (
	"context"
	"fmt"
	"sync"

	"github.com/born-ml/graphrt/internal/device"
)

// Each device has a default pool created on first use. Use pushes an override that
// stays active until the returned restore function is called; overrides nest and
// must be restored in reverse order.
var registry = struct {
	sync.Mutex
	defaults  map[device.Device]*Pool
	overrides map[device.Device][]*Pool
}{
	defaults:  make(map[device.Device]*Pool),
	overrides: make(map[device.Device][]*Pool),
}

// Use makes p the active pool of its device until restore is called.
//
//	restore := storage.Use(pool)
//	defer restore()
func Use(p *Pool) (restore func()) {
	dev := p.Device()
	registry.Lock()
	registry.overrides[dev] = append(registry.overrides[dev], p)
	registry.Unlock()

	var restored bool
	return func() {
		registry.Lock()
		defer registry.Unlock()
		if restored {
			return
		}
		stack := registry.overrides[dev]
		if len(stack) == 0 || stack[len(stack)-1] != p {
			panic(fmt.Sprintf("storage: pool override for %s restored out of order", dev))
		}
		restored = true
		if len(stack) == 1 {
			delete(registry.overrides, dev)
			return
		}
		registry.overrides[dev] = stack[:len(stack)-1]
	}
}

// SetDefault replaces the default pool of p's device and returns the previous
// one, or nil.
func SetDefault(p *Pool) *Pool {
	registry.Lock()
	defer registry.Unlock()
	prev := registry.defaults[p.Device()]
	registry.defaults[p.Device()] = p
	return prev
}

type poolsKey struct{}

// WithPool returns a context in which p is the active pool of its device. It takes
// precedence over overrides installed with Use.
func WithPool(ctx context.Context, p *Pool) context.Context {
	prev, _ := ctx.Value(poolsKey{}).(map[device.Device]*Pool)
	pools := make(map[device.Device]*Pool, len(prev)+1)
	for dev, pool := range prev {
		pools[dev] = pool
	}
	pools[p.Device()] = p
	return context.WithValue(ctx, poolsKey{}, pools)
}

// Current returns the active pool for dev: the context pool if any, else the
// innermost Use override, else the default pool.
func Current(ctx context.Context, dev device.Device) (*Pool, error) {
	if pools, ok := ctx.Value(poolsKey{}).(map[device.Device]*Pool); ok {
		if p, ok := pools[dev]; ok {
			return p, nil
		}
	}

	registry.Lock()
	defer registry.Unlock()
	if stack := registry.overrides[dev]; len(stack) > 0 {
		return stack[len(stack)-1], nil
	}
	if p, ok := registry.defaults[dev]; ok {
		return p, nil
	}
	api, err := device.Lookup(dev)
	if err != nil {
		return nil, err
	}
	p := NewPool(api, DefaultBlockSize, 0)
	registry.defaults[dev] = p
	return p, nil
}

// Allocate allocates nbytes from the active pool of dev.
func Allocate(ctx context.Context, dev device.Device, nbytes int64) (*Storage, error) {
	p, err := Current(ctx, dev)
	if err != nil {
		return nil, err
	}
	return p.Allocate(ctx, nbytes)
}
