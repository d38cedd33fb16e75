// Package kernels holds the registry of compiled kernel entry points.
//
// A compiled task names its candidate kernels; the runtime resolves the names here
// when the task is loaded. Native kernel libraries register themselves from init
// functions; the host reference kernels in this package are always available.
package kernels

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/born-ml/graphrt/internal/tensor"
	"github.com/pkg/errors"
)

// Kernel runs one operator. It reads inputs and writes every element of outputs,
// and must not touch any other memory.
type Kernel func(ctx context.Context, inputs, outputs []*tensor.Tensor) error

var registry = struct {
	sync.RWMutex
	kernels map[string]Kernel
}{kernels: make(map[string]Kernel)}

// Register adds a kernel under name. Registering a name twice panics.
func Register(name string, k Kernel) {
	registry.Lock()
	defer registry.Unlock()
	if _, dup := registry.kernels[name]; dup {
		panic(fmt.Sprintf("kernels: %q registered twice", name))
	}
	registry.kernels[name] = k
}

// Unregister removes name from the registry.
func Unregister(name string) {
	registry.Lock()
	defer registry.Unlock()
	delete(registry.kernels, name)
}

// Lookup returns the kernel registered under name.
func Lookup(name string) (Kernel, error) {
	registry.RLock()
	defer registry.RUnlock()
	k, ok := registry.kernels[name]
	if !ok {
		return nil, errors.Errorf("kernel %q is not registered", name)
	}
	return k, nil
}

// Names returns the registered kernel names in sorted order.
func Names() []string {
	registry.RLock()
	defer registry.RUnlock()
	names := make([]string, 0, len(registry.kernels))
	for name := range registry.kernels {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
