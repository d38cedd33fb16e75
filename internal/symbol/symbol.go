// Package symbol is the process-wide table of symbolic dimension values.
//
// The graph runtime binds every resolved symbol before launching kernels; kernels
// and launchers that reference a named dimension read it back from here.
package symbol

import (
	"fmt"
	"maps"
	"sync"
)

var table = struct {
	sync.RWMutex
	values map[string]int
}{values: make(map[string]int)}

// SetAll binds every entry of values in one step, so readers never observe a
// partial update.
func SetAll(values map[string]int) {
	table.Lock()
	defer table.Unlock()
	maps.Copy(table.values, values)
}

// Value returns the value bound to name.
func Value(name string) (int, bool) {
	table.RLock()
	defer table.RUnlock()
	v, ok := table.values[name]
	return v, ok
}

// Lookup returns the values bound to names, in order.
func Lookup(names []string) ([]int, error) {
	table.RLock()
	defer table.RUnlock()
	out := make([]int, len(names))
	for i, name := range names {
		v, ok := table.values[name]
		if !ok {
			return nil, fmt.Errorf("symbol %q is not bound", name)
		}
		out[i] = v
	}
	return out, nil
}

// Snapshot returns a copy of the table.
func Snapshot() map[string]int {
	table.RLock()
	defer table.RUnlock()
	return maps.Clone(table.values)
}

// Reset clears the table.
func Reset() {
	table.Lock()
	defer table.Unlock()
	clear(table.values)
}
