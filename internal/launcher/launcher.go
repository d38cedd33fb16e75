// Package launcher defines the native launcher contract of a compiled graph and
// ships the built-in "plan" launcher.
//
// A launcher runs the whole graph in one call with a precomputed kernel choice per
// task. It exposes five entry points: Init binds the weights, OutputShape reports
// the shape of an output under the current symbol values, SetWorkspace and
// WorkspaceSize manage scratch memory per device kind, and Launch runs the graph.
//
// The launcher of a graph is named in graph_module/module.json; native launcher
// libraries register a Factory under that name.
package launcher

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/born-ml/graphrt/internal/device"
	"github.com/born-ml/graphrt/internal/plan"
	"github.com/born-ml/graphrt/internal/storage"
	"github.com/born-ml/graphrt/internal/task"
	"github.com/born-ml/graphrt/internal/tensor"
	"github.com/pkg/errors"
)

// ModuleFile describes the launcher inside the graph_module directory.
const ModuleFile = "module.json"

// Module is a loaded launcher.
type Module interface {
	// Init binds the weights, ordered as the execution's weight indices.
	Init(weights []*tensor.Tensor) error
	// OutputShape returns the shape of graph output index under the bound symbols.
	OutputShape(index int) (tensor.Shape, error)
	// SetWorkspace hands the module the scratch memory for a device kind. The
	// caller keeps ownership.
	SetWorkspace(kind device.Kind, ws *storage.Storage)
	// WorkspaceSize reports the scratch bytes needed per device kind under the
	// bound symbols.
	WorkspaceSize() ([device.NumKinds]int64, error)
	// Launch runs every instruction with choices[task] as the kernel of each task.
	Launch(ctx context.Context, inputs, outputs []*tensor.Tensor, choices []int) error
}

// Binding is what a launcher is created from.
type Binding struct {
	Dir       string // graph_module directory
	Meta      *plan.MetaData
	Execution *plan.Execution
	Tasks     []*task.CompiledTask
}

// Factory creates a launcher for a graph.
type Factory func(b Binding) (Module, error)

// Descriptor is the content of module.json.
type Descriptor struct {
	Launcher string `json:"launcher"`
	Version  int    `json:"version"`
}

var factories = struct {
	sync.RWMutex
	m map[string]Factory
}{m: make(map[string]Factory)}

// Register makes a launcher available under name. Registering a name twice panics.
func Register(name string, f Factory) {
	factories.Lock()
	defer factories.Unlock()
	if _, dup := factories.m[name]; dup {
		panic(fmt.Sprintf("launcher: %q registered twice", name))
	}
	factories.m[name] = f
}

// Names lists the registered launchers.
func Names() []string {
	factories.RLock()
	defer factories.RUnlock()
	names := make([]string, 0, len(factories.m))
	for name := range factories.m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Open loads the launcher described in b.Dir.
func Open(b Binding) (Module, error) {
	var desc Descriptor
	if err := plan.ReadJSON(filepath.Join(b.Dir, ModuleFile), &desc); err != nil {
		return nil, errors.Wrap(err, "open graph module")
	}
	factories.RLock()
	f, ok := factories.m[desc.Launcher]
	factories.RUnlock()
	if !ok {
		return nil, errors.Errorf("graph module %s: launcher %q is not available", b.Dir, desc.Launcher)
	}
	m, err := f(b)
	if err != nil {
		return nil, errors.Wrapf(err, "create %s launcher", desc.Launcher)
	}
	return m, nil
}

// WriteModuleDir creates a graph_module directory for the named launcher.
func WriteModuleDir(dir, name string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrapf(err, "create %s", dir)
	}
	data, err := json.MarshalIndent(Descriptor{Launcher: name, Version: 1}, "", "  ")
	if err != nil {
		return err
	}
	return errors.Wrap(os.WriteFile(filepath.Join(dir, ModuleFile), data, 0o644), "write module descriptor")
}
