// Package graph runs compiled graphs.
//
// A CompiledGraph is created uninitialised or ready, depending on whether its
// weights are available, and becomes ready once SetWeights binds them. Run
// validates the inputs, binds the dynamic dimensions in the symbol table and looks
// the dimension values up in the dispatch table. A hit replays the whole graph
// through the launcher with the recorded kernel choices (fast path). A miss
// interprets the execution plan task by task, benchmarking candidate kernels where
// needed, and records the winners for next time (slow path).
package graph

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/born-ml/graphrt/internal/config"
	"github.com/born-ml/graphrt/internal/device"
	"github.com/born-ml/graphrt/internal/dispatch"
	"github.com/born-ml/graphrt/internal/errs"
	"github.com/born-ml/graphrt/internal/launcher"
	"github.com/born-ml/graphrt/internal/plan"
	"github.com/born-ml/graphrt/internal/storage"
	"github.com/born-ml/graphrt/internal/task"
	"github.com/born-ml/graphrt/internal/tensor"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// DispatchTableFile is the name of the persisted dispatch table inside the
// working directory of a graph.
const DispatchTableFile = "dispatch_table.txt"

// State is the lifecycle state of a CompiledGraph.
type State int

const (
	// Uninitialized graphs have no weights bound and cannot run.
	Uninitialized State = iota
	// Ready graphs can run.
	Ready
	// Closed graphs have released their resources.
	Closed
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Ready:
		return "ready"
	case Closed:
		return "closed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Parts are the loaded assets a CompiledGraph is made of.
type Parts struct {
	Meta        *plan.MetaData
	Execution   *plan.Execution
	Tasks       []*task.CompiledTask
	ModuleDir   string // graph_module directory naming the launcher
	GraphString string
	// Weights are optional. When all of them are given the graph starts ready;
	// the graph takes its own references, the caller keeps theirs.
	Weights []*tensor.Tensor
}

// Stats counts how calls were served.
type Stats struct {
	FastPath int
	SlowPath int
}

// CompiledGraph is a loaded compiled graph.
//
// Run, SetWeights and the other methods are serialised internally, but all graphs
// of a process share the symbol table, so graphs with dynamic dimensions should
// not be run concurrently.
type CompiledGraph struct {
	meta        *plan.MetaData
	exec        *plan.Execution
	tasks       []*task.CompiledTask
	module      launcher.Module
	moduleDir   string
	graphString string
	opts        config.Options

	outputs     []plan.Output
	dynamicDims []plan.DynamicDim
	weightSigs  []weightSignature
	workingDir  string

	mu         sync.Mutex
	state      State
	weights    []*tensor.Tensor
	table      dispatch.Table
	workspaces [device.NumKinds]*storage.Storage
	stats      Stats
}

// weightSignature is what a weight must look like to be bound. Fields are zero
// when nothing in the graph constrains them.
type weightSignature struct {
	device device.Device
	dtype  tensor.DataType
	shape  tensor.Shape
	typed  bool
}

// New assembles a CompiledGraph. The execution plan is validated against the
// tasks, and the graph's launcher is opened from p.ModuleDir.
func New(ctx context.Context, p Parts, opts config.Options) (*CompiledGraph, error) {
	if p.Meta == nil || p.Execution == nil {
		return nil, errs.Usagef("new graph", "metadata and execution plan are required")
	}
	if err := plan.Validate(p.Meta, p.Execution, len(p.Tasks)); err != nil {
		return nil, err
	}
	module, err := launcher.Open(launcher.Binding{
		Dir:       p.ModuleDir,
		Meta:      p.Meta,
		Execution: p.Execution,
		Tasks:     p.Tasks,
	})
	if err != nil {
		return nil, err
	}
	if p.Meta.ShareMap == nil {
		p.Meta.ShareMap = make(map[int]int)
	}

	g := &CompiledGraph{
		meta:        p.Meta,
		exec:        p.Execution,
		tasks:       p.Tasks,
		module:      module,
		moduleDir:   p.ModuleDir,
		graphString: p.GraphString,
		opts:        opts,
		outputs:     plan.PlanOutputs(p.Meta, p.Execution, inPlaceAliases(p.Execution, p.Tasks)),
		dynamicDims: plan.DynamicDims(p.Meta.Inputs),
		workingDir:  opts.GraphDir(p.Meta.GraphHash),
	}
	g.weightSigs = g.collectWeightSignatures()

	log := klog.FromContext(ctx)
	switch {
	case len(p.Weights) == p.Execution.NumWeights():
		if err := g.bindWeights(p.Weights); err != nil {
			return nil, err
		}
	case len(p.Weights) > 0:
		log.Info("graph created without its full weight set, call SetWeights before running",
			"hash", p.Meta.GraphHash, "expected", p.Execution.NumWeights(), "got", len(p.Weights))
	}
	log.V(2).Info("compiled graph created", "hash", p.Meta.GraphHash, "tasks", len(p.Tasks),
		"instructions", len(p.Execution.Instructions), "dynamic_dims", len(g.dynamicDims), "state", g.state)
	return g, nil
}

// inPlaceAliases maps every buffer to the buffer its producing task writes in
// place, or -1.
func inPlaceAliases(exec *plan.Execution, tasks []*task.CompiledTask) []int {
	return plan.InPlaceAliases(exec, func(i int) map[int]int { return tasks[i].Meta().ShareMap })
}

// collectWeightSignatures derives the expected signature of each weight from the
// first task that reads it.
func (g *CompiledGraph) collectWeightSignatures() []weightSignature {
	sigs := make([]weightSignature, g.exec.NumWeights())
	slot := make(map[int]int, len(sigs))
	for w, idx := range g.exec.WeightsIndex {
		sigs[w].device = g.exec.TensorDevice[idx]
		slot[idx] = w
	}
	for _, inst := range g.exec.Instructions {
		meta := g.tasks[inst.TaskIdx].Meta()
		for j, idx := range inst.Inputs {
			w, ok := slot[idx]
			if !ok || sigs[w].typed || j >= len(meta.Inputs) {
				continue
			}
			sig := meta.Inputs[j]
			sigs[w].dtype = sig.DType
			sigs[w].typed = true
			if !sig.IsDynamic() {
				sigs[w].shape, _ = sig.Resolve(nil)
			}
		}
	}
	return sigs
}

// State returns the lifecycle state.
func (g *CompiledGraph) State() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

// Meta returns the graph metadata.
func (g *CompiledGraph) Meta() *plan.MetaData { return g.meta }

// Execution returns the execution plan.
func (g *CompiledGraph) Execution() *plan.Execution { return g.exec }

// Tasks returns the compiled tasks, ordered by task index.
func (g *CompiledGraph) Tasks() []*task.CompiledTask { return g.tasks }

// GraphString returns the textual form of the source graph.
func (g *CompiledGraph) GraphString() string { return g.graphString }

// Options returns the options the graph was created with.
func (g *CompiledGraph) Options() config.Options { return g.opts }

// WorkingDir returns the directory holding the dispatch table and traces.
func (g *CompiledGraph) WorkingDir() string { return g.workingDir }

// IsDynamic reports whether the graph has symbolic dimensions.
func (g *CompiledGraph) IsDynamic() bool { return len(g.dynamicDims) > 0 }

// DynamicDims returns the dynamic dimensions in dispatch key order.
func (g *CompiledGraph) DynamicDims() []plan.DynamicDim { return g.dynamicDims }

// Outputs returns how each graph output is produced.
func (g *CompiledGraph) Outputs() []plan.Output { return g.outputs }

// Weights returns the bound weights. The graph keeps ownership.
func (g *CompiledGraph) Weights() []*tensor.Tensor {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.weights
}

// Stats returns how many calls took each path.
func (g *CompiledGraph) Stats() Stats {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.stats
}

// SetWeights binds the weights of a graph created without them. The weights must
// match the declared count and, for each weight, the device, data type and static
// shape exactly. The graph keeps its own references.
func (g *CompiledGraph) SetWeights(weights []*tensor.Tensor) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	switch g.state {
	case Ready:
		return errs.Usagef("set weights", "the weights are already set")
	case Closed:
		return errs.Usagef("set weights", "graph is closed")
	}
	if len(weights) != len(g.weightSigs) {
		return errs.Usagef("set weights", "expect %d weights, got %d", len(g.weightSigs), len(weights))
	}
	return g.bindWeights(weights)
}

func (g *CompiledGraph) bindWeights(weights []*tensor.Tensor) error {
	for i, w := range weights {
		want := g.weightSigs[i]
		switch {
		case w == nil || w.Released():
			return errs.Usagef("set weights", "weight %d is missing", i)
		case w.Device() != want.device:
			return errs.Usagef("set weights", "weight %d is on %s, expected %s", i, w.Device(), want.device)
		case want.typed && w.DType() != want.dtype:
			return errs.Usagef("set weights", "weight %d has type %s, expected %s", i, w.DType(), want.dtype)
		case want.shape != nil && !w.Shape().Equal(want.shape):
			return errs.Usagef("set weights", "weight %d has shape %v, expected %v", i, w.Shape(), want.shape)
		}
	}
	own := make([]*tensor.Tensor, len(weights))
	for i, w := range weights {
		own[i] = tensor.Share(w)
	}
	if err := g.module.Init(own); err != nil {
		tensor.ReleaseAll(own...)
		return errors.Wrap(err, "initialise launcher")
	}
	g.weights = own
	g.state = Ready
	return nil
}

// dispatchTablePath is where the table of this graph is persisted.
func (g *CompiledGraph) dispatchTablePath() string {
	return filepath.Join(g.workingDir, DispatchTableFile)
}

// dispatchTable returns the table, loading it from the working directory on
// first use. Callers hold g.mu.
func (g *CompiledGraph) dispatchTable(ctx context.Context) dispatch.Table {
	if g.table == nil {
		kind := dispatch.Points
		if g.opts.IntervalDispatch && len(g.dynamicDims) == 1 {
			kind = dispatch.Intervals
		}
		g.table = dispatch.LoadFile(ctx, g.dispatchTablePath(), kind, len(g.tasks), len(g.dynamicDims), g.opts.MaxIntervals)
	}
	return g.table
}

// DispatchTable returns the dispatch table, loading it if needed.
func (g *CompiledGraph) DispatchTable(ctx context.Context) dispatch.Table {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.dispatchTable(ctx)
}

// ClearDispatchTable forgets every recorded kernel choice, in memory and on disk.
// The next call of any dimension values takes the slow path.
func (g *CompiledGraph) ClearDispatchTable(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.table = nil
	if err := os.Remove(g.dispatchTablePath()); err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, "remove dispatch table")
	}
	klog.FromContext(ctx).V(2).Info("dispatch table cleared", "hash", g.meta.GraphHash)
	return nil
}

// persistTable writes the table if it changed. Failing to persist only costs a
// slow path in a later process, so it is logged and not returned.
func (g *CompiledGraph) persistTable(ctx context.Context) {
	if !g.table.Dirty() {
		return
	}
	log := klog.FromContext(ctx)
	if err := dispatch.WriteFile(g.dispatchTablePath(), g.table); err != nil {
		log.Error(err, "failed to persist dispatch table", "path", g.dispatchTablePath())
		return
	}
	log.V(4).Info("dispatch table persisted", "path", g.dispatchTablePath(), "entries", g.table.Len())
}

// Close releases the weights and workspaces. A closed graph cannot run.
func (g *CompiledGraph) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.state == Closed {
		return nil
	}
	tensor.ReleaseAll(g.weights...)
	g.weights = nil
	for kind, ws := range g.workspaces {
		if ws != nil {
			g.module.SetWorkspace(device.Kind(kind), nil)
			ws.Release()
			g.workspaces[kind] = nil
		}
	}
	g.state = Closed
	return nil
}
