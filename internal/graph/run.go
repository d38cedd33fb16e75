package graph

import (
	"context"

	"github.com/born-ml/graphrt/internal/device"
	"github.com/born-ml/graphrt/internal/errs"
	"github.com/born-ml/graphrt/internal/plan"
	"github.com/born-ml/graphrt/internal/storage"
	"github.com/born-ml/graphrt/internal/symbol"
	"github.com/born-ml/graphrt/internal/tensor"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Run executes the graph on inputs and returns its outputs, which the caller owns
// and releases. An output that is one of the inputs is returned as that same
// tensor; an output declared in the share map views the storage of its input; an
// output listed twice is the same tensor both times.
//
// Kernels may still be running on their devices when Run returns.
func (g *CompiledGraph) Run(ctx context.Context, inputs []*tensor.Tensor) ([]*tensor.Tensor, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	for i, x := range inputs {
		if x == nil || x.Released() {
			return nil, errs.Usagef("run", "input %d is missing", i)
		}
	}
	if g.opts.RuntimeCheck {
		if err := tensor.CheckInputs(g.meta.Inputs, inputs); err != nil {
			return nil, err
		}
	}
	switch g.state {
	case Uninitialized:
		return nil, errs.Usagef("run", "the weights are not set, call SetWeights first")
	case Closed:
		return nil, errs.Usagef("run", "graph is closed")
	}

	dims, err := g.bindDims(inputs)
	if err != nil {
		return nil, err
	}
	table := g.dispatchTable(ctx)
	if table.Contains(dims) {
		choices, _ := table.Lookup(dims)
		g.persistTable(ctx)
		outputs, err := g.runFastPath(ctx, inputs, choices)
		if err != nil {
			return nil, err
		}
		g.stats.FastPath++
		return outputs, nil
	}
	outputs, err := g.runSlowPath(ctx, inputs, dims)
	if err != nil {
		return nil, err
	}
	g.stats.SlowPath++
	return outputs, nil
}

// bindDims reads the dynamic dimensions from the inputs, publishes them in the
// symbol table and returns them as the dispatch key.
func (g *CompiledGraph) bindDims(inputs []*tensor.Tensor) ([]int, error) {
	dims := make([]int, len(g.dynamicDims))
	bound := make(map[string]int, len(g.dynamicDims))
	for i, d := range g.dynamicDims {
		if d.Tensor >= len(inputs) || d.Axis >= len(inputs[d.Tensor].Shape()) {
			return nil, errs.Usagef("run", "input %d has no axis %d for dimension %s", d.Tensor, d.Axis, d.Name)
		}
		dims[i] = inputs[d.Tensor].Shape()[d.Axis]
		bound[d.Name] = dims[i]
	}
	symbol.SetAll(bound)
	return dims, nil
}

// runFastPath launches the whole graph with recorded kernel choices.
func (g *CompiledGraph) runFastPath(ctx context.Context, inputs []*tensor.Tensor, choices []int) ([]*tensor.Tensor, error) {
	if len(inputs) != len(g.exec.InputsIndex) {
		return nil, errs.Usagef("run", "expect %d inputs, got %d", len(g.exec.InputsIndex), len(inputs))
	}
	outputs, err := g.createOutputs(ctx, inputs)
	if err != nil {
		return nil, err
	}
	if err := g.prepareWorkspaces(ctx); err != nil {
		g.releaseOutputs(outputs)
		return nil, err
	}
	if err := g.module.Launch(ctx, inputs, outputs, choices); err != nil {
		g.releaseOutputs(outputs)
		return nil, errors.Wrap(err, "launch graph")
	}
	return outputs, nil
}

// createOutputs materialises the outputs following the output plan.
func (g *CompiledGraph) createOutputs(ctx context.Context, inputs []*tensor.Tensor) ([]*tensor.Tensor, error) {
	outputs := make([]*tensor.Tensor, len(g.outputs))
	for i, p := range g.outputs {
		var err error
		switch p.Kind {
		case plan.ReturnInput:
			outputs[i] = inputs[p.Index]
		case plan.ReturnWeight:
			outputs[i] = tensor.Share(g.weights[p.Index])
		case plan.Prior:
			outputs[i] = outputs[p.Index]
		case plan.AliasInput:
			var shape tensor.Shape
			if shape, err = g.outputShape(i); err == nil {
				outputs[i], err = tensor.View(inputs[p.Index], shape)
			}
		case plan.AliasOutput:
			var shape tensor.Shape
			if shape, err = g.outputShape(i); err == nil {
				outputs[i], err = tensor.View(outputs[p.Index], shape)
			}
		default:
			var shape tensor.Shape
			if shape, err = g.outputShape(i); err == nil {
				sig := g.meta.Outputs[i]
				outputs[i], err = tensor.Empty(ctx, shape, sig.DType, sig.Device)
			}
		}
		if err != nil {
			g.releaseOutputs(outputs)
			return nil, errors.Wrapf(err, "create output %d", i)
		}
	}
	return outputs, nil
}

// outputShape resolves the shape of output i; dynamic shapes come from the
// launcher under the current symbol values.
func (g *CompiledGraph) outputShape(i int) (tensor.Shape, error) {
	sig := g.meta.Outputs[i]
	if sig.IsDynamic() {
		return g.module.OutputShape(i)
	}
	return sig.Resolve(nil)
}

// releaseOutputs drops the references a failed call created. Inputs handed back
// and repeated slots are left alone.
func (g *CompiledGraph) releaseOutputs(outputs []*tensor.Tensor) {
	for i, p := range g.outputs {
		if outputs[i] == nil {
			continue
		}
		switch p.Kind {
		case plan.Fresh, plan.AliasInput, plan.AliasOutput, plan.ReturnWeight:
			outputs[i].Release()
		}
	}
}

// prepareWorkspaces grows the workspace of each device kind to what the launcher
// needs for the current symbol values. Workspaces never shrink.
func (g *CompiledGraph) prepareWorkspaces(ctx context.Context) error {
	sizes, err := g.module.WorkspaceSize()
	if err != nil {
		return errors.Wrap(err, "workspace size")
	}
	for k, size := range sizes {
		kind := device.Kind(k)
		ws := g.workspaces[kind]
		if size == 0 || (ws != nil && ws.NumBytes() >= size) {
			continue
		}
		if ws != nil {
			g.module.SetWorkspace(kind, nil)
			ws.Release()
			g.workspaces[kind] = nil
		}
		dev := g.deviceOfKind(kind)
		ws, err = storage.Allocate(ctx, dev, size)
		if err != nil {
			return errors.Wrapf(err, "allocate %s workspace", kind)
		}
		g.workspaces[kind] = ws
		g.module.SetWorkspace(kind, ws)
		klog.FromContext(ctx).V(2).Info("workspace grown", "hash", g.meta.GraphHash, "device", dev,
			"bytes", errs.FormatBytes(size))
	}
	return nil
}

// deviceOfKind returns the first plan device of the kind.
func (g *CompiledGraph) deviceOfKind(kind device.Kind) device.Device {
	for _, dev := range g.exec.TensorDevice {
		if dev.Kind == kind {
			return dev
		}
	}
	if kind == device.CPU {
		return device.Host
	}
	return device.New(kind, 0)
}

// WorkspaceBytes returns the current workspace size of a device kind.
func (g *CompiledGraph) WorkspaceBytes(kind device.Kind) int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	if ws := g.workspaces[kind]; ws != nil {
		return ws.NumBytes()
	}
	return 0
}
