package graph

import (
	"context"
	"fmt"

	"github.com/born-ml/graphrt/internal/device"
	"github.com/born-ml/graphrt/internal/errs"
	"github.com/born-ml/graphrt/internal/tensor"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// CapturedGraph is a graph recorded for replay on fixed buffers, the runtime side
// of a device graph. Its input and output tensors are allocated once; Replay runs
// the recorded launch again over them.
type CapturedGraph struct {
	g       *CompiledGraph
	inputs  []*tensor.Tensor
	outputs []*tensor.Tensor
	choices []int
}

func unsupported(reason string, args ...any) error {
	return &errs.UnsupportedConfigurationError{Feature: "graph capture", Reason: fmt.Sprintf(reason, args...)}
}

// checkCapturable rejects graphs a device graph cannot represent: host tensors,
// dynamic shapes, symbolic tasks and tasks that still have to choose between
// kernels.
func (g *CompiledGraph) checkCapturable() error {
	for i, sig := range g.meta.Inputs {
		if sig.Device.Kind == device.CPU {
			return unsupported("input %d is a CPU tensor: %s", i, sig)
		}
		if sig.IsDynamic() {
			return unsupported("input %d has a dynamic shape: %s", i, sig)
		}
	}
	for i, sig := range g.meta.Outputs {
		if sig.Device.Kind == device.CPU {
			return unsupported("output %d is a CPU tensor: %s", i, sig)
		}
		if sig.IsDynamic() {
			return unsupported("output %d has a dynamic shape: %s", i, sig)
		}
	}
	for idx, dev := range g.exec.TensorDevice {
		if dev.Kind == device.CPU {
			return unsupported("buffer %d lives on the CPU", idx)
		}
	}
	for _, t := range g.tasks {
		if t.Meta().IsDynamic() {
			return unsupported("task %s has dynamic symbols", t.Name())
		}
		if t.NumCandidates() > 1 {
			return unsupported("task %s has %d candidate kernels", t.Name(), t.NumCandidates())
		}
	}
	return nil
}

// Capture records the graph for replay. The graph is validated before any device
// work: a graph with CPU tensors, dynamic shapes or multi-candidate tasks fails
// with an UnsupportedConfigurationError. When examples are given they provide the
// initial content of the captured inputs; otherwise the inputs are zeroed.
//
// The captured graph keeps the parent's weights and workspaces; the parent must
// outlive it.
func (g *CompiledGraph) Capture(ctx context.Context, examples ...*tensor.Tensor) (*CapturedGraph, error) {
	if err := g.checkCapturable(); err != nil {
		return nil, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.state != Ready {
		return nil, errs.Usagef("capture", "graph is %s", g.state)
	}
	if len(examples) > 0 {
		if err := tensor.CheckInputs(g.meta.Inputs, examples); err != nil {
			return nil, err
		}
	}

	c := &CapturedGraph{g: g, choices: make([]int, len(g.tasks))}
	c.inputs = make([]*tensor.Tensor, len(g.meta.Inputs))
	for i, sig := range g.meta.Inputs {
		shape, err := sig.Resolve(nil)
		if err == nil {
			c.inputs[i], err = tensor.Empty(ctx, shape, sig.DType, sig.Device)
		}
		if err == nil {
			if len(examples) > 0 {
				err = copyInto(c.inputs[i], examples[i])
			} else {
				err = c.inputs[i].SetBytes(make([]byte, c.inputs[i].NumBytes()))
			}
		}
		if err != nil {
			c.release()
			return nil, errors.Wrapf(err, "capture input %d", i)
		}
	}

	outputs, err := g.createOutputs(ctx, c.inputs)
	if err != nil {
		c.release()
		return nil, err
	}
	c.outputs = outputs
	if err := g.prepareWorkspaces(ctx); err != nil {
		c.release()
		return nil, err
	}
	if err := g.module.Launch(ctx, c.inputs, c.outputs, c.choices); err != nil {
		c.release()
		return nil, errors.Wrap(err, "capture launch")
	}
	klog.FromContext(ctx).V(2).Info("graph captured", "hash", g.meta.GraphHash, "inputs", len(c.inputs))
	return c, nil
}

func copyInto(dst, src *tensor.Tensor) error {
	data, err := src.Bytes()
	if err != nil {
		return err
	}
	return dst.SetBytes(data)
}

// Inputs returns the captured input tensors. Write new data into them before
// Replay.
func (c *CapturedGraph) Inputs() []*tensor.Tensor { return c.inputs }

// Outputs returns the captured output tensors, overwritten by every Replay.
func (c *CapturedGraph) Outputs() []*tensor.Tensor { return c.outputs }

// Replay runs the recorded launch over the captured buffers.
func (c *CapturedGraph) Replay(ctx context.Context) error {
	c.g.mu.Lock()
	defer c.g.mu.Unlock()
	if c.inputs == nil {
		return errs.Usagef("replay", "captured graph is closed")
	}
	if c.g.state != Ready {
		return errs.Usagef("replay", "graph is %s", c.g.state)
	}
	return errors.Wrap(c.g.module.Launch(ctx, c.inputs, c.outputs, c.choices), "replay")
}

// Run copies inputs into the captured inputs, replays and returns the captured
// outputs, which stay owned by c.
func (c *CapturedGraph) Run(ctx context.Context, inputs []*tensor.Tensor) ([]*tensor.Tensor, error) {
	if c.inputs == nil {
		return nil, errs.Usagef("replay", "captured graph is closed")
	}
	if err := tensor.CheckInputs(c.g.meta.Inputs, inputs); err != nil {
		return nil, err
	}
	for i, x := range inputs {
		if err := copyInto(c.inputs[i], x); err != nil {
			return nil, errors.Wrapf(err, "copy input %d", i)
		}
	}
	if err := c.Replay(ctx); err != nil {
		return nil, err
	}
	return c.outputs, nil
}

func (c *CapturedGraph) release() {
	if c.outputs != nil {
		c.g.releaseOutputs(c.outputs)
	}
	tensor.ReleaseAll(c.inputs...)
	c.inputs, c.outputs = nil, nil
}

// Close releases the captured buffers.
func (c *CapturedGraph) Close() {
	c.g.mu.Lock()
	defer c.g.mu.Unlock()
	c.release()
}
