package graph

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/born-ml/graphrt/internal/plan"
	"github.com/born-ml/graphrt/internal/symbol"
	"github.com/born-ml/graphrt/internal/tensor"
	"github.com/born-ml/graphrt/internal/trace"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// interpreter holds the buffers of one slow-path run. Buffers produced by
// instructions are owned by the run: they are released when the plan frees them,
// when the run fails, or handed to the caller as outputs.
type interpreter struct {
	buffers map[int]*tensor.Tensor
	owned   map[int]bool
}

func (in *interpreter) release() {
	for idx := range in.owned {
		in.buffers[idx].Release()
	}
	clear(in.owned)
}

// runSlowPath interprets the execution plan one instruction at a time, picks the
// best kernel of every task for these dimensions, records the choices and saves
// a trace of the run. Nothing is recorded if any instruction fails.
func (g *CompiledGraph) runSlowPath(ctx context.Context, inputs []*tensor.Tensor, dims []int) ([]*tensor.Tensor, error) {
	log := klog.FromContext(ctx)
	if log.V(2).Enabled() {
		log.V(2).Info("running slow path", "hash", g.meta.GraphHash, "dims", dims, "symbols", symbol.Snapshot())
	}

	exec := g.exec
	if len(inputs) != len(exec.InputsIndex) {
		return nil, errors.Errorf("graph has %d inputs, got %d", len(exec.InputsIndex), len(inputs))
	}
	in := &interpreter{
		buffers: make(map[int]*tensor.Tensor, exec.NumBuffers()),
		owned:   make(map[int]bool, exec.NumBuffers()),
	}
	for i, idx := range exec.InputsIndex {
		in.buffers[idx] = inputs[i]
	}
	for i, idx := range exec.WeightsIndex {
		in.buffers[idx] = g.weights[i]
	}

	best := make([]int, len(g.tasks))
	for i := range best {
		best[i] = -1
	}
	emitter := trace.NewEmitter(map[string]any{"graph": g.graphString})

	for pc, inst := range exec.Instructions {
		t := g.tasks[inst.TaskIdx]
		args := make([]*tensor.Tensor, len(inst.Inputs))
		for j, idx := range inst.Inputs {
			x, ok := in.buffers[idx]
			if !ok {
				in.release()
				return nil, errors.Errorf("instruction %d: buffer %d is not live", pc, idx)
			}
			args[j] = x
		}

		results, err := t.RunAsync(ctx, args)
		if err != nil {
			in.release()
			return nil, errors.Wrapf(err, "instruction %d", pc)
		}
		for j, idx := range inst.Outputs {
			in.buffers[idx] = results[j]
			in.owned[idx] = true
		}

		choice, err := t.PickBestCandidate(ctx, args, results)
		if err != nil {
			in.release()
			return nil, errors.Wrapf(err, "instruction %d", pc)
		}
		best[inst.TaskIdx] = choice

		latencies, err := t.Profile(ctx, args, results)
		if err != nil {
			in.release()
			return nil, errors.Wrapf(err, "instruction %d", pc)
		}
		emitter.Append(t.Name(), time.Duration(latencies[choice]*float64(time.Millisecond)), map[string]any{
			"name":    t.Name(),
			"kernel":  t.Meta().Candidates[choice],
			"inputs":  signatureStrings(t.Meta().Inputs),
			"outputs": signatureStrings(t.Meta().Outputs),
		})

		for _, idx := range inst.Free {
			if in.owned[idx] {
				in.buffers[idx].Release()
				delete(in.owned, idx)
			}
			delete(in.buffers, idx)
		}
	}

	outputs, err := g.collectOutputs(in, inputs)
	if err != nil {
		in.release()
		return nil, err
	}
	in.release()

	// Tasks no instruction runs keep their first kernel.
	for i := range best {
		if best[i] < 0 {
			best[i] = 0
		}
	}
	if err := g.table.Update(dims, best); err != nil {
		g.releaseOutputs(outputs)
		return nil, errors.Wrap(err, "record kernel choices")
	}
	g.persistTable(ctx)
	g.saveTrace(ctx, emitter, dims)
	return outputs, nil
}

// collectOutputs takes the output buffers out of the interpreter. Handed-over
// buffers are no longer owned by it.
func (g *CompiledGraph) collectOutputs(in *interpreter, inputs []*tensor.Tensor) ([]*tensor.Tensor, error) {
	outputs := make([]*tensor.Tensor, len(g.outputs))
	for i, p := range g.outputs {
		switch p.Kind {
		case plan.ReturnInput:
			outputs[i] = inputs[p.Index]
		case plan.ReturnWeight:
			outputs[i] = tensor.Share(g.weights[p.Index])
		case plan.Prior:
			outputs[i] = outputs[p.Index]
		default:
			idx := g.exec.OutputsIndex[i]
			x, ok := in.buffers[idx]
			if !ok {
				g.releaseOutputs(outputs)
				return nil, errors.Errorf("output %d: buffer %d was never produced", i, idx)
			}
			outputs[i] = x
			delete(in.owned, idx)
		}
	}
	return outputs, nil
}

// saveTrace writes trace_<dims>.json into the working directory. A trace is a
// diagnostic; failing to write it is logged.
func (g *CompiledGraph) saveTrace(ctx context.Context, emitter *trace.Emitter, dims []int) {
	path := filepath.Join(g.workingDir, traceFileName(dims))
	err := os.MkdirAll(g.workingDir, 0o755)
	if err == nil {
		err = emitter.SaveFile(path)
	}
	if err != nil {
		klog.FromContext(ctx).Error(err, "failed to save trace", "path", path)
	}
}

// traceFileName names the trace of a slow-path run: trace.json for static graphs,
// trace_<d0>_<d1>....json otherwise.
func traceFileName(dims []int) string {
	if len(dims) == 0 {
		return "trace.json"
	}
	parts := make([]string, len(dims))
	for i, d := range dims {
		parts[i] = strconv.Itoa(d)
	}
	return "trace_" + strings.Join(parts, "_") + ".json"
}

func signatureStrings(sigs []tensor.Signature) []string {
	out := make([]string, len(sigs))
	for i, sig := range sigs {
		out[i] = sig.String()
	}
	return out
}
