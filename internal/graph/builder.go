package graph

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/born-ml/graphrt/internal/config"
	"github.com/born-ml/graphrt/internal/device"
	"github.com/born-ml/graphrt/internal/launcher"
	"github.com/born-ml/graphrt/internal/plan"
	"github.com/born-ml/graphrt/internal/task"
	"github.com/born-ml/graphrt/internal/tensor"
	"github.com/pkg/errors"
)

// Version is recorded in the metadata of graphs built by this runtime.
const Version = "0.1.0"

// Value is a buffer of a graph under construction.
type Value struct {
	idx int
}

// Index returns the buffer index of v.
func (v Value) Index() int { return v.idx }

// Builder assembles a compiled graph from task descriptions, standing in for a
// graph compiler: it numbers the buffers, computes the free lists and the share
// map, and writes a compiled graph directory.
//
// Errors are sticky and reported by Build.
type Builder struct {
	sigs    []tensor.Signature // per buffer
	names   []string
	inputs  []int
	weights []*tensor.Tensor
	wIndex  []int
	tasks   []*task.MetaData
	byName  map[string]int
	insts   []plan.Instruction
	outputs []int
	err     error
}

// NewBuilder returns an empty builder.
func NewBuilder() *Builder {
	return &Builder{byName: make(map[string]int)}
}

func (b *Builder) buffer(sig tensor.Signature, name string) Value {
	b.sigs = append(b.sigs, sig)
	b.names = append(b.names, name)
	return Value{idx: len(b.sigs) - 1}
}

// Input declares the next graph input.
func (b *Builder) Input(sig tensor.Signature) Value {
	v := b.buffer(sig, fmt.Sprintf("x%d", len(b.inputs)))
	b.inputs = append(b.inputs, v.idx)
	return v
}

// Weight declares the next weight. The caller keeps ownership of w; the built
// graph takes its own reference.
func (b *Builder) Weight(w *tensor.Tensor) Value {
	v := b.buffer(tensor.SignatureOf(w), fmt.Sprintf("w%d", len(b.weights)))
	b.weights = append(b.weights, w)
	b.wIndex = append(b.wIndex, v.idx)
	return v
}

// Op appends an instruction running the task described by meta on inputs and
// returns its outputs. Tasks are deduplicated by name; every use of a name must
// carry the same description.
func (b *Builder) Op(meta *task.MetaData, inputs ...Value) []Value {
	if b.err != nil {
		return make([]Value, len(meta.Outputs))
	}
	if len(inputs) != len(meta.Inputs) {
		b.err = errors.Errorf("op %s: %d inputs given, task takes %d", meta.Name, len(inputs), len(meta.Inputs))
		return make([]Value, len(meta.Outputs))
	}
	taskIdx, ok := b.byName[meta.Name]
	if !ok {
		if err := meta.Validate(); err != nil {
			b.err = err
			return make([]Value, len(meta.Outputs))
		}
		taskIdx = len(b.tasks)
		b.tasks = append(b.tasks, meta)
		b.byName[meta.Name] = taskIdx
	}
	inst := plan.Instruction{TaskIdx: taskIdx}
	for _, v := range inputs {
		inst.Inputs = append(inst.Inputs, v.idx)
	}
	outs := make([]Value, len(meta.Outputs))
	for i, sig := range meta.Outputs {
		outs[i] = b.buffer(sig, fmt.Sprintf("t%d", len(b.sigs)))
		inst.Outputs = append(inst.Outputs, outs[i].idx)
	}
	b.insts = append(b.insts, inst)
	return outs
}

// Output appends graph outputs.
func (b *Builder) Output(vs ...Value) {
	for _, v := range vs {
		b.outputs = append(b.outputs, v.idx)
	}
}

// execution returns the execution plan with free lists.
func (b *Builder) execution() *plan.Execution {
	exec := &plan.Execution{
		SchemaVersion: plan.SchemaVersion,
		WeightsIndex:  append([]int(nil), b.wIndex...),
		InputsIndex:   append([]int(nil), b.inputs...),
		Instructions:  append([]plan.Instruction(nil), b.insts...),
		OutputsIndex:  append([]int(nil), b.outputs...),
		TensorDevice:  make([]device.Device, len(b.sigs)),
	}
	for i, sig := range b.sigs {
		exec.TensorDevice[i] = sig.Device
	}
	plan.ComputeFree(exec)
	return exec
}

// shareMap follows in-place writes from every graph output back to its storage
// owner and records the outputs whose owner is a graph input.
func (b *Builder) shareMap() map[int]int {
	alias := make(map[int]int)
	for _, inst := range b.insts {
		for out, in := range b.tasks[inst.TaskIdx].ShareMap {
			alias[inst.Outputs[out]] = inst.Inputs[in]
		}
	}
	share := make(map[int]int)
	for slot, idx := range b.outputs {
		root, aliased := idx, false
		for {
			next, ok := alias[root]
			if !ok {
				break
			}
			root, aliased = next, true
		}
		if !aliased {
			continue
		}
		for in, inputIdx := range b.inputs {
			if inputIdx == root {
				share[slot] = in
			}
		}
	}
	return share
}

// GraphString renders the graph under construction as text.
func (b *Builder) GraphString() string {
	var s strings.Builder
	params := make([]string, 0, len(b.inputs))
	for _, idx := range b.inputs {
		params = append(params, fmt.Sprintf("%s: %s", b.names[idx], shortSignature(b.sigs[idx])))
	}
	fmt.Fprintf(&s, "graph(%s) {\n", strings.Join(params, ", "))
	for _, idx := range b.wIndex {
		fmt.Fprintf(&s, "  %s = weight %s\n", b.names[idx], shortSignature(b.sigs[idx]))
	}
	for _, inst := range b.insts {
		ins := make([]string, len(inst.Inputs))
		for i, idx := range inst.Inputs {
			ins[i] = b.names[idx]
		}
		outs := make([]string, len(inst.Outputs))
		for i, idx := range inst.Outputs {
			outs[i] = b.names[idx]
		}
		fmt.Fprintf(&s, "  %s = %s(%s)\n", strings.Join(outs, ", "), b.tasks[inst.TaskIdx].Name, strings.Join(ins, ", "))
	}
	rets := make([]string, len(b.outputs))
	for i, idx := range b.outputs {
		rets[i] = b.names[idx]
	}
	fmt.Fprintf(&s, "  return %s\n}\n", strings.Join(rets, ", "))
	return s.String()
}

// Build writes the compiled graph into dir and loads it with the declared
// weights bound.
func (b *Builder) Build(ctx context.Context, dir string, opts config.Options) (*CompiledGraph, error) {
	if b.err != nil {
		return nil, b.err
	}
	exec := b.execution()
	graphString := b.GraphString()

	meta := &plan.MetaData{
		SchemaVersion: plan.SchemaVersion,
		Version:       Version,
		NumKernels:    len(b.tasks),
		ShareMap:      b.shareMap(),
	}
	for _, idx := range b.inputs {
		meta.Inputs = append(meta.Inputs, b.sigs[idx])
	}
	for _, idx := range b.outputs {
		meta.Outputs = append(meta.Outputs, b.sigs[idx])
	}
	parts := [][]byte{[]byte(graphString)}
	for _, t := range b.tasks {
		data, err := json.Marshal(t)
		if err != nil {
			return nil, errors.Wrapf(err, "encode task %s", t.Name)
		}
		parts = append(parts, data)
	}
	meta.GraphHash = plan.ComputeHash(parts...)

	if err := plan.Validate(meta, exec, len(b.tasks)); err != nil {
		return nil, err
	}
	for i, t := range b.tasks {
		if err := task.WriteMeta(TaskDir(dir, i), t); err != nil {
			return nil, err
		}
	}
	if err := launcher.WriteModuleDir(filepath.Join(dir, ModuleDir), launcher.PlanLauncher); err != nil {
		return nil, err
	}
	if err := plan.WriteJSON(filepath.Join(dir, plan.MetaFile), meta); err != nil {
		return nil, err
	}
	if err := plan.WriteJSON(filepath.Join(dir, plan.ExecutionFile), exec); err != nil {
		return nil, err
	}
	if err := writeFile(filepath.Join(dir, GraphStringFile), graphString); err != nil {
		return nil, err
	}
	return LoadDir(ctx, dir, b.weights, opts)
}
