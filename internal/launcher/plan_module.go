package launcher

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/born-ml/graphrt/internal/device"
	"github.com/born-ml/graphrt/internal/plan"
	"github.com/born-ml/graphrt/internal/storage"
	"github.com/born-ml/graphrt/internal/symbol"
	"github.com/born-ml/graphrt/internal/tensor"
	"github.com/pkg/errors"
)

// PlanLauncher is the name of the built-in launcher, which replays the execution
// plan with the given kernel choices inside the workspaces.
const PlanLauncher = "plan"

func init() {
	Register(PlanLauncher, newPlanModule)
}

type planModule struct {
	b       Binding
	symbols []string // every symbol the layout depends on

	weights    []*tensor.Tensor
	workspaces [device.NumKinds]*storage.Storage

	mu      sync.Mutex
	layouts map[string]*Layout
}

func newPlanModule(b Binding) (Module, error) {
	exec := b.Execution
	if err := plan.Validate(b.Meta, exec, len(b.Tasks)); err != nil {
		return nil, err
	}

	m := &planModule{b: b, layouts: make(map[string]*Layout)}
	seen := make(map[string]bool)
	addSymbols := func(sigs []tensor.Signature) {
		for _, sig := range sigs {
			for _, name := range sig.Symbols() {
				if !seen[name] {
					seen[name] = true
					m.symbols = append(m.symbols, name)
				}
			}
		}
	}
	addSymbols(b.Meta.Inputs)
	addSymbols(b.Meta.Outputs)
	for _, t := range b.Tasks {
		addSymbols(t.Meta().Inputs)
		addSymbols(t.Meta().Outputs)
	}

	// Outputs written in place into a graph input must be declared in the share map
	// so the caller's output tensor views the same storage.
	alias := plan.InPlaceAliases(exec, func(i int) map[int]int { return b.Tasks[i].Meta().ShareMap })
	for slot, idx := range exec.OutputsIndex {
		r := plan.Root(alias, idx)
		if r == idx {
			continue
		}
		for in, inputIdx := range exec.InputsIndex {
			if inputIdx != r {
				continue
			}
			if got, ok := b.Meta.ShareMap[slot]; !ok || got != in {
				return nil, errors.Errorf("output %d writes into input %d but the share map does not say so", slot, in)
			}
		}
	}
	return m, nil
}

func (m *planModule) Init(weights []*tensor.Tensor) error {
	if len(weights) != m.b.Execution.NumWeights() {
		return errors.Errorf("expected %d weights, got %d", m.b.Execution.NumWeights(), len(weights))
	}
	m.weights = weights
	m.mu.Lock()
	clear(m.layouts)
	m.mu.Unlock()
	return nil
}

func (m *planModule) OutputShape(index int) (tensor.Shape, error) {
	if index < 0 || index >= len(m.b.Meta.Outputs) {
		return nil, errors.Errorf("output %d out of range", index)
	}
	values, err := m.values()
	if err != nil {
		return nil, err
	}
	return m.b.Meta.Outputs[index].Resolve(values)
}

func (m *planModule) SetWorkspace(kind device.Kind, ws *storage.Storage) {
	m.workspaces[kind] = ws
}

func (m *planModule) WorkspaceSize() ([device.NumKinds]int64, error) {
	l, err := m.layout()
	if err != nil {
		return [device.NumKinds]int64{}, err
	}
	return l.Workspace(), nil
}

func (m *planModule) values() (map[string]int, error) {
	vals, err := symbol.Lookup(m.symbols)
	if err != nil {
		return nil, err
	}
	values := make(map[string]int, len(vals))
	for i, name := range m.symbols {
		values[name] = vals[i]
	}
	return values, nil
}

// layout returns the layout for the bound symbol values, computing it once per
// distinct set of values.
func (m *planModule) layout() (*Layout, error) {
	if m.weights == nil && m.b.Execution.NumWeights() > 0 {
		return nil, errors.New("launcher is not initialised")
	}
	values, err := m.values()
	if err != nil {
		return nil, err
	}
	var key strings.Builder
	for _, name := range m.symbols {
		fmt.Fprintf(&key, "%s=%d;", name, values[name])
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if l, ok := m.layouts[key.String()]; ok {
		return l, nil
	}
	shapes := make([]tensor.Shape, len(m.weights))
	types := make([]tensor.DataType, len(m.weights))
	for i, w := range m.weights {
		shapes[i], types[i] = w.Shape(), w.DType()
	}
	l, err := computeLayout(m.b, shapes, types, values)
	if err != nil {
		return nil, err
	}
	m.layouts[key.String()] = l
	return l, nil
}

func (m *planModule) Launch(ctx context.Context, inputs, outputs []*tensor.Tensor, choices []int) error {
	exec := m.b.Execution
	if len(inputs) != len(exec.InputsIndex) || len(outputs) != len(exec.OutputsIndex) {
		return errors.Errorf("launch with %d inputs and %d outputs, graph has %d and %d",
			len(inputs), len(outputs), len(exec.InputsIndex), len(exec.OutputsIndex))
	}
	if len(choices) != len(m.b.Tasks) {
		return errors.Errorf("launch with %d kernel choices for %d tasks", len(choices), len(m.b.Tasks))
	}
	l, err := m.layout()
	if err != nil {
		return err
	}

	buffers := make([]*tensor.Tensor, exec.NumBuffers())
	var views []*tensor.Tensor
	defer func() { tensor.ReleaseAll(views...) }()

	// bind materialises buffer idx, after its alias root.
	var bind func(idx int) (*tensor.Tensor, error)
	bind = func(idx int) (*tensor.Tensor, error) {
		if buffers[idx] != nil {
			return buffers[idx], nil
		}
		p := l.buffers[idx]
		var t *tensor.Tensor
		var err error
		switch {
		case p.role == roleInput:
			t = inputs[p.slot]
		case p.role == roleWeight:
			t = m.weights[p.slot]
		case p.alias >= 0:
			var root *tensor.Tensor
			if root, err = bind(p.alias); err != nil {
				return nil, err
			}
			t, err = tensor.View(root, p.shape)
			views = append(views, t)
		case p.role == roleOutput:
			t = outputs[p.slot]
			if !t.Shape().Equal(p.shape) {
				t, err = tensor.View(t, p.shape)
				views = append(views, t)
			}
		default:
			ws := m.workspaces[p.device.Kind]
			if ws == nil {
				return nil, errors.Errorf("no %s workspace set", p.device.Kind)
			}
			t, err = tensor.FromStorage(ws.Retain(), p.offset, p.shape, p.dtype)
			if err != nil {
				ws.Release()
			}
			views = append(views, t)
		}
		if err != nil {
			return nil, errors.Wrapf(err, "bind buffer %d", idx)
		}
		buffers[idx] = t
		return t, nil
	}

	for i, inst := range exec.Instructions {
		ins := make([]*tensor.Tensor, len(inst.Inputs))
		for j, idx := range inst.Inputs {
			if ins[j], err = bind(idx); err != nil {
				return err
			}
		}
		outs := make([]*tensor.Tensor, len(inst.Outputs))
		for j, idx := range inst.Outputs {
			if outs[j], err = bind(idx); err != nil {
				return err
			}
		}
		t := m.b.Tasks[inst.TaskIdx]
		if err := t.Run(ctx, choices[inst.TaskIdx], ins, outs); err != nil {
			return errors.Wrapf(err, "instruction %d", i)
		}
	}
	return nil
}
