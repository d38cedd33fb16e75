package launcher

import (
	"fmt"
	"sort"

	"github.com/born-ml/graphrt/internal/device"
	"github.com/born-ml/graphrt/internal/plan"
	"github.com/born-ml/graphrt/internal/tensor"
)

// Alignment of every buffer placed in a workspace.
const Alignment = 256

type role int

const (
	roleIntermediate role = iota
	roleInput
	roleWeight
	roleOutput
)

// placement of one buffer during a launch.
type placement struct {
	role   role
	shape  tensor.Shape
	dtype  tensor.DataType
	device device.Device
	alias  int   // buffer whose memory this one writes in place, or -1
	slot   int   // input, weight or output slot for the matching roles
	offset int64 // workspace offset of intermediate roots
	start  int   // defining instruction, -1 for inputs and weights
	end    int   // last instruction that may touch the memory of a root
}

// Layout places every buffer of an execution for one set of symbol values.
type Layout struct {
	buffers   []placement
	workspace [device.NumKinds]int64
}

// Workspace returns the bytes needed per device kind.
func (l *Layout) Workspace() [device.NumKinds]int64 { return l.workspace }

// root follows in-place aliases to the buffer that owns the memory.
func (l *Layout) root(b int) int {
	for l.buffers[b].alias >= 0 {
		b = l.buffers[b].alias
	}
	return b
}

// computeLayout resolves buffer shapes from the symbol values, then packs the
// intermediate buffers into one workspace per device kind. Buffers that are live
// at the same time never overlap; memory freed after instruction i is reused from
// instruction i+1 on.
func computeLayout(b Binding, weightShapes []tensor.Shape, weightTypes []tensor.DataType, values map[string]int) (*Layout, error) {
	exec := b.Execution
	n := exec.NumBuffers()
	l := &Layout{buffers: make([]placement, n)}
	for i := range l.buffers {
		l.buffers[i] = placement{alias: -1, start: -1, end: len(exec.Instructions), device: exec.TensorDevice[i]}
	}

	for slot, idx := range exec.InputsIndex {
		shape, err := b.Meta.Inputs[slot].Resolve(values)
		if err != nil {
			return nil, fmt.Errorf("input %d: %w", slot, err)
		}
		l.buffers[idx].role, l.buffers[idx].slot = roleInput, slot
		l.buffers[idx].shape, l.buffers[idx].dtype = shape, b.Meta.Inputs[slot].DType
	}
	for slot, idx := range exec.WeightsIndex {
		l.buffers[idx].role, l.buffers[idx].slot = roleWeight, slot
		l.buffers[idx].shape, l.buffers[idx].dtype = weightShapes[slot], weightTypes[slot]
	}
	for i, inst := range exec.Instructions {
		meta := b.Tasks[inst.TaskIdx].Meta()
		for j, idx := range inst.Outputs {
			sig := meta.Outputs[j]
			shape, err := sig.Resolve(values)
			if err != nil {
				return nil, fmt.Errorf("instruction %d (%s) output %d: %w", i, meta.Name, j, err)
			}
			p := &l.buffers[idx]
			p.shape, p.dtype, p.start = shape, sig.DType, i
			if in, ok := meta.ShareMap[j]; ok {
				p.alias = inst.Inputs[in]
			}
		}
		for _, idx := range inst.Free {
			l.buffers[idx].end = i
		}
	}
	for slot := len(exec.OutputsIndex) - 1; slot >= 0; slot-- {
		idx := exec.OutputsIndex[slot]
		if r := l.buffers[idx].role; r == roleInput || r == roleWeight {
			continue
		}
		l.buffers[idx].role, l.buffers[idx].slot = roleOutput, slot
	}

	// A root lives as long as any buffer writing into it. An intermediate root
	// that an output writes into in place is placed in that output.
	for idx := range l.buffers {
		p := l.buffers[idx]
		if p.alias < 0 {
			continue
		}
		r := l.root(idx)
		root := &l.buffers[r]
		root.end = max(root.end, p.end)
		if p.role == roleOutput && root.role == roleIntermediate {
			if nbytes(p) != nbytes(*root) {
				return nil, fmt.Errorf("output buffer %d writes in place into buffer %d of another size", idx, r)
			}
			root.role, root.slot = roleOutput, p.slot
		}
	}

	var roots []int
	for idx, p := range l.buffers {
		if p.alias < 0 && p.role == roleIntermediate && p.start >= 0 {
			roots = append(roots, idx)
		}
	}
	sort.SliceStable(roots, func(i, j int) bool { return l.buffers[roots[i]].start < l.buffers[roots[j]].start })

	var active [device.NumKinds][]int
	for _, idx := range roots {
		p := &l.buffers[idx]
		kind := p.device.Kind
		live := active[kind][:0]
		for _, other := range active[kind] {
			if l.buffers[other].end >= p.start {
				live = append(live, other)
			}
		}
		active[kind] = live

		size := alignUp(max(nbytes(*p), 1))
		p.offset = firstFit(l.buffers, live, size)
		l.workspace[kind] = max(l.workspace[kind], p.offset+size)
		active[kind] = append(active[kind], idx)
	}
	if err := validateLayout(l.buffers, roots); err != nil {
		return nil, err
	}
	return l, nil
}

// firstFit returns the lowest aligned offset where size bytes fit between the
// live blocks.
func firstFit(buffers []placement, live []int, size int64) int64 {
	sorted := append([]int(nil), live...)
	sort.Slice(sorted, func(i, j int) bool { return buffers[sorted[i]].offset < buffers[sorted[j]].offset })
	var offset int64
	for _, idx := range sorted {
		b := buffers[idx]
		if b.offset-offset >= size {
			break
		}
		offset = max(offset, b.offset+alignUp(max(nbytes(b), 1)))
	}
	return offset
}

// validateLayout checks that roots with overlapping lifetimes on the same device
// kind occupy disjoint byte ranges.
func validateLayout(buffers []placement, roots []int) error {
	for i, a := range roots {
		pa := buffers[a]
		for _, b := range roots[i+1:] {
			pb := buffers[b]
			if pa.device.Kind != pb.device.Kind || pa.end < pb.start || pb.end < pa.start {
				continue
			}
			aEnd, bEnd := pa.offset+nbytes(pa), pb.offset+nbytes(pb)
			if pa.offset < bEnd && pb.offset < aEnd {
				return &plan.ValidationError{
					Type:        "workspace_overlap",
					Instruction: max(pa.start, pb.start),
					Buffer:      a,
					Details: fmt.Sprintf("buffers %d [%d-%d] and %d [%d-%d] are live together",
						a, pa.offset, aEnd, b, pb.offset, bEnd),
				}
			}
		}
	}
	return nil
}

func nbytes(p placement) int64 {
	return int64(p.shape.NumElements() * p.dtype.Size())
}

func alignUp(n int64) int64 {
	return (n + Alignment - 1) / Alignment * Alignment
}
