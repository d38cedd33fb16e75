package plan

// ComputeFree fills the free list of every instruction: a buffer produced by an
// instruction is released after its last reader, or right after it is produced
// when nothing reads it. Weights, inputs and graph outputs are never released.
func ComputeFree(exec *Execution) {
	pinned := make(map[int]bool)
	for _, idx := range exec.WeightsIndex {
		pinned[idx] = true
	}
	for _, idx := range exec.InputsIndex {
		pinned[idx] = true
	}
	for _, idx := range exec.OutputsIndex {
		pinned[idx] = true
	}

	last := make(map[int]int)
	for i, inst := range exec.Instructions {
		for _, idx := range inst.Outputs {
			last[idx] = i
		}
		for _, idx := range inst.Inputs {
			last[idx] = i
		}
	}

	for i := range exec.Instructions {
		exec.Instructions[i].Free = nil
	}
	for _, inst := range exec.Instructions {
		for _, idx := range inst.Outputs {
			if pinned[idx] {
				continue
			}
			at := last[idx]
			exec.Instructions[at].Free = append(exec.Instructions[at].Free, idx)
		}
	}
}
