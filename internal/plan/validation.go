package plan

import "fmt"

// ValidationError describes a plan that breaks a static rule.
type ValidationError struct {
	Type        string // e.g. "use_after_free", "double_free"
	Instruction int    // -1 when not tied to an instruction
	Buffer      int    // -1 when not tied to a buffer
	Details     string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	switch {
	case e.Instruction >= 0 && e.Buffer >= 0:
		return fmt.Sprintf("%s: instruction %d, buffer %d: %s", e.Type, e.Instruction, e.Buffer, e.Details)
	case e.Buffer >= 0:
		return fmt.Sprintf("%s: buffer %d: %s", e.Type, e.Buffer, e.Details)
	case e.Instruction >= 0:
		return fmt.Sprintf("%s: instruction %d: %s", e.Type, e.Instruction, e.Details)
	default:
		return fmt.Sprintf("%s: %s", e.Type, e.Details)
	}
}

type bufferState int

const (
	undefined bufferState = iota
	live
	freed
)

// Validate checks exec against numTasks compiled tasks and meta:
//
//   - every index is in range and every task index names a task;
//   - every buffer is defined once, by being a weight, an input or an instruction
//     output;
//   - an instruction only reads live buffers, so nothing is read after it was
//     listed in an earlier free list;
//   - a buffer is freed at most once and graph outputs are never freed.
func Validate(meta *MetaData, exec *Execution, numTasks int) error {
	n := exec.NumBuffers()
	state := make([]bufferState, n)

	checkIndex := func(inst, idx int, role string) error {
		if idx < 0 || idx >= n {
			return &ValidationError{Type: "index_out_of_range", Instruction: inst, Buffer: idx,
				Details: fmt.Sprintf("%s index outside [0, %d)", role, n)}
		}
		return nil
	}
	define := func(inst, idx int, role string) error {
		if err := checkIndex(inst, idx, role); err != nil {
			return err
		}
		if state[idx] != undefined {
			return &ValidationError{Type: "redefinition", Instruction: inst, Buffer: idx,
				Details: fmt.Sprintf("%s buffer is already defined", role)}
		}
		state[idx] = live
		return nil
	}

	if len(meta.Inputs) != len(exec.InputsIndex) {
		return &ValidationError{Type: "input_count", Instruction: -1, Buffer: -1,
			Details: fmt.Sprintf("metadata declares %d inputs, execution %d", len(meta.Inputs), len(exec.InputsIndex))}
	}
	if len(meta.Outputs) != len(exec.OutputsIndex) {
		return &ValidationError{Type: "output_count", Instruction: -1, Buffer: -1,
			Details: fmt.Sprintf("metadata declares %d outputs, execution %d", len(meta.Outputs), len(exec.OutputsIndex))}
	}
	for out, in := range meta.ShareMap {
		if out < 0 || out >= len(meta.Outputs) || in < 0 || in >= len(meta.Inputs) {
			return &ValidationError{Type: "share_map", Instruction: -1, Buffer: -1,
				Details: fmt.Sprintf("output %d -> input %d out of range", out, in)}
		}
	}

	for _, idx := range exec.WeightsIndex {
		if err := define(-1, idx, "weight"); err != nil {
			return err
		}
	}
	for _, idx := range exec.InputsIndex {
		if err := define(-1, idx, "input"); err != nil {
			return err
		}
	}

	isOutput := make(map[int]bool, len(exec.OutputsIndex))
	for _, idx := range exec.OutputsIndex {
		isOutput[idx] = true
	}

	for i, inst := range exec.Instructions {
		if inst.TaskIdx < 0 || inst.TaskIdx >= numTasks {
			return &ValidationError{Type: "task_out_of_range", Instruction: i, Buffer: -1,
				Details: fmt.Sprintf("task %d outside [0, %d)", inst.TaskIdx, numTasks)}
		}
		for _, idx := range inst.Inputs {
			if err := checkIndex(i, idx, "input"); err != nil {
				return err
			}
			switch state[idx] {
			case undefined:
				return &ValidationError{Type: "use_before_definition", Instruction: i, Buffer: idx,
					Details: "buffer is read before any instruction produces it"}
			case freed:
				return &ValidationError{Type: "use_after_free", Instruction: i, Buffer: idx,
					Details: "buffer is read after an earlier instruction released it"}
			}
		}
		for _, idx := range inst.Outputs {
			if err := define(i, idx, "output"); err != nil {
				return err
			}
		}
		for _, idx := range inst.Free {
			if err := checkIndex(i, idx, "free"); err != nil {
				return err
			}
			switch {
			case state[idx] == freed:
				return &ValidationError{Type: "double_free", Instruction: i, Buffer: idx,
					Details: "buffer is released twice"}
			case state[idx] == undefined:
				return &ValidationError{Type: "free_undefined", Instruction: i, Buffer: idx,
					Details: "buffer is released before it is defined"}
			case isOutput[idx]:
				return &ValidationError{Type: "free_output", Instruction: i, Buffer: idx,
					Details: "graph outputs must outlive the execution"}
			}
			state[idx] = freed
		}
	}

	for _, idx := range exec.OutputsIndex {
		if err := checkIndex(-1, idx, "graph output"); err != nil {
			return err
		}
		if state[idx] != live {
			return &ValidationError{Type: "output_undefined", Instruction: -1, Buffer: idx,
				Details: "graph output is never produced"}
		}
	}
	return nil
}
