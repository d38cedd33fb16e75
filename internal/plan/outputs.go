package plan

import (
	"fmt"
	"slices"
)

// OutputKind says how a graph output is materialised.
type OutputKind int

const (
	// Fresh outputs get newly allocated storage.
	Fresh OutputKind = iota
	// AliasInput outputs are written in place into the storage of input Index.
	AliasInput
	// ReturnInput outputs are input Index itself.
	ReturnInput
	// ReturnWeight outputs are weight Index itself.
	ReturnWeight
	// Prior outputs are the same object as the earlier output Index.
	Prior
	// AliasOutput outputs are written in place into the storage of the earlier
	// output Index.
	AliasOutput
)

func (k OutputKind) String() string {
	switch k {
	case Fresh:
		return "fresh"
	case AliasInput:
		return "alias-input"
	case ReturnInput:
		return "return-input"
	case ReturnWeight:
		return "return-weight"
	case Prior:
		return "prior"
	case AliasOutput:
		return "alias-output"
	default:
		return fmt.Sprintf("OutputKind(%d)", int(k))
	}
}

// Output describes how one graph output is produced.
type Output struct {
	Kind  OutputKind
	Index int // input, weight or output index depending on Kind
}

// InPlaceAliases returns, for every buffer, the buffer whose memory it writes in
// place, or -1. shareMap returns the share map of a task.
func InPlaceAliases(exec *Execution, shareMap func(task int) map[int]int) []int {
	alias := make([]int, exec.NumBuffers())
	for i := range alias {
		alias[i] = -1
	}
	for _, inst := range exec.Instructions {
		for out, in := range shareMap(inst.TaskIdx) {
			if out < len(inst.Outputs) && in < len(inst.Inputs) {
				alias[inst.Outputs[out]] = inst.Inputs[in]
			}
		}
	}
	return alias
}

// Root follows in-place aliases from buffer b to the buffer owning its memory.
func Root(alias []int, b int) int {
	for alias[b] >= 0 {
		b = alias[b]
	}
	return b
}

// PlanOutputs classifies every graph output once, when the graph is loaded.
// alias is the result of InPlaceAliases; nil means no task writes in place.
//
// A buffer that is a graph input or weight is returned directly. A buffer already
// returned by an earlier output slot is returned again as the same object.
// Otherwise the share map decides whether the output writes into an input, and an
// output whose memory is owned by an earlier output views that output's storage.
func PlanOutputs(meta *MetaData, exec *Execution, alias []int) []Output {
	plans := make([]Output, len(exec.OutputsIndex))
	firstSlot := make(map[int]int, len(exec.OutputsIndex))
	firstRoot := make(map[int]int, len(exec.OutputsIndex))
	for o, buf := range exec.OutputsIndex {
		if i := slices.Index(exec.InputsIndex, buf); i >= 0 {
			plans[o] = Output{Kind: ReturnInput, Index: i}
			continue
		}
		if w := slices.Index(exec.WeightsIndex, buf); w >= 0 {
			plans[o] = Output{Kind: ReturnWeight, Index: w}
			continue
		}
		if prev, ok := firstSlot[buf]; ok {
			plans[o] = Output{Kind: Prior, Index: prev}
			continue
		}
		firstSlot[buf] = o
		if in, ok := meta.ShareMap[o]; ok {
			plans[o] = Output{Kind: AliasInput, Index: in}
			continue
		}
		root := buf
		if alias != nil {
			root = Root(alias, buf)
		}
		if prev, ok := firstRoot[root]; ok {
			plans[o] = Output{Kind: AliasOutput, Index: prev}
			continue
		}
		firstRoot[root] = o
		plans[o] = Output{Kind: Fresh}
	}
	return plans
}
