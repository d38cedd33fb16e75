package plan

import (
	"bytes"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/born-ml/graphrt/internal/device"
	"github.com/born-ml/graphrt/internal/tensor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sig(dims ...any) tensor.Signature {
	return tensor.NewSignature(device.Host, tensor.Float32, dims...)
}

func devices(n int) []device.Device {
	out := make([]device.Device, n)
	for i := range out {
		out[i] = device.Host
	}
	return out
}

// twoStep is input 0 -> buffer 2 -> buffer 3, releasing buffer 2.
func twoStep() (*MetaData, *Execution) {
	meta := &MetaData{
		Inputs:   []tensor.Signature{sig("n")},
		Outputs:  []tensor.Signature{sig("n")},
		ShareMap: map[int]int{},
	}
	exec := &Execution{
		WeightsIndex: []int{1},
		InputsIndex:  []int{0},
		Instructions: []Instruction{
			{TaskIdx: 0, Inputs: []int{0, 1}, Outputs: []int{2}},
			{TaskIdx: 1, Inputs: []int{2}, Outputs: []int{3}, Free: []int{2}},
		},
		OutputsIndex: []int{3},
		TensorDevice: devices(4),
	}
	return meta, exec
}

func TestValidateAcceptsWellFormedPlan(t *testing.T) {
	meta, exec := twoStep()
	assert.NoError(t, Validate(meta, exec, 2))
}

func TestValidateLifetimeViolations(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(m *MetaData, e *Execution)
		kind   string
	}{
		{"use after free", func(_ *MetaData, e *Execution) {
			e.Instructions[0].Free = []int{0}
			e.Instructions = append(e.Instructions, Instruction{TaskIdx: 0, Inputs: []int{0}, Outputs: []int{4}, Free: []int{4}})
			e.TensorDevice = devices(5)
		}, "use_after_free"},
		{"read of freed intermediate", func(_ *MetaData, e *Execution) {
			e.Instructions[0].Free = []int{2}
		}, "use_after_free"},
		{"double free", func(_ *MetaData, e *Execution) {
			e.Instructions[0].Free = []int{1}
			e.Instructions[1].Free = []int{2, 1}
		}, "double_free"},
		{"use before definition", func(_ *MetaData, e *Execution) {
			e.Instructions[0].Inputs = []int{0, 2}
		}, "use_before_definition"},
		{"redefinition", func(_ *MetaData, e *Execution) {
			e.Instructions[1].Outputs = []int{0}
		}, "redefinition"},
		{"free output", func(_ *MetaData, e *Execution) {
			e.Instructions[1].Free = []int{2, 3}
		}, "free_output"},
		{"task out of range", func(_ *MetaData, e *Execution) {
			e.Instructions[1].TaskIdx = 7
		}, "task_out_of_range"},
		{"index out of range", func(_ *MetaData, e *Execution) {
			e.OutputsIndex = []int{9}
		}, "index_out_of_range"},
		{"input count", func(m *MetaData, _ *Execution) {
			m.Inputs = append(m.Inputs, sig(2))
		}, "input_count"},
		{"share map", func(m *MetaData, _ *Execution) {
			m.ShareMap[0] = 3
		}, "share_map"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			meta, exec := twoStep()
			tt.mutate(meta, exec)
			err := Validate(meta, exec, 2)
			require.Error(t, err)
			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.kind, verr.Type)
		})
	}
}

func TestPlanOutputs(t *testing.T) {
	meta := &MetaData{
		Outputs:  make([]tensor.Signature, 6),
		ShareMap: map[int]int{1: 0},
	}
	exec := &Execution{
		WeightsIndex: []int{5},
		InputsIndex:  []int{0, 1},
		OutputsIndex: []int{3, 4, 3, 1, 5, 4},
	}
	assert.Equal(t, []Output{
		{Kind: Fresh},
		{Kind: AliasInput, Index: 0},
		{Kind: Prior, Index: 0},
		{Kind: ReturnInput, Index: 1},
		{Kind: ReturnWeight, Index: 0},
		{Kind: Prior, Index: 1},
	}, PlanOutputs(meta, exec, nil))
}

func TestPlanOutputsInPlaceIntoOutput(t *testing.T) {
	// 2 = add(0, 1); 3 = relu_(2) writes into 2; 4 = relu_(3) writes into 2.
	exec := &Execution{
		InputsIndex:  []int{0},
		WeightsIndex: []int{1},
		Instructions: []Instruction{
			{TaskIdx: 0, Inputs: []int{0, 1}, Outputs: []int{2}},
			{TaskIdx: 1, Inputs: []int{2}, Outputs: []int{3}},
			{TaskIdx: 1, Inputs: []int{3}, Outputs: []int{4}},
		},
		TensorDevice: devices(5),
	}
	shareMaps := []map[int]int{nil, {0: 0}}
	alias := InPlaceAliases(exec, func(task int) map[int]int { return shareMaps[task] })
	assert.Equal(t, []int{-1, -1, -1, 2, 3}, alias)
	assert.Equal(t, 2, Root(alias, 4))

	meta := &MetaData{Outputs: make([]tensor.Signature, 4)}
	exec.OutputsIndex = []int{3, 2, 4, 3}
	assert.Equal(t, []Output{
		{Kind: Fresh},
		{Kind: AliasOutput, Index: 0},
		{Kind: AliasOutput, Index: 0},
		{Kind: Prior, Index: 0},
	}, PlanOutputs(meta, exec, alias))

	assert.Equal(t, []Output{{Kind: Fresh}, {Kind: Fresh}, {Kind: Fresh}, {Kind: Prior, Index: 0}},
		PlanOutputs(meta, exec, nil))
}

func TestComputeFree(t *testing.T) {
	_, exec := twoStep()
	exec.Instructions = append(exec.Instructions, Instruction{TaskIdx: 0, Inputs: []int{0, 1}, Outputs: []int{4}})
	exec.TensorDevice = devices(5)

	ComputeFree(exec)
	assert.Nil(t, exec.Instructions[0].Free)
	assert.Equal(t, []int{2}, exec.Instructions[1].Free)
	assert.Equal(t, []int{4}, exec.Instructions[2].Free, "unread buffers die where they are produced")

	meta, _ := twoStep()
	assert.NoError(t, Validate(meta, exec, 2))
}

func TestDynamicDims(t *testing.T) {
	inputs := []tensor.Signature{sig(2, "seq"), sig("batch", "seq")}
	assert.Equal(t, []DynamicDim{
		{Name: "seq", Tensor: 0, Axis: 1},
		{Name: "batch", Tensor: 1, Axis: 0},
	}, DynamicDims(inputs))
	assert.Empty(t, DynamicDims([]tensor.Signature{sig(2, 3)}))

	meta := &MetaData{Inputs: []tensor.Signature{sig(2)}, Outputs: []tensor.Signature{sig("k")}}
	assert.True(t, meta.IsDynamic())
}

func TestSchemaIgnoresUnknownFields(t *testing.T) {
	doc := []byte(`{
		"inputs": [{"device": "cpu", "dtype": "float32", "shape": ["n"]}],
		"outputs": [],
		"graph_hash": "abc",
		"added_in_a_later_schema": {"x": 1}
	}`)
	meta, err := DecodeMeta(doc)
	require.NoError(t, err)
	assert.Equal(t, 1, meta.SchemaVersion)
	assert.Equal(t, "abc", meta.GraphHash)
	assert.NotNil(t, meta.ShareMap)

	_, exec := twoStep()
	path := filepath.Join(t.TempDir(), ExecutionFile)
	require.NoError(t, WriteJSON(path, exec))
	var back Execution
	require.NoError(t, ReadJSON(path, &back))
	assert.Equal(t, exec.Instructions, back.Instructions)
	assert.Equal(t, exec.TensorDevice, back.TensorDevice)

	data, err := json.Marshal(exec)
	require.NoError(t, err)
	decoded, err := DecodeExecution(data)
	require.NoError(t, err)
	assert.Equal(t, 1, decoded.SchemaVersion)
}

func TestComputeHash(t *testing.T) {
	a := ComputeHash([]byte("graph"), []byte("tasks"))
	assert.Len(t, a, 16)
	assert.Equal(t, a, ComputeHash([]byte("graph"), []byte("tasks")))
	assert.NotEqual(t, a, ComputeHash([]byte("grap"), []byte("htasks")))

	full, err := ComputeHashReader(bytes.NewReader([]byte("graph")))
	require.NoError(t, err)
	assert.Len(t, full, 64)
}
