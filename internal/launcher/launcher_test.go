package launcher

import (
	"context"
	"testing"

	"github.com/born-ml/graphrt/internal/device"
	"github.com/born-ml/graphrt/internal/kernels"
	"github.com/born-ml/graphrt/internal/plan"
	"github.com/born-ml/graphrt/internal/storage"
	"github.com/born-ml/graphrt/internal/symbol"
	"github.com/born-ml/graphrt/internal/task"
	"github.com/born-ml/graphrt/internal/tensor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sig(dims ...any) tensor.Signature {
	return tensor.NewSignature(device.Host, tensor.Float32, dims...)
}

func mustTask(t *testing.T, meta *task.MetaData) *task.CompiledTask {
	t.Helper()
	ct, err := task.New(meta, task.DefaultOptions())
	require.NoError(t, err)
	return ct
}

// residual builds relu_(relu(x + w)) over n elements:
//
//	buf2 = add(buf0, buf1)
//	buf3 = relu(buf2)      free 2
//	buf4 = relu_(buf3)     writes into buf3
func residual(t *testing.T, n any) Binding {
	t.Helper()
	add := mustTask(t, &task.MetaData{
		Name: "add", Inputs: []tensor.Signature{sig(n), sig(n)}, Outputs: []tensor.Signature{sig(n)},
		Candidates: []string{kernels.Add},
	})
	relu := mustTask(t, &task.MetaData{
		Name: "relu", Inputs: []tensor.Signature{sig(n)}, Outputs: []tensor.Signature{sig(n)},
		Candidates: []string{kernels.ReLU},
	})
	reluInPlace := mustTask(t, &task.MetaData{
		Name: "relu_", Inputs: []tensor.Signature{sig(n)}, Outputs: []tensor.Signature{sig(n)},
		ShareMap: map[int]int{0: 0}, Candidates: []string{kernels.ReLU},
	})
	exec := &plan.Execution{
		WeightsIndex: []int{1},
		InputsIndex:  []int{0},
		Instructions: []plan.Instruction{
			{TaskIdx: 0, Inputs: []int{0, 1}, Outputs: []int{2}},
			{TaskIdx: 1, Inputs: []int{2}, Outputs: []int{3}, Free: []int{2}},
			{TaskIdx: 2, Inputs: []int{3}, Outputs: []int{4}},
		},
		OutputsIndex: []int{4},
		TensorDevice: []device.Device{device.Host, device.Host, device.Host, device.Host, device.Host},
	}
	meta := &plan.MetaData{
		Inputs:   []tensor.Signature{sig(n)},
		Outputs:  []tensor.Signature{sig(n)},
		ShareMap: map[int]int{},
	}
	dir := t.TempDir()
	require.NoError(t, WriteModuleDir(dir, PlanLauncher))
	return Binding{Dir: dir, Meta: meta, Execution: exec, Tasks: []*task.CompiledTask{add, relu, reluInPlace}}
}

func testContext() context.Context {
	pool := storage.NewPool(device.NewHostAPI(device.Host, 0), 0, 0)
	return storage.WithPool(context.Background(), pool)
}

func TestPlanLauncherRunsGraph(t *testing.T) {
	ctx := testContext()
	m, err := Open(residual(t, 4))
	require.NoError(t, err)

	w, err := tensor.FromFloat32(ctx, device.Host, tensor.Shape{4}, []float32{1, 1, -10, 0})
	require.NoError(t, err)
	defer w.Release()
	require.NoError(t, m.Init([]*tensor.Tensor{w}))

	sizes, err := m.WorkspaceSize()
	require.NoError(t, err)
	assert.Equal(t, int64(Alignment), sizes[device.CPU], "only buf2 lives in the workspace")

	ws, err := storage.Allocate(ctx, device.Host, sizes[device.CPU])
	require.NoError(t, err)
	defer ws.Release()
	m.SetWorkspace(device.CPU, ws)

	x, err := tensor.FromFloat32(ctx, device.Host, tensor.Shape{4}, []float32{-3, 2, 5, 7})
	require.NoError(t, err)
	defer x.Release()
	y, err := tensor.Empty(ctx, tensor.Shape{4}, tensor.Float32, device.Host)
	require.NoError(t, err)
	defer y.Release()

	require.NoError(t, m.Launch(ctx, []*tensor.Tensor{x}, []*tensor.Tensor{y}, []int{0, 0, 0}))

	got, err := y.Float32()
	require.NoError(t, err)
	assert.Equal(t, []float32{0, 3, 0, 7}, got)
	assert.Equal(t, 1, ws.Refs(), "launch releases its workspace views")

	assert.Error(t, m.Launch(ctx, []*tensor.Tensor{x}, []*tensor.Tensor{y}, []int{0}))
}

func TestPlanLauncherDynamicShapes(t *testing.T) {
	defer symbol.Reset()
	ctx := testContext()
	m, err := Open(residual(t, "n"))
	require.NoError(t, err)
	_, err = m.WorkspaceSize()
	assert.Error(t, err, "weights not bound yet")

	w, err := tensor.Empty(ctx, tensor.Shape{1}, tensor.Float32, device.Host)
	require.NoError(t, err)
	defer w.Release()
	require.NoError(t, m.Init([]*tensor.Tensor{w}))

	_, err = m.OutputShape(0)
	assert.Error(t, err, "symbol not bound yet")

	symbol.SetAll(map[string]int{"n": 100})
	shape, err := m.OutputShape(0)
	require.NoError(t, err)
	assert.Equal(t, tensor.Shape{100}, shape)
	sizes, err := m.WorkspaceSize()
	require.NoError(t, err)
	assert.Equal(t, int64(512), sizes[device.CPU])

	symbol.SetAll(map[string]int{"n": 10})
	sizes, err = m.WorkspaceSize()
	require.NoError(t, err)
	assert.Equal(t, int64(256), sizes[device.CPU])
}

func TestLayoutReusesFreedMemory(t *testing.T) {
	b := residual(t, 64)
	// A chain of relus, each intermediate freed by its only reader.
	b.Execution.Instructions = []plan.Instruction{
		{TaskIdx: 0, Inputs: []int{0, 1}, Outputs: []int{2}},
		{TaskIdx: 1, Inputs: []int{2}, Outputs: []int{3}, Free: []int{2}},
		{TaskIdx: 1, Inputs: []int{3}, Outputs: []int{4}, Free: []int{3}},
		{TaskIdx: 1, Inputs: []int{4}, Outputs: []int{5}, Free: []int{4}},
		{TaskIdx: 1, Inputs: []int{5}, Outputs: []int{6}, Free: []int{5}},
	}
	b.Execution.OutputsIndex = []int{6}
	b.Execution.TensorDevice = make([]device.Device, 7)
	for i := range b.Execution.TensorDevice {
		b.Execution.TensorDevice[i] = device.Host
	}

	l, err := computeLayout(b, []tensor.Shape{{64}}, []tensor.DataType{tensor.Float32}, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(2*Alignment), l.Workspace()[device.CPU], "ping-pong between two blocks")
	assert.Equal(t, l.buffers[2].offset, l.buffers[4].offset)
	assert.NotEqual(t, l.buffers[2].offset, l.buffers[3].offset)
}

func TestValidateLayoutDetectsOverlap(t *testing.T) {
	buffers := []placement{
		{shape: tensor.Shape{64}, dtype: tensor.Float32, device: device.Host, start: 0, end: 2},
		{shape: tensor.Shape{64}, dtype: tensor.Float32, device: device.Host, start: 1, end: 3, offset: 128},
	}
	err := validateLayout(buffers, []int{0, 1})
	require.Error(t, err)
	var verr *plan.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "workspace_overlap", verr.Type)

	buffers[1].start = 3
	assert.NoError(t, validateLayout(buffers, []int{0, 1}))
}

func TestOpenUnknownLauncher(t *testing.T) {
	b := residual(t, 4)
	require.NoError(t, WriteModuleDir(b.Dir, "cuda-native"))
	_, err := Open(b)
	assert.Error(t, err)

	_, err = Open(Binding{Dir: t.TempDir()})
	assert.Error(t, err)
	assert.Contains(t, Names(), PlanLauncher)
}

func TestShareMapMustCoverInPlaceOutputs(t *testing.T) {
	b := residual(t, 4)
	b.Execution.Instructions = []plan.Instruction{
		{TaskIdx: 2, Inputs: []int{0}, Outputs: []int{2}},
	}
	b.Execution.OutputsIndex = []int{2}
	b.Execution.TensorDevice = b.Execution.TensorDevice[:3]
	_, err := Open(b)
	assert.Error(t, err)

	b.Meta.ShareMap = map[int]int{0: 0}
	_, err = Open(b)
	assert.NoError(t, err)
}
