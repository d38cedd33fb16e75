package task

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/born-ml/graphrt/internal/device"
	"github.com/born-ml/graphrt/internal/kernels"
	"github.com/born-ml/graphrt/internal/symbol"
	"github.com/born-ml/graphrt/internal/tensor"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/stat"
	"k8s.io/klog/v2"
)

// Options controls candidate benchmarking.
type Options struct {
	Warmup int // untimed runs per candidate
	Repeat int // timed runs per candidate; the median is reported
}

// DefaultOptions returns the benchmarking defaults.
func DefaultOptions() Options {
	return Options{Warmup: 1, Repeat: 5}
}

// CompiledTask is a loaded task with its resolved candidate kernels.
//
// It is immutable apart from the per-shape cache of benchmark winners.
type CompiledTask struct {
	meta       *MetaData
	candidates []kernels.Kernel
	opts       Options

	mu   sync.Mutex
	best map[string]int
}

// New resolves the candidates of meta against the kernel registry.
func New(meta *MetaData, opts Options) (*CompiledTask, error) {
	if err := meta.Validate(); err != nil {
		return nil, err
	}
	t := &CompiledTask{
		meta:       meta,
		candidates: make([]kernels.Kernel, len(meta.Candidates)),
		opts:       opts,
		best:       make(map[string]int),
	}
	for i, name := range meta.Candidates {
		k, err := kernels.Lookup(name)
		if err != nil {
			return nil, errors.Wrapf(err, "task %s", meta.Name)
		}
		t.candidates[i] = k
	}
	if t.opts.Repeat <= 0 {
		t.opts.Repeat = 1
	}
	return t, nil
}

// Load loads the task stored in a kernel directory.
func Load(dir string, opts Options) (*CompiledTask, error) {
	meta, err := ReadMeta(dir)
	if err != nil {
		return nil, err
	}
	return New(meta, opts)
}

// Meta returns the task metadata.
func (t *CompiledTask) Meta() *MetaData { return t.meta }

// Name returns the task name.
func (t *CompiledTask) Name() string { return t.meta.Name }

// NumCandidates returns the number of candidate kernels.
func (t *CompiledTask) NumCandidates() int { return len(t.candidates) }

// OutputShapes resolves the declared output shapes for inputs. Symbols that do
// not appear in the inputs are read from the process symbol table.
func (t *CompiledTask) OutputShapes(inputs []*tensor.Tensor) ([]tensor.Shape, error) {
	values, err := tensor.ResolveSymbols(t.meta.Inputs, inputs)
	if err != nil {
		return nil, errors.Wrapf(err, "task %s", t.meta.Name)
	}
	shapes := make([]tensor.Shape, len(t.meta.Outputs))
	for i, sig := range t.meta.Outputs {
		for _, name := range sig.Symbols() {
			if _, ok := values[name]; ok {
				continue
			}
			v, ok := symbol.Value(name)
			if !ok {
				return nil, errors.Errorf("task %s: symbol %q of output %d is not bound", t.meta.Name, name, i)
			}
			values[name] = v
		}
		shape, err := sig.Resolve(values)
		if err != nil {
			return nil, errors.Wrapf(err, "task %s output %d", t.meta.Name, i)
		}
		shapes[i] = shape
	}
	return shapes, nil
}

// CreateOutputs allocates the outputs for inputs. An output in the share map is a
// view over its input's storage.
func (t *CompiledTask) CreateOutputs(ctx context.Context, inputs []*tensor.Tensor) ([]*tensor.Tensor, error) {
	shapes, err := t.OutputShapes(inputs)
	if err != nil {
		return nil, err
	}
	outputs := make([]*tensor.Tensor, len(shapes))
	for i, shape := range shapes {
		var out *tensor.Tensor
		if in, ok := t.meta.ShareMap[i]; ok {
			out, err = tensor.View(inputs[in], shape)
		} else {
			sig := t.meta.Outputs[i]
			out, err = tensor.Empty(ctx, shape, sig.DType, sig.Device)
		}
		if err != nil {
			tensor.ReleaseAll(outputs...)
			return nil, errors.Wrapf(err, "task %s output %d", t.meta.Name, i)
		}
		outputs[i] = out
	}
	return outputs, nil
}

// Run launches one candidate on caller-supplied outputs.
func (t *CompiledTask) Run(ctx context.Context, candidate int, inputs, outputs []*tensor.Tensor) error {
	if candidate < 0 || candidate >= len(t.candidates) {
		return errors.Errorf("task %s: candidate %d out of range [0, %d)", t.meta.Name, candidate, len(t.candidates))
	}
	if err := t.candidates[candidate](ctx, inputs, outputs); err != nil {
		return errors.Wrapf(err, "task %s candidate %s", t.meta.Name, t.meta.Candidates[candidate])
	}
	return nil
}

// RunAsync allocates the outputs and runs the best candidate for these input
// shapes, benchmarking first if the shapes have not been seen.
func (t *CompiledTask) RunAsync(ctx context.Context, inputs []*tensor.Tensor) ([]*tensor.Tensor, error) {
	outputs, err := t.CreateOutputs(ctx, inputs)
	if err != nil {
		return nil, err
	}
	best, err := t.PickBestCandidate(ctx, inputs, outputs)
	if err != nil {
		tensor.ReleaseAll(outputs...)
		return nil, err
	}
	if err := t.Run(ctx, best, inputs, outputs); err != nil {
		tensor.ReleaseAll(outputs...)
		return nil, err
	}
	return outputs, nil
}

// PickBestCandidate returns the index of the candidate with the lowest median
// latency for these shapes; ties go to the earlier candidate. A task with a
// single candidate is never benchmarked. Results are cached per input shapes.
func (t *CompiledTask) PickBestCandidate(ctx context.Context, inputs, outputs []*tensor.Tensor) (int, error) {
	if len(t.candidates) == 1 {
		return 0, nil
	}
	key := shapeKey(inputs)
	t.mu.Lock()
	best, ok := t.best[key]
	t.mu.Unlock()
	if ok {
		return best, nil
	}

	latencies, err := t.Profile(ctx, inputs, outputs)
	if err != nil {
		return 0, err
	}
	best = 0
	for i, l := range latencies {
		if l < latencies[best] {
			best = i
		}
	}
	klog.FromContext(ctx).V(4).Info("benchmarked task",
		"task", t.meta.Name, "shapes", key, "latencies_ms", latencies, "best", t.meta.Candidates[best])

	t.mu.Lock()
	t.best[key] = best
	t.mu.Unlock()
	return best, nil
}

// Profile runs every candidate Warmup+Repeat times and returns the median
// latency of each in milliseconds. Candidates run on scratch copies so the
// caller's buffers are not modified, even for tasks that write in place.
func (t *CompiledTask) Profile(ctx context.Context, inputs, outputs []*tensor.Tensor) ([]float64, error) {
	scratchIn, scratchOut, err := t.scratch(ctx, inputs, outputs)
	if err != nil {
		return nil, err
	}
	defer tensor.ReleaseAll(scratchIn...)
	defer tensor.ReleaseAll(scratchOut...)

	wait := t.synchronizer(outputs)
	latencies := make([]float64, len(t.candidates))
	samples := make([]float64, t.opts.Repeat)
	for c := range t.candidates {
		for range t.opts.Warmup {
			if err := t.Run(ctx, c, scratchIn, scratchOut); err != nil {
				return nil, err
			}
		}
		if err := wait(); err != nil {
			return nil, err
		}
		for r := range samples {
			start := time.Now()
			if err := t.Run(ctx, c, scratchIn, scratchOut); err != nil {
				return nil, err
			}
			if err := wait(); err != nil {
				return nil, err
			}
			samples[r] = float64(time.Since(start).Nanoseconds()) / 1e6
		}
		latencies[c] = median(samples)
	}
	return latencies, nil
}

// scratch builds benchmark arguments: inputs written in place are cloned, other
// inputs are shared, outputs are fresh.
func (t *CompiledTask) scratch(ctx context.Context, inputs, outputs []*tensor.Tensor) (in, out []*tensor.Tensor, err error) {
	in = make([]*tensor.Tensor, len(inputs))
	shared := make(map[int]bool, len(t.meta.ShareMap))
	for _, i := range t.meta.ShareMap {
		shared[i] = true
	}
	for i, x := range inputs {
		if shared[i] {
			in[i], err = x.Clone(ctx)
		} else {
			in[i] = tensor.Share(x)
		}
		if err != nil {
			tensor.ReleaseAll(in...)
			return nil, nil, err
		}
	}
	out = make([]*tensor.Tensor, len(outputs))
	for i, y := range outputs {
		if src, ok := t.meta.ShareMap[i]; ok {
			out[i], err = tensor.View(in[src], y.Shape())
		} else {
			out[i], err = tensor.Empty(ctx, y.Shape(), y.DType(), y.Device())
		}
		if err != nil {
			tensor.ReleaseAll(in...)
			tensor.ReleaseAll(out...)
			return nil, nil, err
		}
	}
	return in, out, nil
}

// synchronizer returns a function that waits for every device the outputs live on.
func (t *CompiledTask) synchronizer(outputs []*tensor.Tensor) func() error {
	var apis []device.API
	seen := make(map[device.Device]bool)
	for _, y := range outputs {
		dev := y.Device()
		if seen[dev] {
			continue
		}
		seen[dev] = true
		if s := y.Storage(); s != nil {
			apis = append(apis, s.API())
		}
	}
	return func() error {
		for _, api := range apis {
			if err := api.Synchronize(); err != nil {
				return errors.Wrapf(err, "synchronize %s", api.Device())
			}
		}
		return nil
	}
}

func median(samples []float64) float64 {
	sorted := make([]float64, len(samples))
	copy(sorted, samples)
	sort.Float64s(sorted)
	return stat.Quantile(0.5, stat.Empirical, sorted, nil)
}

func shapeKey(inputs []*tensor.Tensor) string {
	var b strings.Builder
	for i, x := range inputs {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(x.DType().String())
		b.WriteByte('[')
		b.WriteString(x.Shape().Key())
		b.WriteByte(']')
	}
	return b.String()
}
