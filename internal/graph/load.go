package graph

import (
	"context"
	"os"
	"path/filepath"
	"strconv"

	"github.com/born-ml/graphrt/internal/config"
	"github.com/born-ml/graphrt/internal/plan"
	"github.com/born-ml/graphrt/internal/task"
	"github.com/born-ml/graphrt/internal/tensor"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// Layout of a compiled graph directory.
const (
	KernelsDir      = "kernels"
	ModuleDir       = "graph_module"
	GraphStringFile = "graph_string.txt"
)

// TaskDir returns the kernel directory of task i.
func TaskDir(root string, i int) string {
	return filepath.Join(root, KernelsDir, strconv.Itoa(i))
}

// Assets are the parsed documents of a compiled graph directory.
type Assets struct {
	Meta        *plan.MetaData
	Execution   *plan.Execution
	GraphString string
}

// ReadAssets reads meta.json, graph_execution.json and graph_string.txt from dir.
func ReadAssets(dir string) (*Assets, error) {
	data, err := os.ReadFile(filepath.Join(dir, plan.MetaFile))
	if err != nil {
		return nil, errors.Wrap(err, "read graph metadata")
	}
	meta, err := plan.DecodeMeta(data)
	if err != nil {
		return nil, err
	}
	data, err = os.ReadFile(filepath.Join(dir, plan.ExecutionFile))
	if err != nil {
		return nil, errors.Wrap(err, "read graph execution")
	}
	exec, err := plan.DecodeExecution(data)
	if err != nil {
		return nil, err
	}
	text, err := os.ReadFile(filepath.Join(dir, GraphStringFile))
	if err != nil && !os.IsNotExist(err) {
		return nil, errors.Wrap(err, "read graph string")
	}
	return &Assets{Meta: meta, Execution: exec, GraphString: string(text)}, nil
}

// LoadTasks loads the NumKernels tasks of a graph directory concurrently.
func LoadTasks(ctx context.Context, dir string, n int, opts config.Options) ([]*task.CompiledTask, error) {
	tasks := make([]*task.CompiledTask, n)
	eg, _ := errgroup.WithContext(ctx)
	eg.SetLimit(8)
	for i := range tasks {
		eg.Go(func() error {
			t, err := task.Load(TaskDir(dir, i), TaskOptions(opts))
			if err != nil {
				return errors.Wrapf(err, "load task %d", i)
			}
			tasks[i] = t
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	return tasks, nil
}

// TaskOptions returns the benchmarking options of opts.
func TaskOptions(opts config.Options) task.Options {
	return task.Options{Warmup: opts.BenchWarmup, Repeat: opts.BenchRepeat}
}

// LoadDir loads the compiled graph stored in dir. Weights may be nil, in which
// case the graph starts uninitialised.
func LoadDir(ctx context.Context, dir string, weights []*tensor.Tensor, opts config.Options) (*CompiledGraph, error) {
	assets, err := ReadAssets(dir)
	if err != nil {
		return nil, err
	}
	tasks, err := LoadTasks(ctx, dir, assets.Meta.NumKernels, opts)
	if err != nil {
		return nil, err
	}
	return New(ctx, Parts{
		Meta:        assets.Meta,
		Execution:   assets.Execution,
		Tasks:       tasks,
		ModuleDir:   filepath.Join(dir, ModuleDir),
		GraphString: assets.GraphString,
		Weights:     weights,
	}, opts)
}

// WriteAssets writes the documents of g into dir. The graph string is written
// last, so its presence marks a complete directory.
func WriteAssets(dir string, g *CompiledGraph) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrapf(err, "create %s", dir)
	}
	if err := plan.WriteJSON(filepath.Join(dir, plan.MetaFile), g.meta); err != nil {
		return err
	}
	if err := plan.WriteJSON(filepath.Join(dir, plan.ExecutionFile), g.exec); err != nil {
		return err
	}
	for i, t := range g.tasks {
		if err := task.WriteMeta(TaskDir(dir, i), t.Meta()); err != nil {
			return err
		}
	}
	if err := copyModuleDir(filepath.Join(dir, ModuleDir), g.moduleDir); err != nil {
		return err
	}
	return writeFile(filepath.Join(dir, GraphStringFile), g.graphString)
}

func writeFile(path, content string) error {
	return errors.Wrapf(os.WriteFile(path, []byte(content), 0o644), "write %s", filepath.Base(path))
}

// copyModuleDir copies the graph_module directory unless it is already in place.
func copyModuleDir(dst, src string) error {
	if filepath.Clean(dst) == filepath.Clean(src) {
		return nil
	}
	return errors.Wrap(os.CopyFS(dst, os.DirFS(src)), "copy graph module")
}
