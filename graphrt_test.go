// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package graphrt_test

import (
	"context"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/born-ml/graphrt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildSaveLoadRun(t *testing.T) {
	ctx := graphrt.WithPool(context.Background(), graphrt.NewPool(graphrt.NewHostAPI(graphrt.Host, 0), 0, 0))
	opts := graphrt.DefaultOptions()
	opts.CacheDir = t.TempDir()

	a := graphrt.NewSignature(graphrt.Host, graphrt.Float32, 2, 3)
	b := graphrt.NewSignature(graphrt.Host, graphrt.Float32, 3, 2)
	c := graphrt.NewSignature(graphrt.Host, graphrt.Float32, 2, 2)
	w, err := graphrt.FromFloat32(ctx, graphrt.Host, graphrt.Shape{3, 2}, []float32{1, 0, 0, 1, 1, 1})
	require.NoError(t, err)
	defer w.Release()

	builder := graphrt.NewBuilder()
	x := builder.Input(a)
	wv := builder.Weight(w)
	y := builder.Op(&graphrt.TaskMetaData{
		Name:       "matmul",
		Inputs:     []graphrt.Signature{a, b},
		Outputs:    []graphrt.Signature{c},
		Candidates: []string{graphrt.KernelMatMul, graphrt.KernelMatMulBlocked},
	}, x, wv)
	builder.Output(y[0])
	g, err := builder.Build(ctx, t.TempDir(), opts)
	require.NoError(t, err)
	defer g.Close()

	path := filepath.Join(t.TempDir(), "matmul.zip")
	require.NoError(t, graphrt.Save(ctx, g, path, graphrt.SaveOptions{Weights: true}))
	loaded, err := graphrt.Load(ctx, path, opts)
	require.NoError(t, err)
	defer loaded.Close()

	in, err := graphrt.FromFloat32(ctx, graphrt.Host, graphrt.Shape{2, 3}, []float32{1, 2, 3, 4, 5, 6})
	require.NoError(t, err)
	defer in.Release()
	out, err := loaded.Run(ctx, []*graphrt.Tensor{in})
	require.NoError(t, err)
	defer out[0].Release()
	got, err := out[0].Float32()
	require.NoError(t, err)
	assert.Equal(t, []float32{4, 5, 10, 11}, got)
}

func TestRunWithoutWeightsIsUsageError(t *testing.T) {
	ctx := graphrt.WithPool(context.Background(), graphrt.NewPool(graphrt.NewHostAPI(graphrt.Host, 0), 0, 0))
	opts := graphrt.DefaultOptions()
	opts.CacheDir = t.TempDir()
	s := graphrt.NewSignature(graphrt.Host, graphrt.Float32, 4)
	w, err := graphrt.FromFloat32(ctx, graphrt.Host, graphrt.Shape{4}, []float32{1, 2, 3, 4})
	require.NoError(t, err)
	defer w.Release()

	builder := graphrt.NewBuilder()
	x := builder.Input(s)
	wv := builder.Weight(w)
	y := builder.Op(&graphrt.TaskMetaData{
		Name:       "add",
		Inputs:     []graphrt.Signature{s, s},
		Outputs:    []graphrt.Signature{s},
		Candidates: []string{graphrt.KernelAdd},
	}, x, wv)
	builder.Output(y[0])
	g, err := builder.Build(ctx, t.TempDir(), opts)
	require.NoError(t, err)
	defer g.Close()

	path := filepath.Join(t.TempDir(), "add.zip")
	require.NoError(t, graphrt.Save(ctx, g, path, graphrt.SaveOptions{}))
	loaded, err := graphrt.Load(ctx, path, opts)
	require.NoError(t, err)
	defer loaded.Close()

	_, err = loaded.Run(ctx, []*graphrt.Tensor{w})
	assert.ErrorIs(t, err, graphrt.ErrUsage)
}

func TestRegisterWebGPUOffWindows(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("the WebGPU backend is built on windows")
	}
	assert.ErrorIs(t, graphrt.RegisterWebGPU(0), graphrt.ErrUnsupported)
}
