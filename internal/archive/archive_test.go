package archive

import (
	"archive/zip"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/born-ml/graphrt/internal/config"
	"github.com/born-ml/graphrt/internal/device"
	"github.com/born-ml/graphrt/internal/errs"
	"github.com/born-ml/graphrt/internal/graph"
	"github.com/born-ml/graphrt/internal/kernels"
	"github.com/born-ml/graphrt/internal/storage"
	"github.com/born-ml/graphrt/internal/task"
	"github.com/born-ml/graphrt/internal/tensor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testContext() context.Context {
	return storage.WithPool(context.Background(), storage.NewPool(device.NewHostAPI(device.Host, 0), 0, 0))
}

func testOptions(t *testing.T) config.Options {
	t.Helper()
	opts := config.DefaultOptions()
	opts.CacheDir = t.TempDir()
	opts.BenchWarmup = 0
	opts.BenchRepeat = 2
	return opts
}

func sig(n int) tensor.Signature {
	return tensor.NewSignature(device.Host, tensor.Float32, n)
}

func floats(t *testing.T, ctx context.Context, data ...float32) *tensor.Tensor {
	t.Helper()
	x, err := tensor.FromFloat32(ctx, device.Host, tensor.Shape{len(data)}, data)
	require.NoError(t, err)
	t.Cleanup(x.Release)
	return x
}

// buildAddRelu builds relu(x + w) over four elements.
func buildAddRelu(t *testing.T, ctx context.Context) *graph.CompiledGraph {
	t.Helper()
	w := floats(t, ctx, 1, 1, -10, 0)
	b := graph.NewBuilder()
	x := b.Input(sig(4))
	wv := b.Weight(w)
	s := b.Op(&task.MetaData{
		Name:       "add",
		Inputs:     []tensor.Signature{sig(4), sig(4)},
		Outputs:    []tensor.Signature{sig(4)},
		Candidates: []string{kernels.Add},
	}, x, wv)
	y := b.Op(&task.MetaData{
		Name:       "relu",
		Inputs:     []tensor.Signature{sig(4)},
		Outputs:    []tensor.Signature{sig(4)},
		Candidates: []string{kernels.ReLU},
	}, s[0])
	b.Output(y[0])
	g, err := b.Build(ctx, t.TempDir(), testOptions(t))
	require.NoError(t, err)
	t.Cleanup(func() { g.Close() })
	return g
}

func run(t *testing.T, ctx context.Context, g *graph.CompiledGraph) []float32 {
	t.Helper()
	x := floats(t, ctx, -3, 2, 5, 7)
	out, err := g.Run(ctx, []*tensor.Tensor{x})
	require.NoError(t, err)
	defer tensor.ReleaseAll(out...)
	got, err := out[0].Float32()
	require.NoError(t, err)
	return got
}

func TestSaveLoadRoundTrip(t *testing.T) {
	ctx := testContext()
	g := buildAddRelu(t, ctx)
	want := run(t, ctx, g)

	path := filepath.Join(t.TempDir(), "graph.zip")
	require.NoError(t, Save(ctx, g, path, SaveOptions{DispatchTable: true, Weights: true}))

	loaded, err := Load(ctx, path, testOptions(t))
	require.NoError(t, err)
	defer loaded.Close()
	assert.Equal(t, graph.Ready, loaded.State())
	assert.Equal(t, g.Meta().GraphHash, loaded.Meta().GraphHash)
	assert.Equal(t, g.GraphString(), loaded.GraphString())

	assert.Equal(t, want, run(t, ctx, loaded))
	assert.Equal(t, graph.Stats{FastPath: 1}, loaded.Stats(), "recorded choices travel with the archive")
}

func TestLoadWithoutDispatchTableProfiles(t *testing.T) {
	ctx := testContext()
	g := buildAddRelu(t, ctx)
	path := filepath.Join(t.TempDir(), "graph.zip")
	require.NoError(t, Save(ctx, g, path, DefaultSaveOptions()))

	loaded, err := Load(ctx, path, testOptions(t))
	require.NoError(t, err)
	defer loaded.Close()
	assert.Equal(t, []float32{0, 3, 0, 7}, run(t, ctx, loaded))
	assert.Equal(t, graph.Stats{SlowPath: 1}, loaded.Stats())
}

func TestLoadWithoutWeights(t *testing.T) {
	ctx := testContext()
	g := buildAddRelu(t, ctx)
	path := filepath.Join(t.TempDir(), "graph.zip")
	require.NoError(t, Save(ctx, g, path, SaveOptions{}))

	loaded, err := Load(ctx, path, testOptions(t))
	require.NoError(t, err)
	defer loaded.Close()
	assert.Equal(t, graph.Uninitialized, loaded.State())

	require.NoError(t, loaded.SetWeights(g.Weights()))
	assert.Equal(t, []float32{0, 3, 0, 7}, run(t, ctx, loaded))
}

func TestLoadReusesExtraction(t *testing.T) {
	ctx := testContext()
	g := buildAddRelu(t, ctx)
	path := filepath.Join(t.TempDir(), "graph.zip")
	require.NoError(t, Save(ctx, g, path, DefaultSaveOptions()))
	opts := testOptions(t)

	first, err := Load(ctx, path, opts)
	require.NoError(t, err)
	first.Close()

	marker := filepath.Join(opts.GraphDir(g.Meta().GraphHash), graph.GraphStringFile)
	require.NoError(t, os.WriteFile(marker, []byte("cached\n"), 0o644))

	second, err := Load(ctx, path, opts)
	require.NoError(t, err)
	defer second.Close()
	assert.Equal(t, "cached\n", second.GraphString())
}

func TestLoadDirectory(t *testing.T) {
	ctx := testContext()
	g := buildAddRelu(t, ctx)
	dir := t.TempDir()
	require.NoError(t, graph.WriteAssets(dir, g))

	loaded, err := Load(ctx, dir, testOptions(t))
	require.NoError(t, err)
	defer loaded.Close()
	assert.Equal(t, graph.Uninitialized, loaded.State())
	assert.Equal(t, g.Meta().GraphHash, loaded.Meta().GraphHash)
}

// rewrite copies the archive at src to dst, replacing or adding members.
func rewrite(t *testing.T, src, dst string, replace map[string]string) {
	t.Helper()
	zr, err := zip.OpenReader(src)
	require.NoError(t, err)
	defer zr.Close()
	out, err := os.Create(dst)
	require.NoError(t, err)
	defer out.Close()
	zw := zip.NewWriter(out)
	for _, f := range zr.File {
		if _, ok := replace[f.Name]; ok {
			continue
		}
		w, err := zw.Create(f.Name)
		require.NoError(t, err)
		rc, err := f.Open()
		require.NoError(t, err)
		_, err = io.Copy(w, rc)
		rc.Close()
		require.NoError(t, err)
	}
	for name, content := range replace {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
}

func TestLoadRejectsCorruptWeights(t *testing.T) {
	ctx := testContext()
	g := buildAddRelu(t, ctx)
	dir := t.TempDir()
	path := filepath.Join(dir, "graph.zip")
	require.NoError(t, Save(ctx, g, path, DefaultSaveOptions()))

	bad := filepath.Join(dir, "bad.zip")
	rewrite(t, path, bad, map[string]string{WeightsSumFile: "0000\n"})
	_, err := Load(ctx, bad, testOptions(t))
	assert.ErrorIs(t, err, errs.ErrCorruptArchive)
}

func TestLoadRejectsPathTraversal(t *testing.T) {
	ctx := testContext()
	g := buildAddRelu(t, ctx)
	dir := t.TempDir()
	path := filepath.Join(dir, "graph.zip")
	require.NoError(t, Save(ctx, g, path, DefaultSaveOptions()))

	bad := filepath.Join(dir, "bad.zip")
	rewrite(t, path, bad, map[string]string{"../escape.txt": "x"})
	opts := testOptions(t)
	_, err := Load(ctx, bad, opts)
	assert.ErrorIs(t, err, errs.ErrCorruptArchive)
	assert.NoFileExists(t, filepath.Join(opts.CacheDir, "graphs", "escape.txt"))
}

func TestLoadRejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "graph.zip")
	require.NoError(t, os.WriteFile(path, []byte("not a zip"), 0o644))
	_, err := Load(testContext(), path, testOptions(t))
	assert.ErrorIs(t, err, errs.ErrCorruptArchive)
}

func TestMarshalUnmarshal(t *testing.T) {
	ctx := testContext()
	g := buildAddRelu(t, ctx)
	want := run(t, ctx, g)

	data, err := Marshal(ctx, g)
	require.NoError(t, err)
	loaded, err := Unmarshal(ctx, data, testOptions(t))
	require.NoError(t, err)
	defer loaded.Close()
	assert.Equal(t, want, run(t, ctx, loaded))
	assert.Equal(t, graph.Stats{FastPath: 1}, loaded.Stats())
}

func TestSaveRequiresWeights(t *testing.T) {
	ctx := testContext()
	g := buildAddRelu(t, ctx)
	require.NoError(t, g.Close())
	err := Save(ctx, g, filepath.Join(t.TempDir(), "graph.zip"), DefaultSaveOptions())
	assert.ErrorIs(t, err, errs.ErrUsage)
}

func TestReadMeta(t *testing.T) {
	ctx := testContext()
	g := buildAddRelu(t, ctx)
	dir := t.TempDir()
	path := filepath.Join(dir, "graph.zip")
	require.NoError(t, Save(ctx, g, path, SaveOptions{}))

	meta, err := ReadMeta(path)
	require.NoError(t, err)
	assert.Equal(t, g.Meta().GraphHash, meta.GraphHash)
	assert.Equal(t, 2, meta.NumKernels)

	staged := filepath.Join(dir, "staged")
	require.NoError(t, graph.WriteAssets(staged, g))
	meta, err = ReadMeta(staged)
	require.NoError(t, err)
	assert.Equal(t, g.Meta().GraphHash, meta.GraphHash)
}
