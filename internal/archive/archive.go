package archive

import (
	"archive/zip"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/born-ml/graphrt/internal/config"
	"github.com/born-ml/graphrt/internal/device"
	"github.com/born-ml/graphrt/internal/dispatch"
	"github.com/born-ml/graphrt/internal/errs"
	"github.com/born-ml/graphrt/internal/graph"
	"github.com/born-ml/graphrt/internal/plan"
	"github.com/born-ml/graphrt/internal/tensor"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// SaveOptions selects the optional members of an archive.
type SaveOptions struct {
	DispatchTable bool // include the recorded kernel choices
	Weights       bool // include the weights
}

// DefaultSaveOptions saves the weights but not the dispatch table.
func DefaultSaveOptions() SaveOptions {
	return SaveOptions{Weights: true}
}

// Save writes g to path as a zip archive. The archive is assembled next to path
// and renamed over it, so readers never see a partial file.
func Save(ctx context.Context, g *graph.CompiledGraph, path string, opts SaveOptions) error {
	var weights []*tensor.Tensor
	if opts.Weights {
		if g.State() != graph.Ready {
			return errs.Usagef("save", "graph has no weights to save")
		}
		weights = g.Weights()
	}

	stage, err := os.MkdirTemp("", "graphrt-save-*")
	if err != nil {
		return errors.Wrap(err, "create staging directory")
	}
	defer os.RemoveAll(stage)
	if err := graph.WriteAssets(stage, g); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp*")
	if err != nil {
		return errors.Wrap(err, "create archive")
	}
	defer os.Remove(tmp.Name())

	zw := zip.NewWriter(tmp)
	if err := addTree(zw, stage); err != nil {
		tmp.Close()
		return err
	}
	if opts.Weights {
		var npz bytes.Buffer
		if err := WriteWeights(&npz, weights); err != nil {
			tmp.Close()
			return err
		}
		sum := sha256.Sum256(npz.Bytes())
		if err := addFile(zw, WeightsFile, npz.Bytes(), zip.Store); err != nil {
			tmp.Close()
			return err
		}
		if err := addFile(zw, WeightsSumFile, []byte(hex.EncodeToString(sum[:])+"\n"), zip.Deflate); err != nil {
			tmp.Close()
			return err
		}
	}
	if opts.DispatchTable {
		var table bytes.Buffer
		if err := dispatch.Write(&table, g.DispatchTable(ctx)); err != nil {
			tmp.Close()
			return errors.Wrap(err, "encode dispatch table")
		}
		if err := addFile(zw, DispatchTableFile, table.Bytes(), zip.Deflate); err != nil {
			tmp.Close()
			return err
		}
	}
	if err := addFile(zw, graph.GraphStringFile, []byte(g.GraphString()), zip.Deflate); err != nil {
		tmp.Close()
		return err
	}
	if err := zw.Close(); err != nil {
		tmp.Close()
		return errors.Wrap(err, "finish archive")
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrap(err, "close archive")
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return errors.Wrapf(err, "rename archive to %s", path)
	}
	klog.FromContext(ctx).V(2).Info("compiled graph saved", "path", path, "hash", g.Meta().GraphHash,
		"weights", opts.Weights, "dispatch_table", opts.DispatchTable)
	return nil
}

// addTree adds every file under root except the graph string, which Save adds
// last.
func addTree(zw *zip.Writer, root string) error {
	return filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		name := filepath.ToSlash(rel)
		if name == graph.GraphStringFile {
			return nil
		}
		data, err := os.ReadFile(p)
		if err != nil {
			return errors.Wrapf(err, "read %s", name)
		}
		return addFile(zw, name, data, zip.Deflate)
	})
}

func addFile(zw *zip.Writer, name string, data []byte, method uint16) error {
	w, err := zw.CreateHeader(&zip.FileHeader{Name: name, Method: method})
	if err != nil {
		return errors.Wrapf(err, "add %s", name)
	}
	_, err = w.Write(data)
	return errors.Wrapf(err, "write %s", name)
}

// Load loads a compiled graph from an archive or from a compiled graph
// directory. Graphs saved without weights are returned uninitialised.
func Load(ctx context.Context, path string, opts config.Options) (*graph.CompiledGraph, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, errors.Wrap(err, "load compiled graph")
	}
	if info.IsDir() {
		return loadDir(ctx, path, opts)
	}
	return loadArchive(ctx, path, opts)
}

func loadDir(ctx context.Context, dir string, opts config.Options) (*graph.CompiledGraph, error) {
	assets, err := graph.ReadAssets(dir)
	if err != nil {
		return nil, err
	}
	var weights []*tensor.Tensor
	npz, err := os.ReadFile(filepath.Join(dir, WeightsFile))
	switch {
	case err == nil:
		sum, _ := os.ReadFile(filepath.Join(dir, WeightsSumFile))
		if weights, err = decodeWeights(ctx, npz, sum, assets.Execution); err != nil {
			return nil, err
		}
		defer tensor.ReleaseAll(weights...)
	case !os.IsNotExist(err):
		return nil, errors.Wrap(err, "read weights")
	}
	return graph.LoadDir(ctx, dir, weights, opts)
}

func loadArchive(ctx context.Context, path string, opts config.Options) (*graph.CompiledGraph, error) {
	log := klog.FromContext(ctx)
	zr, err := zip.OpenReader(path)
	if err != nil {
		if zr != nil {
			zr.Close()
		}
		return nil, &errs.CorruptArchiveError{Path: path, Reason: err.Error()}
	}
	defer zr.Close()

	if len(zr.File) > MaxEntries {
		return nil, &errs.CorruptArchiveError{Path: path, Reason: (&ValidationError{Type: "too_many_entries",
			Details: "archive has too many members"}).Error()}
	}
	members := make(map[string]*zip.File, len(zr.File))
	for _, f := range zr.File {
		if err := ValidateEntryName(f.Name); err != nil {
			return nil, &errs.CorruptArchiveError{Path: path, Reason: err.Error()}
		}
		members[f.Name] = f
	}

	metaData, err := readMember(members, plan.MetaFile)
	if err != nil {
		return nil, &errs.CorruptArchiveError{Path: path, Reason: err.Error()}
	}
	meta, err := plan.DecodeMeta(metaData)
	if err != nil {
		return nil, &errs.CorruptArchiveError{Path: path, Reason: err.Error()}
	}
	if meta.GraphHash == "" || strings.ContainsAny(meta.GraphHash, `/\.`) {
		return nil, &errs.CorruptArchiveError{Path: path, Reason: "invalid graph hash " + meta.GraphHash}
	}

	dir := opts.GraphDir(meta.GraphHash)
	if _, err := os.Stat(filepath.Join(dir, graph.GraphStringFile)); err == nil {
		log.V(2).Info("using extracted compiled graph", "path", path, "dir", dir)
	} else {
		if err := extract(zr.File, dir); err != nil {
			return nil, err
		}
		log.Info("extracted compiled graph", "path", path, "dir", dir)
	}

	var weights []*tensor.Tensor
	if _, ok := members[WeightsFile]; ok {
		exec, err := readExecution(members)
		if err != nil {
			return nil, &errs.CorruptArchiveError{Path: path, Reason: err.Error()}
		}
		npz, err := readMember(members, WeightsFile)
		if err != nil {
			return nil, &errs.CorruptArchiveError{Path: path, Reason: err.Error()}
		}
		sum, _ := readMember(members, WeightsSumFile)
		if weights, err = decodeWeights(ctx, npz, sum, exec); err != nil {
			return nil, err
		}
		defer tensor.ReleaseAll(weights...)
	}
	return graph.LoadDir(ctx, dir, weights, opts)
}

func readExecution(members map[string]*zip.File) (*plan.Execution, error) {
	data, err := readMember(members, plan.ExecutionFile)
	if err != nil {
		return nil, err
	}
	return plan.DecodeExecution(data)
}

// decodeWeights checks the weights against their checksum, when there is one,
// and uploads them to the devices of the weight buffers.
func decodeWeights(ctx context.Context, npz, sum []byte, exec *plan.Execution) ([]*tensor.Tensor, error) {
	if want := strings.TrimSpace(string(sum)); want != "" {
		got := sha256.Sum256(npz)
		if hex.EncodeToString(got[:]) != want {
			return nil, &errs.CorruptArchiveError{Path: WeightsFile, Reason: "checksum mismatch: file may be corrupted"}
		}
	}
	devices := make([]device.Device, exec.NumWeights())
	for i, idx := range exec.WeightsIndex {
		if idx < 0 || idx >= exec.NumBuffers() {
			return nil, &errs.CorruptArchiveError{Path: plan.ExecutionFile, Reason: "weight index out of range"}
		}
		devices[i] = exec.TensorDevice[idx]
	}
	return ReadWeights(ctx, npz, devices)
}

func readMember(members map[string]*zip.File, name string) ([]byte, error) {
	f, ok := members[name]
	if !ok {
		return nil, errors.Errorf("missing %s", name)
	}
	rc, err := f.Open()
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", name)
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	return data, errors.Wrapf(err, "read %s", name)
}

// extract writes every member except the weights into dir. The graph string is
// written last and marks the extraction complete.
func extract(files []*zip.File, dir string) error {
	var last *zip.File
	for _, f := range files {
		switch {
		case f.Name == WeightsFile || f.Name == WeightsSumFile:
			continue
		case f.Name == graph.GraphStringFile:
			last = f
			continue
		}
		if err := extractFile(f, dir); err != nil {
			return err
		}
	}
	if last == nil {
		return &errs.CorruptArchiveError{Path: dir, Reason: "archive has no " + graph.GraphStringFile}
	}
	return extractFile(last, dir)
}

func extractFile(f *zip.File, dir string) error {
	dst := filepath.Join(dir, filepath.FromSlash(f.Name))
	if strings.HasSuffix(f.Name, "/") {
		return errors.Wrapf(os.MkdirAll(dst, 0o755), "create %s", dst)
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return errors.Wrapf(err, "create %s", filepath.Dir(dst))
	}
	rc, err := f.Open()
	if err != nil {
		return errors.Wrapf(err, "open %s", f.Name)
	}
	defer rc.Close()
	out, err := os.Create(dst)
	if err != nil {
		return errors.Wrapf(err, "create %s", dst)
	}
	if _, err := io.Copy(out, rc); err != nil {
		out.Close()
		return &errs.CorruptArchiveError{Path: f.Name, Reason: err.Error()}
	}
	return errors.Wrapf(out.Close(), "close %s", dst)
}

// Marshal serialises g, weights and dispatch table included.
func Marshal(ctx context.Context, g *graph.CompiledGraph) ([]byte, error) {
	dir, err := os.MkdirTemp("", "graphrt-marshal-*")
	if err != nil {
		return nil, errors.Wrap(err, "create temp directory")
	}
	defer os.RemoveAll(dir)
	path := filepath.Join(dir, "graph.zip")
	if err := Save(ctx, g, path, SaveOptions{DispatchTable: true, Weights: true}); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	return data, errors.Wrap(err, "read archive")
}

// Unmarshal loads a graph serialised by Marshal.
func Unmarshal(ctx context.Context, data []byte, opts config.Options) (*graph.CompiledGraph, error) {
	dir, err := os.MkdirTemp("", "graphrt-unmarshal-*")
	if err != nil {
		return nil, errors.Wrap(err, "create temp directory")
	}
	defer os.RemoveAll(dir)
	path := filepath.Join(dir, "graph.zip")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return nil, errors.Wrap(err, "write archive")
	}
	return Load(ctx, path, opts)
}

// ReadMeta reads the graph metadata of an archive or compiled graph directory
// without loading its tasks.
func ReadMeta(path string) (*plan.MetaData, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, errors.Wrap(err, "read graph metadata")
	}
	if info.IsDir() {
		data, err := os.ReadFile(filepath.Join(path, plan.MetaFile))
		if err != nil {
			return nil, errors.Wrap(err, "read graph metadata")
		}
		return plan.DecodeMeta(data)
	}
	zr, err := zip.OpenReader(path)
	if err != nil {
		if zr != nil {
			zr.Close()
		}
		return nil, &errs.CorruptArchiveError{Path: path, Reason: err.Error()}
	}
	defer zr.Close()
	members := make(map[string]*zip.File, len(zr.File))
	for _, f := range zr.File {
		members[f.Name] = f
	}
	data, err := readMember(members, plan.MetaFile)
	if err != nil {
		return nil, &errs.CorruptArchiveError{Path: path, Reason: err.Error()}
	}
	meta, err := plan.DecodeMeta(data)
	if err != nil {
		return nil, &errs.CorruptArchiveError{Path: path, Reason: err.Error()}
	}
	return meta, nil
}
