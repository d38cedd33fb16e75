// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package graphrt

import (
	"context"

	"github.com/born-ml/graphrt/internal/archive"
	"github.com/born-ml/graphrt/internal/config"
	"github.com/born-ml/graphrt/internal/device"
	"github.com/born-ml/graphrt/internal/graph"
	"github.com/born-ml/graphrt/internal/kernels"
	"github.com/born-ml/graphrt/internal/storage"
	"github.com/born-ml/graphrt/internal/task"
	"github.com/born-ml/graphrt/internal/tensor"
)

// Version is the runtime version recorded in built graphs.
const Version = graph.Version

// Device identifies a compute device.
type Device = device.Device

// DeviceKind is a family of devices.
type DeviceKind = device.Kind

// Device kinds.
const (
	CPU    DeviceKind = device.CPU
	CUDA   DeviceKind = device.CUDA
	HIP    DeviceKind = device.HIP
	WebGPU DeviceKind = device.WebGPU
)

// Host is the CPU device.
var Host = device.Host

// NewDevice returns the device of the given kind and ordinal.
func NewDevice(kind DeviceKind, id int) Device { return device.New(kind, id) }

// DeviceAPI is the raw memory API of a device.
type DeviceAPI = device.API

// RegisterDevice installs the memory API of a device.
func RegisterDevice(api DeviceAPI) { device.Register(api) }

// RegisterWebGPU opens the default high-performance WebGPU adapter as webgpu:id
// and registers it. It fails with ErrUnsupported where the backend is not built.
func RegisterWebGPU(id int) error { return device.RegisterWebGPU(id) }

// NewHostAPI returns a host-memory API labelled as dev. A zero limit means
// unlimited.
func NewHostAPI(dev Device, limit int64) DeviceAPI { return device.NewHostAPI(dev, limit) }

// DataType is the element type of a tensor.
type DataType = tensor.DataType

// Data types.
const (
	Float32 DataType = tensor.Float32
	Float64 DataType = tensor.Float64
	Float16 DataType = tensor.Float16
	Int32   DataType = tensor.Int32
	Int64   DataType = tensor.Int64
	Int8    DataType = tensor.Int8
	Uint8   DataType = tensor.Uint8
	Bool    DataType = tensor.Bool
)

// Shape is the size of each dimension of a tensor.
type Shape = tensor.Shape

// Signature is the declared device, type and shape of a graph input or output.
// Dimensions are static sizes or symbol names.
type Signature = tensor.Signature

// NewSignature returns a signature. Each dim is an int (static size) or a
// string (symbol name).
func NewSignature(dev Device, dtype DataType, dims ...any) Signature {
	return tensor.NewSignature(dev, dtype, dims...)
}

// Tensor is a shaped view over reference-counted device storage.
type Tensor = tensor.Tensor

// Empty allocates an uninitialised tensor from the active pool of dev.
func Empty(ctx context.Context, shape Shape, dtype DataType, dev Device) (*Tensor, error) {
	return tensor.Empty(ctx, shape, dtype, dev)
}

// FromFloat32 allocates a float32 tensor on dev holding data.
func FromFloat32(ctx context.Context, dev Device, shape Shape, data []float32) (*Tensor, error) {
	return tensor.FromFloat32(ctx, dev, shape, data)
}

// Pool is a caching allocator for one device.
type Pool = storage.Pool

// NewPool returns a pool over api. Zero block size and capacity select the
// defaults.
func NewPool(api DeviceAPI, blockSize, maxReserved int64) *Pool {
	return storage.NewPool(api, blockSize, maxReserved)
}

// WithPool returns a context in which p serves allocations for its device.
func WithPool(ctx context.Context, p *Pool) context.Context { return storage.WithPool(ctx, p) }

// Options configures loading and running compiled graphs.
type Options = config.Options

// DefaultOptions returns the default options with environment overrides applied.
func DefaultOptions() Options { return config.FromEnv() }

// CompiledGraph is a loaded compiled graph.
type CompiledGraph = graph.CompiledGraph

// CapturedGraph is a compiled graph recorded for replay on fixed buffers.
type CapturedGraph = graph.CapturedGraph

// TaskMetaData describes a compiled task: its signatures, the input storage its
// outputs reuse, and its candidate kernels.
type TaskMetaData = task.MetaData

// Kernel runs one operator on device tensors.
type Kernel = kernels.Kernel

// Names of the built-in host kernels.
const (
	KernelReLU          = kernels.ReLU
	KernelAdd           = kernels.Add
	KernelMul           = kernels.Mul
	KernelCopy          = kernels.Copy
	KernelMatMul        = kernels.MatMul
	KernelMatMulBlocked = kernels.MatMulBlocked
)

// RegisterKernel makes k available to tasks under name. Registering a name twice
// panics.
func RegisterKernel(name string, k Kernel) { kernels.Register(name, k) }

// Builder assembles a compiled graph from task descriptions.
type Builder = graph.Builder

// NewBuilder returns an empty builder.
func NewBuilder() *Builder { return graph.NewBuilder() }

// SaveOptions selects the optional members of an archive.
type SaveOptions = archive.SaveOptions

// Load loads a compiled graph from a zip archive or a compiled graph directory.
func Load(ctx context.Context, path string, opts Options) (*CompiledGraph, error) {
	return archive.Load(ctx, path, opts)
}

// Save writes g to path as a zip archive.
func Save(ctx context.Context, g *CompiledGraph, path string, opts SaveOptions) error {
	return archive.Save(ctx, g, path, opts)
}

// Marshal serialises g with its weights and dispatch table.
func Marshal(ctx context.Context, g *CompiledGraph) ([]byte, error) {
	return archive.Marshal(ctx, g)
}

// Unmarshal loads a graph serialised by Marshal.
func Unmarshal(ctx context.Context, data []byte, opts Options) (*CompiledGraph, error) {
	return archive.Unmarshal(ctx, data, opts)
}
