package tensor

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"unsafe"

	"github.com/born-ml/graphrt/internal/device"
	"github.com/born-ml/graphrt/internal/storage"
	"github.com/pkg/errors"
)

// Tensor is a shaped, typed view over a Storage starting at a byte offset.
//
// A tensor holds one reference to its storage. Two tensors may view the same
// storage; the memory is returned once both are released.
type Tensor struct {
	shape   Shape
	dtype   DataType
	device  device.Device
	storage *storage.Storage
	offset  int64
}

// Empty allocates an uninitialised tensor from the active pool of dev.
func Empty(ctx context.Context, shape Shape, dtype DataType, dev device.Device) (*Tensor, error) {
	if err := shape.Validate(); err != nil {
		return nil, err
	}
	nbytes := int64(shape.NumElements() * dtype.Size())
	s, err := storage.Allocate(ctx, dev, nbytes)
	if err != nil {
		return nil, err
	}
	return &Tensor{shape: shape.Clone(), dtype: dtype, device: dev, storage: s}, nil
}

// FromStorage wraps a storage reference owned by the caller, which the tensor
// takes over.
func FromStorage(s *storage.Storage, offset int64, shape Shape, dtype DataType) (*Tensor, error) {
	nbytes := int64(shape.NumElements() * dtype.Size())
	if offset < 0 || offset+nbytes > s.NumBytes() {
		return nil, errors.Errorf("tensor of %d bytes at offset %d does not fit %s", nbytes, offset, s)
	}
	return &Tensor{shape: shape.Clone(), dtype: dtype, device: s.Device(), storage: s, offset: offset}, nil
}

// View returns a new tensor over the same memory as t with another shape of the
// same byte size.
func View(t *Tensor, shape Shape) (*Tensor, error) {
	if shape.NumElements() != t.shape.NumElements() {
		return nil, errors.Errorf("cannot view %v as %v", t.shape, shape)
	}
	t.mustLive()
	return &Tensor{
		shape:   shape.Clone(),
		dtype:   t.dtype,
		device:  t.device,
		storage: t.storage.Retain(),
		offset:  t.offset,
	}, nil
}

// Share returns a new tensor over the same memory as t.
func Share(t *Tensor) *Tensor {
	v, _ := View(t, t.shape)
	return v
}

// Shape returns the tensor's shape.
func (t *Tensor) Shape() Shape { return t.shape }

// DType returns the tensor's data type.
func (t *Tensor) DType() DataType { return t.dtype }

// Device returns the device holding the tensor's memory.
func (t *Tensor) Device() device.Device { return t.device }

// Storage returns the underlying storage, or nil once released.
func (t *Tensor) Storage() *storage.Storage { return t.storage }

// Offset returns the byte offset of the first element inside the storage.
func (t *Tensor) Offset() int64 { return t.offset }

// NumElements returns the total number of elements.
func (t *Tensor) NumElements() int { return t.shape.NumElements() }

// NumBytes returns the size of the tensor data in bytes.
func (t *Tensor) NumBytes() int64 { return int64(t.shape.NumElements() * t.dtype.Size()) }

// Addr returns the device address of the first element.
func (t *Tensor) Addr() uintptr {
	t.mustLive()
	if t.storage.Addr() == 0 {
		return 0
	}
	return t.storage.Addr() + uintptr(t.offset)
}

// SharesStorage reports whether t and other view the same storage.
func (t *Tensor) SharesStorage(other *Tensor) bool {
	return t.storage != nil && t.storage == other.storage
}

// Released reports whether Release has been called.
func (t *Tensor) Released() bool { return t.storage == nil }

// Release drops the tensor's storage reference. Releasing twice is a no-op, so an
// object returned more than once from a call may be released by each holder.
func (t *Tensor) Release() {
	if t.storage == nil {
		return
	}
	s := t.storage
	t.storage = nil
	s.Release()
}

// ReleaseAll releases every distinct tensor in ts.
func ReleaseAll(ts ...*Tensor) {
	for _, t := range ts {
		if t != nil {
			t.Release()
		}
	}
}

// HostBytes returns the tensor data as a slice aliasing host memory.
func (t *Tensor) HostBytes() ([]byte, error) {
	t.mustLive()
	buf, err := t.storage.Bytes()
	if err != nil {
		return nil, err
	}
	return buf[t.offset : t.offset+t.NumBytes()], nil
}

// HostFloat32 returns the float32 data aliasing host memory. Kernels write
// their outputs through it.
func (t *Tensor) HostFloat32() ([]float32, error) {
	if t.dtype != Float32 {
		return nil, errors.Errorf("tensor is %s, not float32", t.dtype)
	}
	buf, err := t.HostBytes()
	if err != nil || len(buf) == 0 {
		return nil, err
	}
	//nolint:gosec // reinterpret the aligned byte block as float32
	return unsafe.Slice((*float32)(unsafe.Pointer(unsafe.SliceData(buf))), len(buf)/4), nil
}

// Bytes copies the tensor data to a new host slice. Works on every device.
func (t *Tensor) Bytes() ([]byte, error) {
	t.mustLive()
	out := make([]byte, t.NumBytes())
	if err := t.storage.Read(t.offset, out); err != nil {
		return nil, err
	}
	return out, nil
}

// SetBytes overwrites the tensor data with src.
func (t *Tensor) SetBytes(src []byte) error {
	t.mustLive()
	if int64(len(src)) != t.NumBytes() {
		return errors.Errorf("tensor holds %d bytes, got %d", t.NumBytes(), len(src))
	}
	return t.storage.Write(t.offset, src)
}

// Float32 copies float32 data out of the tensor.
func (t *Tensor) Float32() ([]float32, error) {
	if t.dtype != Float32 {
		return nil, errors.Errorf("tensor is %s, not float32", t.dtype)
	}
	raw, err := t.Bytes()
	if err != nil {
		return nil, err
	}
	out := make([]float32, len(raw)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
	}
	return out, nil
}

// FromFloat32 allocates a float32 tensor on dev and fills it with data.
func FromFloat32(ctx context.Context, dev device.Device, shape Shape, data []float32) (*Tensor, error) {
	if shape.NumElements() != len(data) {
		return nil, fmt.Errorf("shape %v requires %d elements, but got %d", shape, shape.NumElements(), len(data))
	}
	t, err := Empty(ctx, shape, Float32, dev)
	if err != nil {
		return nil, err
	}
	raw := make([]byte, len(data)*4)
	for i, v := range data {
		binary.LittleEndian.PutUint32(raw[i*4:], math.Float32bits(v))
	}
	if err := t.SetBytes(raw); err != nil {
		t.Release()
		return nil, err
	}
	return t, nil
}

// Clone copies t into freshly allocated memory on the same device.
func (t *Tensor) Clone(ctx context.Context) (*Tensor, error) {
	raw, err := t.Bytes()
	if err != nil {
		return nil, err
	}
	c, err := Empty(ctx, t.shape, t.dtype, t.device)
	if err != nil {
		return nil, err
	}
	if err := c.SetBytes(raw); err != nil {
		c.Release()
		return nil, err
	}
	return c, nil
}

// To copies t to dev. A tensor already on dev is shared, not copied.
func (t *Tensor) To(ctx context.Context, dev device.Device) (*Tensor, error) {
	if t.device == dev {
		return Share(t), nil
	}
	raw, err := t.Bytes()
	if err != nil {
		return nil, err
	}
	c, err := Empty(ctx, t.shape, t.dtype, dev)
	if err != nil {
		return nil, err
	}
	if err := c.SetBytes(raw); err != nil {
		c.Release()
		return nil, err
	}
	return c, nil
}

func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor(shape=%v, dtype=%s, device=%s)", []int(t.shape), t.dtype, t.device)
}

func (t *Tensor) mustLive() {
	if t.storage == nil {
		panic(fmt.Sprintf("use of released %s", t))
	}
}
