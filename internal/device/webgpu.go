//go:build windows

package device

import (
	"fmt"
	"sync"
	"unsafe"

	"github.com/go-webgpu/webgpu/wgpu"
)

// Usage flags for every buffer handed out to the runtime.
const webgpuBufferUsage = wgpu.BufferUsageStorage | wgpu.BufferUsageCopySrc | wgpu.BufferUsageCopyDst

// WebGPUAPI exposes a WebGPU adapter as a device.
//
// WebGPU buffers have no numeric address, so the API hands out opaque handles and
// keeps the handle to buffer mapping itself.
type WebGPUAPI struct {
	id       int
	instance *wgpu.Instance
	adapter  *wgpu.Adapter
	device   *wgpu.Device
	queue    *wgpu.Queue

	mu        sync.Mutex
	buffers   map[uintptr]*wgpu.Buffer
	sizes     map[uintptr]int64
	next      uintptr
	allocated int64
	peak      int64
}

// NewWebGPUAPI opens the default high-performance adapter as device webgpu:id.
func NewWebGPUAPI(id int) (api *WebGPUAPI, err error) {
	// The native library panics when it can not be loaded.
	defer func() {
		if r := recover(); r != nil {
			api = nil
			err = fmt.Errorf("webgpu: native library not available: %v", r)
		}
	}()

	instance := wgpu.CreateInstance(nil)
	adapter, err := instance.RequestAdapter(&wgpu.RequestAdapterOptions{
		PowerPreference: wgpu.PowerPreferenceHighPerformance,
	})
	if err != nil {
		instance.Release()
		return nil, fmt.Errorf("webgpu: failed to request adapter: %w", err)
	}
	dev, err := adapter.RequestDevice(nil)
	if err != nil {
		adapter.Release()
		instance.Release()
		return nil, fmt.Errorf("webgpu: failed to request device: %w", err)
	}
	queue := dev.GetQueue()
	if queue == nil {
		dev.Release()
		adapter.Release()
		instance.Release()
		return nil, fmt.Errorf("webgpu: failed to get queue")
	}

	return &WebGPUAPI{
		id:       id,
		instance: instance,
		adapter:  adapter,
		device:   dev,
		queue:    queue,
		buffers:  make(map[uintptr]*wgpu.Buffer),
		sizes:    make(map[uintptr]int64),
		next:     1,
	}, nil
}

// RegisterWebGPU opens webgpu:id and registers it with the device registry.
func RegisterWebGPU(id int) error {
	api, err := NewWebGPUAPI(id)
	if err != nil {
		return err
	}
	Register(api)
	return nil
}

// Device returns webgpu:id.
func (w *WebGPUAPI) Device() Device { return New(WebGPU, w.id) }

// Malloc creates a storage buffer and returns its handle.
func (w *WebGPUAPI) Malloc(nbytes int64) uintptr {
	if nbytes <= 0 {
		return 0
	}
	buf := w.device.CreateBuffer(&wgpu.BufferDescriptor{
		Usage: webgpuBufferUsage,
		Size:  uint64(nbytes),
	})
	if buf == nil {
		return 0
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	handle := w.next
	w.next++
	w.buffers[handle] = buf
	w.sizes[handle] = nbytes
	w.allocated += nbytes
	w.peak = max(w.peak, w.allocated)
	return handle
}

// Free releases the buffer behind handle.
func (w *WebGPUAPI) Free(handle uintptr) {
	w.mu.Lock()
	buf, ok := w.buffers[handle]
	if !ok {
		w.mu.Unlock()
		panic(fmt.Sprintf("webgpu: free of unknown handle %d", handle))
	}
	delete(w.buffers, handle)
	w.allocated -= w.sizes[handle]
	delete(w.sizes, handle)
	w.mu.Unlock()

	buf.Release()
}

// Synchronize waits for the queue to drain by mapping a staging buffer that is
// written by the last submitted command.
func (w *WebGPUAPI) Synchronize() error {
	const fenceSize = 4
	src := w.device.CreateBuffer(&wgpu.BufferDescriptor{
		Usage: wgpu.BufferUsageStorage | wgpu.BufferUsageCopySrc,
		Size:  fenceSize,
	})
	defer src.Release()
	staging := w.device.CreateBuffer(&wgpu.BufferDescriptor{
		Usage: wgpu.BufferUsageMapRead | wgpu.BufferUsageCopyDst,
		Size:  fenceSize,
	})
	defer staging.Release()

	encoder := w.device.CreateCommandEncoder(nil)
	encoder.CopyBufferToBuffer(src, 0, staging, 0, fenceSize)
	w.queue.Submit(encoder.Finish(nil))

	if err := staging.MapAsync(w.device, wgpu.MapModeRead, 0, fenceSize); err != nil {
		return fmt.Errorf("webgpu: synchronize: %w", err)
	}
	staging.Unmap()
	return nil
}

// Stats reports the live and peak allocated bytes.
func (w *WebGPUAPI) Stats() (allocated, peak int64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.allocated, w.peak
}

// Buffer returns the WebGPU buffer behind handle, for kernels that bind it.
func (w *WebGPUAPI) Buffer(handle uintptr) (*wgpu.Buffer, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	buf, ok := w.buffers[handle]
	return buf, ok
}

// Upload copies src into the buffer at offset through a mapped staging buffer.
func (w *WebGPUAPI) Upload(dst uintptr, offset int64, src []byte) error {
	buf, ok := w.Buffer(dst)
	if !ok {
		return fmt.Errorf("webgpu: upload to unknown handle %d", dst)
	}
	size := uint64(len(src))
	if size == 0 {
		return nil
	}
	staging := w.device.CreateBuffer(&wgpu.BufferDescriptor{
		Usage:            wgpu.BufferUsageCopySrc,
		Size:             size,
		MappedAtCreation: wgpu.True,
	})
	defer staging.Release()

	mapped := w.mapped(staging, size)
	copy(mapped, src)
	staging.Unmap()

	encoder := w.device.CreateCommandEncoder(nil)
	encoder.CopyBufferToBuffer(staging, 0, buf, uint64(offset), size)
	w.queue.Submit(encoder.Finish(nil))
	return nil
}

// Download copies len(dst) bytes starting at offset into dst. It blocks until the
// copy has completed.
func (w *WebGPUAPI) Download(dst []byte, src uintptr, offset int64) error {
	buf, ok := w.Buffer(src)
	if !ok {
		return fmt.Errorf("webgpu: download from unknown handle %d", src)
	}
	size := uint64(len(dst))
	if size == 0 {
		return nil
	}
	staging := w.device.CreateBuffer(&wgpu.BufferDescriptor{
		Usage: wgpu.BufferUsageMapRead | wgpu.BufferUsageCopyDst,
		Size:  size,
	})
	defer staging.Release()

	encoder := w.device.CreateCommandEncoder(nil)
	encoder.CopyBufferToBuffer(buf, uint64(offset), staging, 0, size)
	w.queue.Submit(encoder.Finish(nil))

	if err := staging.MapAsync(w.device, wgpu.MapModeRead, 0, size); err != nil {
		return fmt.Errorf("webgpu: failed to map staging buffer: %w", err)
	}
	copy(dst, w.mapped(staging, size))
	staging.Unmap()
	return nil
}

func (w *WebGPUAPI) mapped(buf *wgpu.Buffer, size uint64) []byte {
	ptr := buf.GetMappedRange(0, size)
	//nolint:gosec // unsafe.Slice for zero-copy access to the mapped range
	return unsafe.Slice((*byte)(ptr), size)
}

// Release frees every outstanding buffer and the WebGPU objects.
func (w *WebGPUAPI) Release() {
	w.mu.Lock()
	for handle, buf := range w.buffers {
		buf.Release()
		delete(w.buffers, handle)
	}
	w.mu.Unlock()

	w.queue.Release()
	w.device.Release()
	w.adapter.Release()
	w.instance.Release()
}

var (
	_ API      = (*WebGPUAPI)(nil)
	_ Transfer = (*WebGPUAPI)(nil)
)
