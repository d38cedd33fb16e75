package kernels

import (
	"context"

	"github.com/born-ml/graphrt/internal/device"
	"github.com/born-ml/graphrt/internal/parallel"
	"github.com/born-ml/graphrt/internal/tensor"
	"github.com/pkg/errors"
)

// Host reference kernels. All of them operate on float32 tensors in host memory,
// except Copy, which also moves bytes to and from devices with a transfer API.
const (
	ReLU          = "host.relu"
	Add           = "host.add"
	Mul           = "host.mul"
	Copy          = "host.copy"
	MatMul        = "host.matmul"
	MatMulBlocked = "host.matmul_blocked"
)

// blockSize is the tile edge of the blocked matmul.
const blockSize = 32

var hostConfig = parallel.DefaultConfig()

func init() {
	Register(ReLU, relu)
	Register(Add, elementwise(func(a, b float32) float32 { return a + b }))
	Register(Mul, elementwise(func(a, b float32) float32 { return a * b }))
	Register(Copy, copyKernel)
	Register(MatMul, matmulNaive)
	Register(MatMulBlocked, matmulBlocked)
}

func hostData(ts []*tensor.Tensor, n int, role string) ([][]float32, error) {
	if len(ts) != n {
		return nil, errors.Errorf("expected %d %s, got %d", n, role, len(ts))
	}
	out := make([][]float32, n)
	for i, t := range ts {
		data, err := t.HostFloat32()
		if err != nil {
			return nil, errors.Wrapf(err, "%s %d", role, i)
		}
		out[i] = data
	}
	return out, nil
}

// relu is safe to run in place: the output may alias the input.
func relu(_ context.Context, inputs, outputs []*tensor.Tensor) error {
	in, err := hostData(inputs, 1, "inputs")
	if err != nil {
		return err
	}
	out, err := hostData(outputs, 1, "outputs")
	if err != nil {
		return err
	}
	x, y := in[0], out[0]
	if len(x) != len(y) {
		return errors.Errorf("relu: %d inputs for %d outputs", len(x), len(y))
	}
	parallel.ForChunks(len(x), func(start, end int) {
		for i := start; i < end; i++ {
			y[i] = max(x[i], 0)
		}
	}, hostConfig)
	return nil
}

func elementwise(op func(a, b float32) float32) Kernel {
	return func(_ context.Context, inputs, outputs []*tensor.Tensor) error {
		in, err := hostData(inputs, 2, "inputs")
		if err != nil {
			return err
		}
		out, err := hostData(outputs, 1, "outputs")
		if err != nil {
			return err
		}
		a, b, y := in[0], in[1], out[0]
		if len(a) != len(y) || len(b) != len(y) {
			return errors.Errorf("elementwise: sizes %d, %d and %d differ", len(a), len(b), len(y))
		}
		parallel.ForChunks(len(y), func(start, end int) {
			for i := start; i < end; i++ {
				y[i] = op(a[i], b[i])
			}
		}, hostConfig)
		return nil
	}
}

// copyKernel copies the bytes of its input into its output. Memory the host can
// not address is reached through the device's transfer API.
func copyKernel(_ context.Context, inputs, outputs []*tensor.Tensor) error {
	if len(inputs) != 1 || len(outputs) != 1 {
		return errors.New("copy: expected 1 input and 1 output")
	}
	src, dst := inputs[0], outputs[0]
	if src.NumBytes() != dst.NumBytes() {
		return errors.Errorf("copy: %d bytes into %d", src.NumBytes(), dst.NumBytes())
	}
	srcHost, srcErr := src.HostBytes()
	dstHost, dstErr := dst.HostBytes()
	switch {
	case srcErr == nil && dstErr == nil:
		copy(dstHost, srcHost)
		return nil
	case dstErr == nil:
		if t, ok := src.Storage().API().(device.Transfer); ok {
			return errors.Wrapf(t.Download(dstHost, src.Storage().Addr(), src.Offset()), "copy from %s", src.Device())
		}
	case srcErr == nil:
		if t, ok := dst.Storage().API().(device.Transfer); ok {
			return errors.Wrapf(t.Upload(dst.Storage().Addr(), dst.Offset(), srcHost), "copy to %s", dst.Device())
		}
	}
	// Device to device goes through a host staging buffer.
	raw, err := src.Bytes()
	if err != nil {
		return errors.Wrapf(err, "copy from %s", src.Device())
	}
	return errors.Wrapf(dst.SetBytes(raw), "copy to %s", dst.Device())
}

// matmulDims checks [m, k] x [k, n] -> [m, n].
func matmulDims(inputs, outputs []*tensor.Tensor) (m, k, n int, err error) {
	if len(inputs) != 2 || len(outputs) != 1 {
		return 0, 0, 0, errors.New("matmul: expected 2 inputs and 1 output")
	}
	a, b, c := inputs[0].Shape(), inputs[1].Shape(), outputs[0].Shape()
	if len(a) != 2 || len(b) != 2 || len(c) != 2 || a[1] != b[0] || c[0] != a[0] || c[1] != b[1] {
		return 0, 0, 0, errors.Errorf("matmul: incompatible shapes %v x %v -> %v", a, b, c)
	}
	return a[0], a[1], b[1], nil
}

func matmulNaive(_ context.Context, inputs, outputs []*tensor.Tensor) error {
	m, k, n, err := matmulDims(inputs, outputs)
	if err != nil {
		return err
	}
	in, err := hostData(inputs, 2, "inputs")
	if err != nil {
		return err
	}
	out, err := hostData(outputs, 1, "outputs")
	if err != nil {
		return err
	}
	a, b, c := in[0], in[1], out[0]
	parallel.ForBatch(m, n, func(i, j int) {
		var sum float32
		for p := range k {
			sum += a[i*k+p] * b[p*n+j]
		}
		c[i*n+j] = sum
	}, hostConfig)
	return nil
}

func matmulBlocked(_ context.Context, inputs, outputs []*tensor.Tensor) error {
	m, k, n, err := matmulDims(inputs, outputs)
	if err != nil {
		return err
	}
	in, err := hostData(inputs, 2, "inputs")
	if err != nil {
		return err
	}
	out, err := hostData(outputs, 1, "outputs")
	if err != nil {
		return err
	}
	a, b, c := in[0], in[1], out[0]
	rowBlocks := (m + blockSize - 1) / blockSize
	parallel.For(rowBlocks, func(rb int) {
		i0, i1 := rb*blockSize, min((rb+1)*blockSize, m)
		for i := i0; i < i1; i++ {
			row := c[i*n : (i+1)*n]
			clear(row)
		}
		for p0 := 0; p0 < k; p0 += blockSize {
			p1 := min(p0+blockSize, k)
			for i := i0; i < i1; i++ {
				row := c[i*n : (i+1)*n]
				for p := p0; p < p1; p++ {
					av := a[i*k+p]
					brow := b[p*n : (p+1)*n]
					for j, bv := range brow {
						row[j] += av * bv
					}
				}
			}
		}
	}, parallel.Config{Enabled: hostConfig.Enabled, NumWorkers: hostConfig.NumWorkers, MinChunkSize: 1})
	return nil
}
