package archive

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/born-ml/graphrt/internal/device"
	"github.com/born-ml/graphrt/internal/errs"
	"github.com/born-ml/graphrt/internal/tensor"
	"github.com/pkg/errors"
	"github.com/sbinet/npyio/npy"
	"golang.org/x/sync/errgroup"
)

// weightName is the npz member of weight i, as numpy.savez names positional arrays.
func weightName(i int) string {
	return fmt.Sprintf("arr_%d.npy", i)
}

// writeNPY writes one C-ordered array in .npy version 1.0 format. The header is
// emitted here because npy.Write takes its shape from the Go value, and weights
// carry runtime shapes of any rank.
func writeNPY(w io.Writer, dtype tensor.DataType, shape tensor.Shape, data []byte) error {
	dims := make([]string, len(shape))
	for i, d := range shape {
		dims[i] = strconv.Itoa(d)
	}
	tuple := "(" + strings.Join(dims, ", ")
	if len(shape) == 1 {
		tuple += ","
	}
	tuple += ")"
	header := fmt.Sprintf("{'descr': '%s', 'fortran_order': False, 'shape': %s, }", descr(dtype), tuple)

	// magic + version + uint16 length + header + padding + '\n'
	prefix := len(npyMagic) + 2 + 2
	pad := npyAlignment - (prefix+len(header)+1)%npyAlignment
	if pad == npyAlignment {
		pad = 0
	}
	header += strings.Repeat(" ", pad) + "\n"

	var buf bytes.Buffer
	buf.WriteString(npyMagic)
	buf.WriteByte(npyMajor)
	buf.WriteByte(npyMinor)
	_ = binary.Write(&buf, binary.LittleEndian, uint16(len(header)))
	buf.WriteString(header)
	if _, err := w.Write(buf.Bytes()); err != nil {
		return err
	}
	_, err := w.Write(data)
	return err
}

// npyDataOffset returns where the data of a .npy document starts.
func npyDataOffset(raw []byte) (int, error) {
	if len(raw) < len(npyMagic)+4 || string(raw[:len(npyMagic)]) != npyMagic {
		return 0, errors.New("not a .npy document")
	}
	rest := raw[len(npyMagic)+2:]
	var prefix, hlen int
	switch major := raw[len(npyMagic)]; major {
	case 1:
		prefix, hlen = len(npyMagic)+4, int(binary.LittleEndian.Uint16(rest))
	case 2, 3:
		if len(rest) < 4 {
			return 0, errors.New("truncated .npy header")
		}
		prefix, hlen = len(npyMagic)+6, int(binary.LittleEndian.Uint32(rest))
	default:
		return 0, errors.Errorf(".npy version %d is not supported", major)
	}
	if hlen > MaxNPYHeaderLen || prefix+hlen > len(raw) {
		return 0, errors.Errorf(".npy header of %d bytes is invalid", hlen)
	}
	return prefix + hlen, nil
}

// readNPY decodes a .npy document held in memory into little-endian bytes.
// Half floats have no Go element type and are returned as the raw data, which
// aliases raw.
func readNPY(raw []byte) (tensor.DataType, tensor.Shape, []byte, error) {
	offset, err := npyDataOffset(raw)
	if err != nil {
		return 0, nil, nil, err
	}
	r, err := npy.NewReader(bytes.NewReader(raw))
	if err != nil {
		return 0, nil, nil, errors.Wrap(err, "read .npy header")
	}
	hdr := r.Header.Descr
	dtype, ok := parseDescr(hdr.Type)
	if !ok {
		return 0, nil, nil, errors.Errorf(".npy type %q is not supported", hdr.Type)
	}
	if hdr.Fortran {
		return 0, nil, nil, errors.New("fortran-ordered .npy arrays are not supported")
	}
	shape := tensor.Shape{}
	for _, d := range hdr.Shape {
		if d < 0 {
			return 0, nil, nil, errors.Errorf(".npy shape %v is invalid", hdr.Shape)
		}
		shape = append(shape, d)
	}
	n := shape.NumElements()
	if want := n * dtype.Size(); want != len(raw)-offset {
		return 0, nil, nil, errors.Errorf(".npy %v %s needs %d data bytes, has %d", []int(shape), dtype, want, len(raw)-offset)
	}

	var data []byte
	switch dtype {
	case tensor.Float32:
		data, err = decodeNPY[float32](r, n)
	case tensor.Float64:
		data, err = decodeNPY[float64](r, n)
	case tensor.Int32:
		data, err = decodeNPY[int32](r, n)
	case tensor.Int64:
		data, err = decodeNPY[int64](r, n)
	case tensor.Int8:
		data, err = decodeNPY[int8](r, n)
	case tensor.Uint8:
		data, err = decodeNPY[uint8](r, n)
	case tensor.Bool:
		data, err = decodeNPY[bool](r, n)
	default:
		data = raw[offset:]
	}
	if err != nil {
		return 0, nil, nil, errors.Wrapf(err, "read .npy %s data", dtype)
	}
	return dtype, shape, data, nil
}

// decodeNPY reads n elements of type T and re-encodes them little endian.
func decodeNPY[T any](r *npy.Reader, n int) ([]byte, error) {
	values := make([]T, n)
	if err := r.Read(&values); err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, values); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// WriteWeights writes weights as an .npz archive, weight i as arr_<i>.npy.
func WriteWeights(w io.Writer, weights []*tensor.Tensor) error {
	zw := zip.NewWriter(w)
	for i, x := range weights {
		data, err := x.Bytes()
		if err != nil {
			return errors.Wrapf(err, "read weight %d", i)
		}
		f, err := zw.CreateHeader(&zip.FileHeader{Name: weightName(i), Method: zip.Store})
		if err != nil {
			return err
		}
		if err := writeNPY(f, x.DType(), x.Shape(), data); err != nil {
			return errors.Wrapf(err, "write weight %d", i)
		}
	}
	return zw.Close()
}

// ReadWeights decodes len(devices) weights from .npz content and uploads weight
// i to devices[i]. Weights are decoded and uploaded concurrently.
func ReadWeights(ctx context.Context, npz []byte, devices []device.Device) ([]*tensor.Tensor, error) {
	corrupt := func(err error) error {
		return &errs.CorruptArchiveError{Path: WeightsFile, Reason: err.Error()}
	}
	zr, err := zip.NewReader(bytes.NewReader(npz), int64(len(npz)))
	if err != nil {
		return nil, corrupt(err)
	}
	if len(zr.File) > MaxWeights {
		return nil, corrupt(&ValidationError{Type: "too_many_entries",
			Details: fmt.Sprintf("got %d, max %d", len(zr.File), MaxWeights)})
	}
	members := make(map[string]*zip.File, len(zr.File))
	for _, f := range zr.File {
		if err := ValidateEntryName(f.Name); err != nil {
			return nil, corrupt(err)
		}
		members[f.Name] = f
	}

	files := make([]*zip.File, len(devices))
	for i := range files {
		f, ok := members[weightName(i)]
		if !ok {
			return nil, corrupt(errors.Errorf("missing %s", weightName(i)))
		}
		files[i] = f
	}

	weights := make([]*tensor.Tensor, len(devices))
	eg, ctx := errgroup.WithContext(ctx)
	eg.SetLimit(8)
	for i, f := range files {
		dev := devices[i]
		eg.Go(func() error {
			rc, err := f.Open()
			if err != nil {
				return corrupt(err)
			}
			raw, err := io.ReadAll(io.LimitReader(rc, int64(f.UncompressedSize64)+1))
			rc.Close()
			if err != nil {
				return corrupt(errors.Wrap(err, f.Name))
			}
			dtype, shape, data, err := readNPY(raw)
			if err != nil {
				return corrupt(errors.Wrap(err, f.Name))
			}
			w, err := tensor.Empty(ctx, shape, dtype, dev)
			if err != nil {
				return errors.Wrapf(err, "allocate weight %d", i)
			}
			if err := w.SetBytes(data); err != nil {
				w.Release()
				return errors.Wrapf(err, "upload weight %d", i)
			}
			weights[i] = w
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		tensor.ReleaseAll(weights...)
		return nil, err
	}
	return weights, nil
}
