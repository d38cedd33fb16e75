package archive

import (
	"archive/zip"
	"bytes"
	"context"
	"testing"

	"github.com/born-ml/graphrt/internal/device"
	"github.com/born-ml/graphrt/internal/errs"
	"github.com/born-ml/graphrt/internal/tensor"
	"github.com/sbinet/npyio/npy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNPYHeaderIsAligned(t *testing.T) {
	for _, shape := range []tensor.Shape{{}, {3}, {2, 5}, {1, 2, 3, 4}} {
		data := make([]byte, shape.NumElements()*4)
		var buf bytes.Buffer
		require.NoError(t, writeNPY(&buf, tensor.Float32, shape, data))
		assert.Zero(t, (buf.Len()-len(data))%npyAlignment, "shape %v", shape)
		assert.Equal(t, byte('\n'), buf.Bytes()[buf.Len()-len(data)-1])

		dtype, got, raw, err := readNPY(buf.Bytes())
		require.NoError(t, err)
		assert.Equal(t, tensor.Float32, dtype)
		assert.Equal(t, shape, got)
		assert.Len(t, raw, len(data))
	}
}

func TestReadNPYRejectsBadDocuments(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeNPY(&buf, tensor.Float32, tensor.Shape{4}, make([]byte, 16)))
	good := buf.Bytes()

	tests := []struct {
		name string
		raw  []byte
	}{
		{"magic", append([]byte("NUMPY!"), good[6:]...)},
		{"truncated data", good[:len(good)-4]},
		{"fortran order", bytes.Replace(good, []byte("'fortran_order': False"), []byte("'fortran_order': True "), 1)},
		{"dtype", bytes.Replace(good, []byte("<f4"), []byte("<c8"), 1)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, _, err := readNPY(tt.raw)
			assert.Error(t, err)
		})
	}
}

func TestReadNPYDataTypes(t *testing.T) {
	tests := []struct {
		dtype tensor.DataType
		data  []byte
	}{
		{tensor.Float64, []byte{0, 0, 0, 0, 0, 0, 0xf0, 0x3f, 0, 0, 0, 0, 0, 0, 0, 0xc0}},
		{tensor.Int32, []byte{1, 0, 0, 0, 0xff, 0xff, 0xff, 0xff}},
		{tensor.Int64, []byte{7, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0x80}},
		{tensor.Int8, []byte{0x80, 0x7f}},
		{tensor.Uint8, []byte{0, 255}},
		{tensor.Bool, []byte{1, 0}},
		{tensor.Float16, []byte{0x00, 0x3c, 0x00, 0xc0}},
	}
	for _, tt := range tests {
		t.Run(tt.dtype.String(), func(t *testing.T) {
			var buf bytes.Buffer
			require.NoError(t, writeNPY(&buf, tt.dtype, tensor.Shape{2}, tt.data))
			dtype, shape, data, err := readNPY(buf.Bytes())
			require.NoError(t, err)
			assert.Equal(t, tt.dtype, dtype)
			assert.Equal(t, tensor.Shape{2}, shape)
			assert.Equal(t, tt.data, data)
		})
	}
}

func TestReadNPYFromNumPyWriter(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, npy.Write(&buf, []float32{0.5, -1, 2}))

	dtype, shape, data, err := readNPY(buf.Bytes())
	require.NoError(t, err)
	assert.Equal(t, tensor.Float32, dtype)
	assert.Equal(t, tensor.Shape{3}, shape)
	assert.Equal(t, []byte{0, 0, 0, 0x3f, 0, 0, 0x80, 0xbf, 0, 0, 0, 0x40}, data)
}

func TestWeightsRoundTrip(t *testing.T) {
	ctx := context.Background()
	a, err := tensor.FromFloat32(ctx, device.Host, tensor.Shape{2, 2}, []float32{1, 2, 3, 4})
	require.NoError(t, err)
	defer a.Release()
	b, err := tensor.FromFloat32(ctx, device.Host, tensor.Shape{3}, []float32{-1, 0, 1})
	require.NoError(t, err)
	defer b.Release()

	var npz bytes.Buffer
	require.NoError(t, WriteWeights(&npz, []*tensor.Tensor{a, b}))

	got, err := ReadWeights(ctx, npz.Bytes(), []device.Device{device.Host, device.Host})
	require.NoError(t, err)
	defer tensor.ReleaseAll(got...)
	require.Len(t, got, 2)
	assert.Equal(t, tensor.Shape{2, 2}, got[0].Shape())
	va, err := got[0].Float32()
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 2, 3, 4}, va)
	vb, err := got[1].Float32()
	require.NoError(t, err)
	assert.Equal(t, []float32{-1, 0, 1}, vb)
}

func TestReadWeightsMissingMember(t *testing.T) {
	ctx := context.Background()
	var npz bytes.Buffer
	require.NoError(t, WriteWeights(&npz, nil))
	_, err := ReadWeights(ctx, npz.Bytes(), []device.Device{device.Host})
	assert.ErrorIs(t, err, errs.ErrCorruptArchive)
}

func TestReadWeightsRejectsTraversal(t *testing.T) {
	var npz bytes.Buffer
	zw := zip.NewWriter(&npz)
	_, err := zw.Create("../arr_0.npy")
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	_, err = ReadWeights(context.Background(), npz.Bytes(), nil)
	assert.ErrorIs(t, err, errs.ErrCorruptArchive)
}

func TestValidateEntryName(t *testing.T) {
	tests := []struct {
		name  string
		entry string
		ok    bool
	}{
		{"plain", "meta.json", true},
		{"nested", "kernels/0/task.json", true},
		{"dots in name", "a..b/c", true},
		{"empty", "", false},
		{"parent", "../etc/passwd", false},
		{"inner parent", "kernels/../../x", false},
		{"absolute", "/etc/passwd", false},
		{"drive", "C:/x", false},
		{"backslash", `kernels\0`, false},
		{"null byte", "a\x00b", false},
		{"too long", string(bytes.Repeat([]byte("a"), MaxEntryNameLen+1)), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateEntryName(tt.entry)
			if tt.ok {
				assert.NoError(t, err)
				return
			}
			var verr *ValidationError
			assert.ErrorAs(t, err, &verr)
		})
	}
}
