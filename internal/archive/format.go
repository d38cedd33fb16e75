package archive

import "github.com/born-ml/graphrt/internal/tensor"

// Archive member names.
const (
	WeightsFile       = "weights.npz"
	WeightsSumFile    = "weights.sha256"
	DispatchTableFile = "dispatch_table.txt"
)

// NumPy .npy format constants.
const (
	npyMagic     = "\x93NUMPY"
	npyMajor     = 1
	npyMinor     = 0
	npyAlignment = 64 // header is padded so the data starts aligned
)

// descr returns the NumPy type string of dt.
func descr(dt tensor.DataType) string {
	switch dt {
	case tensor.Float32:
		return "<f4"
	case tensor.Float64:
		return "<f8"
	case tensor.Float16:
		return "<f2"
	case tensor.Int32:
		return "<i4"
	case tensor.Int64:
		return "<i8"
	case tensor.Int8:
		return "|i1"
	case tensor.Uint8:
		return "|u1"
	case tensor.Bool:
		return "|b1"
	default:
		panic("archive: no NumPy type for " + dt.String())
	}
}

// parseDescr is the inverse of descr. "=" and native-order prefixes are read as
// little endian.
func parseDescr(s string) (tensor.DataType, bool) {
	if len(s) == 3 && (s[0] == '=' || s[0] == '|' || s[0] == '<') {
		s = s[1:]
	} else if len(s) != 2 {
		return 0, false
	}
	switch s {
	case "f4":
		return tensor.Float32, true
	case "f8":
		return tensor.Float64, true
	case "f2":
		return tensor.Float16, true
	case "i4":
		return tensor.Int32, true
	case "i8":
		return tensor.Int64, true
	case "i1":
		return tensor.Int8, true
	case "u1":
		return tensor.Uint8, true
	case "b1":
		return tensor.Bool, true
	default:
		return 0, false
	}
}
