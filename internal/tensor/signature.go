package tensor

import (
	"encoding/json"
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/born-ml/graphrt/internal/device"
	"github.com/born-ml/graphrt/internal/errs"
)

// Dim is one axis of a declared shape: either a static size or a symbol whose
// value is resolved from the actual inputs at call time.
type Dim struct {
	Size   int
	Symbol string
}

// Static returns a dimension of fixed size.
func Static(size int) Dim { return Dim{Size: size} }

// Symbolic returns a dimension named by a symbol.
func Symbolic(name string) Dim { return Dim{Symbol: name} }

// IsSymbolic reports whether the dimension is resolved at call time.
func (d Dim) IsSymbolic() bool { return d.Symbol != "" }

func (d Dim) String() string {
	if d.IsSymbolic() {
		return d.Symbol
	}
	return strconv.Itoa(d.Size)
}

// MarshalJSON encodes static dimensions as numbers and symbols as strings.
func (d Dim) MarshalJSON() ([]byte, error) {
	if d.IsSymbolic() {
		return json.Marshal(d.Symbol)
	}
	return json.Marshal(d.Size)
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *Dim) UnmarshalJSON(data []byte) error {
	var size int
	if err := json.Unmarshal(data, &size); err == nil {
		*d = Dim{Size: size}
		return nil
	}
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return fmt.Errorf("dimension must be an integer or a symbol name, got %s", data)
	}
	if name == "" {
		return fmt.Errorf("empty symbol name")
	}
	*d = Dim{Symbol: name}
	return nil
}

// Signature declares the device, dtype and shape of a tensor argument.
type Signature struct {
	Device device.Device `json:"device"`
	DType  DataType      `json:"dtype"`
	Shape  []Dim         `json:"shape"`
}

// NewSignature builds a signature from static sizes and symbol names.
func NewSignature(dev device.Device, dtype DataType, dims ...any) Signature {
	sig := Signature{Device: dev, DType: dtype, Shape: make([]Dim, len(dims))}
	for i, d := range dims {
		switch v := d.(type) {
		case int:
			sig.Shape[i] = Static(v)
		case string:
			sig.Shape[i] = Symbolic(v)
		case Dim:
			sig.Shape[i] = v
		default:
			panic(fmt.Sprintf("unsupported dimension %T", d))
		}
	}
	return sig
}

// SignatureOf returns the static signature of t.
func SignatureOf(t *Tensor) Signature {
	sig := Signature{Device: t.Device(), DType: t.DType(), Shape: make([]Dim, len(t.Shape()))}
	for i, size := range t.Shape() {
		sig.Shape[i] = Static(size)
	}
	return sig
}

// IsDynamic reports whether any dimension is symbolic.
func (s Signature) IsDynamic() bool {
	for _, d := range s.Shape {
		if d.IsSymbolic() {
			return true
		}
	}
	return false
}

// Symbols returns the symbol names in order of first appearance.
func (s Signature) Symbols() []string {
	var names []string
	for _, d := range s.Shape {
		if d.IsSymbolic() && !slices.Contains(names, d.Symbol) {
			names = append(names, d.Symbol)
		}
	}
	return names
}

// Resolve returns the concrete shape, looking symbols up in values.
func (s Signature) Resolve(values map[string]int) (Shape, error) {
	shape := make(Shape, len(s.Shape))
	for i, d := range s.Shape {
		if !d.IsSymbolic() {
			shape[i] = d.Size
			continue
		}
		v, ok := values[d.Symbol]
		if !ok {
			return nil, fmt.Errorf("symbol %q is not bound", d.Symbol)
		}
		shape[i] = v
	}
	return shape, nil
}

func (s Signature) String() string {
	dims := make([]string, len(s.Shape))
	for i, d := range s.Shape {
		dims[i] = d.String()
	}
	return fmt.Sprintf("%s[%s] on %s", s.DType, strings.Join(dims, ", "), s.Device)
}

// CheckInputs validates inputs against their declared signatures: count, device,
// dtype, rank and every static dimension. A symbol that appears more than once must
// take the same value everywhere.
func CheckInputs(sigs []Signature, inputs []*Tensor) error {
	if len(sigs) != len(inputs) {
		return &errs.ShapeMismatchError{
			Field:    "count",
			Expected: strconv.Itoa(len(sigs)),
			Actual:   strconv.Itoa(len(inputs)),
		}
	}
	bound := make(map[string]int)
	for i, sig := range sigs {
		t := inputs[i]
		if t.DType() != sig.DType {
			return &errs.ShapeMismatchError{Index: i, Field: "dtype", Expected: sig.DType.String(), Actual: t.DType().String()}
		}
		if t.Device() != sig.Device {
			return &errs.ShapeMismatchError{Index: i, Field: "device", Expected: sig.Device.String(), Actual: t.Device().String()}
		}
		shape := t.Shape()
		if len(shape) != len(sig.Shape) {
			return &errs.ShapeMismatchError{
				Index:    i,
				Field:    "rank",
				Expected: strconv.Itoa(len(sig.Shape)),
				Actual:   strconv.Itoa(len(shape)),
			}
		}
		for axis, d := range sig.Shape {
			if !d.IsSymbolic() {
				if shape[axis] != d.Size {
					return &errs.ShapeMismatchError{
						Index:    i,
						Field:    "dim",
						Expected: fmt.Sprintf("%s (axis %d)", sig, axis),
						Actual:   fmt.Sprint([]int(shape)),
					}
				}
				continue
			}
			if v, ok := bound[d.Symbol]; ok && v != shape[axis] {
				return &errs.ShapeMismatchError{
					Index:    i,
					Field:    "dim",
					Expected: fmt.Sprintf("%s=%d (axis %d)", d.Symbol, v, axis),
					Actual:   strconv.Itoa(shape[axis]),
				}
			}
			bound[d.Symbol] = shape[axis]
		}
	}
	return nil
}

// ResolveSymbols reads the value of every symbolic dimension from the inputs.
// Symbols are bound by their first occurrence. The inputs must have at least the
// declared rank.
func ResolveSymbols(sigs []Signature, inputs []*Tensor) (map[string]int, error) {
	values := make(map[string]int)
	for i, sig := range sigs {
		if i >= len(inputs) {
			break
		}
		shape := inputs[i].Shape()
		for axis, d := range sig.Shape {
			if !d.IsSymbolic() {
				continue
			}
			if axis >= len(shape) {
				return nil, fmt.Errorf("input %d has rank %d, symbol %q is on axis %d", i, len(shape), d.Symbol, axis)
			}
			if _, ok := values[d.Symbol]; !ok {
				values[d.Symbol] = shape[axis]
			}
		}
	}
	return values, nil
}
