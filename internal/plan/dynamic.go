package plan

import "github.com/born-ml/graphrt/internal/tensor"

// DynamicDim locates the first occurrence of a symbol among the graph inputs.
type DynamicDim struct {
	Name   string
	Tensor int
	Axis   int
}

// DynamicDims lists the symbols of the input signatures in order of first
// appearance. Their values form the dispatch key.
func DynamicDims(inputs []tensor.Signature) []DynamicDim {
	var dims []DynamicDim
	seen := make(map[string]bool)
	for ti, sig := range inputs {
		for axis, d := range sig.Shape {
			if d.IsSymbolic() && !seen[d.Symbol] {
				seen[d.Symbol] = true
				dims = append(dims, DynamicDim{Name: d.Symbol, Tensor: ti, Axis: axis})
			}
		}
	}
	return dims
}

// IsDynamic reports whether any input or output signature is symbolic.
func (m *MetaData) IsDynamic() bool {
	for _, sig := range m.Inputs {
		if sig.IsDynamic() {
			return true
		}
	}
	for _, sig := range m.Outputs {
		if sig.IsDynamic() {
			return true
		}
	}
	return false
}
