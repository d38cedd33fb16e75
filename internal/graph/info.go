package graph

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/born-ml/graphrt/internal/tensor"
)

// Summary is the basic information about a compiled graph.
type Summary struct {
	Inputs      []tensor.Signature
	Outputs     []tensor.Signature
	Tasks       int
	Kernels     int
	WeightBytes int64
	Parameters  int64
	Hash        string
	State       State
}

// Summary collects the basic information about g.
func (g *CompiledGraph) Summary() Summary {
	g.mu.Lock()
	defer g.mu.Unlock()
	s := Summary{
		Inputs:  g.meta.Inputs,
		Outputs: g.meta.Outputs,
		Tasks:   len(g.tasks),
		Hash:    g.meta.GraphHash,
		State:   g.state,
	}
	for _, t := range g.tasks {
		s.Kernels += t.NumCandidates()
	}
	for _, w := range g.weights {
		s.WeightBytes += w.NumBytes()
		s.Parameters += int64(w.NumElements())
	}
	return s
}

// Info returns a human-readable table of the inputs, outputs and weights.
func (g *CompiledGraph) Info() string {
	s := g.Summary()
	var b strings.Builder
	w := tabwriter.NewWriter(&b, 0, 4, 2, ' ', 0)
	row := func(head, value string) {
		fmt.Fprintf(w, "%s\t%s\t\n", head, value)
	}
	for i, sig := range s.Inputs {
		head := ""
		if i == 0 {
			head = "input"
		}
		row(head, shortSignature(sig))
	}
	for i, sig := range s.Outputs {
		head := ""
		if i == 0 {
			head = "output"
		}
		row(head, shortSignature(sig))
	}
	row("tasks", fmt.Sprint(s.Tasks))
	row("weights", fmt.Sprintf("%.3f GiB", float64(s.WeightBytes)/(1<<30)))
	row("parameters", fmt.Sprint(s.Parameters))
	row("hash", s.Hash)
	w.Flush()
	return b.String()
}

// shortSignature renders f32[n, 4] style descriptors.
func shortSignature(sig tensor.Signature) string {
	dims := make([]string, len(sig.Shape))
	for i, d := range sig.Shape {
		dims[i] = d.String()
	}
	return fmt.Sprintf("%s[%s]", sig.DType, strings.Join(dims, ", "))
}

// String is Info.
func (g *CompiledGraph) String() string { return g.Info() }
