// Package dispatch maps resolved dynamic dimensions to the kernel choice of every
// task in a graph.
//
// A graph with no dynamic dimensions has a single key, the empty tuple. Tables are
// filled by the slow path and persisted as line-oriented text next to the graph.
package dispatch

import (
	"fmt"
	"slices"
	"strconv"
	"strings"
)

// Kind selects the lookup strategy of a table.
type Kind int

const (
	// Points keys on the exact dimension tuple.
	Points Kind = iota
	// Intervals buckets a single dynamic dimension into contiguous ranges.
	Intervals
)

func (k Kind) String() string {
	if k == Intervals {
		return "intervals"
	}
	return "points"
}

// DefaultMaxIntervals caps the number of ranges an interval table keeps.
const DefaultMaxIntervals = 256

// Table is a dispatch table.
//
// Contains and Lookup may extend an interval table to cover a new value; Dirty
// reports whether the table changed since it was last persisted.
type Table interface {
	Kind() Kind
	NumTasks() int
	NumDims() int
	Len() int
	Contains(dims []int) bool
	Lookup(dims []int) ([]int, bool)
	Update(dims []int, choices []int) error
	Dirty() bool
	MarkClean()
	// entries lists the table content in a stable order for the codec.
	entries() []entry
}

type entry struct {
	lo, hi  int   // interval bounds, inclusive
	dims    []int // point key
	choices []int
}

// New returns an empty table. Intervals requires exactly one dynamic dimension;
// for any other dimension count a point table is returned.
func New(kind Kind, numTasks, numDims, maxIntervals int) Table {
	if kind == Intervals && numDims == 1 {
		return NewIntervalTable(numTasks, maxIntervals)
	}
	return NewPointTable(numTasks, numDims)
}

func checkUpdate(t Table, dims, choices []int) error {
	if len(dims) != t.NumDims() {
		return fmt.Errorf("dispatch: key has %d dims, table has %d", len(dims), t.NumDims())
	}
	if len(choices) != t.NumTasks() {
		return fmt.Errorf("dispatch: %d choices for %d tasks", len(choices), t.NumTasks())
	}
	for i, c := range choices {
		if c < 0 {
			return fmt.Errorf("dispatch: task %d has no kernel choice", i)
		}
	}
	return nil
}

// PointTable keys on the exact dims tuple.
type PointTable struct {
	numTasks int
	numDims  int
	table    map[string]entry
	dirty    bool
}

// NewPointTable returns an empty point table.
func NewPointTable(numTasks, numDims int) *PointTable {
	return &PointTable{numTasks: numTasks, numDims: numDims, table: make(map[string]entry)}
}

func (t *PointTable) Kind() Kind { return Points }
func (t *PointTable) NumTasks() int { return t.numTasks }
func (t *PointTable) NumDims() int { return t.numDims }
func (t *PointTable) Len() int { return len(t.table) }
func (t *PointTable) Dirty() bool { return t.dirty }
func (t *PointTable) MarkClean() { t.dirty = false }

func (t *PointTable) key(d []int) string {
	var b strings.Builder
	for i, v := range d {
		if i > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(strconv.Itoa(v))
	}
	return b.String()
}

// Contains reports whether dims has an entry.
func (t *PointTable) Contains(dims []int) bool {
	_, ok := t.table[t.key(dims)]
	return ok
}

// Lookup returns a copy of the choices stored for dims.
func (t *PointTable) Lookup(dims []int) ([]int, bool) {
	e, ok := t.table[t.key(dims)]
	if !ok {
		return nil, false
	}
	return slices.Clone(e.choices), true
}

// Update inserts or overwrites the entry for dims.
func (t *PointTable) Update(dims []int, choices []int) error {
	if err := checkUpdate(t, dims, choices); err != nil {
		return err
	}
	k := t.key(dims)
	if e, ok := t.table[k]; ok && slices.Equal(e.choices, choices) {
		return nil
	}
	t.table[k] = entry{dims: slices.Clone(dims), choices: slices.Clone(choices)}
	t.dirty = true
	return nil
}

func (t *PointTable) entries() []entry {
	out := make([]entry, 0, len(t.table))
	for _, e := range t.table {
		out = append(out, e)
	}
	slices.SortFunc(out, func(a, b entry) int { return slices.Compare(a.dims, b.dims) })
	return out
}
