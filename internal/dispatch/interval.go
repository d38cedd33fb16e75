package dispatch

import (
	"slices"
	"sort"
)

// IntervalTable serves graphs with exactly one dynamic dimension.
//
// It keeps sorted, disjoint, inclusive ranges each mapped to a choice array. A
// value that falls in the gap between two neighbours with equal choices is served
// by merging the neighbours over the gap. Once the table holds maxIntervals ranges,
// a value outside every range is served by the nearest range, which is extended to
// cover it; kernel choices never change results, only speed.
type IntervalTable struct {
	numTasks     int
	maxIntervals int
	ranges       []entry
	dirty        bool
}

// NewIntervalTable returns an empty interval table.
func NewIntervalTable(numTasks, maxIntervals int) *IntervalTable {
	if maxIntervals <= 0 {
		maxIntervals = DefaultMaxIntervals
	}
	return &IntervalTable{numTasks: numTasks, maxIntervals: maxIntervals}
}

func (t *IntervalTable) Kind() Kind { return Intervals }
func (t *IntervalTable) NumTasks() int { return t.numTasks }
func (t *IntervalTable) NumDims() int { return 1 }
func (t *IntervalTable) Len() int { return len(t.ranges) }
func (t *IntervalTable) Dirty() bool { return t.dirty }
func (t *IntervalTable) MarkClean() { t.dirty = false }

// MaxIntervals returns the growth cap.
func (t *IntervalTable) MaxIntervals() int { return t.maxIntervals }

// Intervals returns the [lo, hi] bounds of every range in order.
func (t *IntervalTable) Intervals() [][2]int {
	out := make([][2]int, len(t.ranges))
	for i, r := range t.ranges {
		out[i] = [2]int{r.lo, r.hi}
	}
	return out
}

// search returns the index of the first range with hi >= v.
func (t *IntervalTable) search(v int) int {
	return sort.Search(len(t.ranges), func(i int) bool { return t.ranges[i].hi >= v })
}

// resolve returns the index of the range covering v, extending the table when
// the merge or cap rules allow it.
func (t *IntervalTable) resolve(v int) (int, bool) {
	i := t.search(v)
	if i < len(t.ranges) && t.ranges[i].lo <= v {
		return i, true
	}
	// v lies in the gap before range i.
	hasLeft, hasRight := i > 0, i < len(t.ranges)
	if hasLeft && hasRight && slices.Equal(t.ranges[i-1].choices, t.ranges[i].choices) {
		t.ranges[i-1].hi = t.ranges[i].hi
		t.ranges = slices.Delete(t.ranges, i, i+1)
		t.dirty = true
		return i - 1, true
	}
	if len(t.ranges) < t.maxIntervals || len(t.ranges) == 0 {
		return 0, false
	}
	switch {
	case !hasRight || (hasLeft && v-t.ranges[i-1].hi <= t.ranges[i].lo-v):
		t.ranges[i-1].hi = v
		i--
	default:
		t.ranges[i].lo = v
	}
	t.dirty = true
	return i, true
}

// Contains reports whether v = dims[0] is served by the table.
func (t *IntervalTable) Contains(dims []int) bool {
	if len(dims) != 1 {
		return false
	}
	_, ok := t.resolve(dims[0])
	return ok
}

// Lookup returns a copy of the choices serving dims[0].
func (t *IntervalTable) Lookup(dims []int) ([]int, bool) {
	if len(dims) != 1 {
		return nil, false
	}
	i, ok := t.resolve(dims[0])
	if !ok {
		return nil, false
	}
	return slices.Clone(t.ranges[i].choices), true
}

// Update records choices for the single value dims[0], splitting a range that
// covers it with other choices, then merges touching ranges with equal choices.
func (t *IntervalTable) Update(dims []int, choices []int) error {
	if err := checkUpdate(t, dims, choices); err != nil {
		return err
	}
	v := dims[0]
	point := entry{lo: v, hi: v, choices: slices.Clone(choices)}

	i := t.search(v)
	switch {
	case i < len(t.ranges) && t.ranges[i].lo <= v:
		r := t.ranges[i]
		if slices.Equal(r.choices, choices) {
			return nil
		}
		var parts []entry
		if r.lo < v {
			parts = append(parts, entry{lo: r.lo, hi: v - 1, choices: r.choices})
		}
		parts = append(parts, point)
		if v < r.hi {
			parts = append(parts, entry{lo: v + 1, hi: r.hi, choices: r.choices})
		}
		t.ranges = slices.Replace(t.ranges, i, i+1, parts...)
	default:
		t.ranges = slices.Insert(t.ranges, i, point)
	}
	t.dirty = true
	t.coalesce()
	t.evict(v)
	return nil
}

// coalesce merges adjacent ranges that touch and share choices.
func (t *IntervalTable) coalesce() {
	out := t.ranges[:0]
	for _, r := range t.ranges {
		if n := len(out); n > 0 && out[n-1].hi+1 == r.lo && slices.Equal(out[n-1].choices, r.choices) {
			out[n-1].hi = r.hi
			continue
		}
		out = append(out, r)
	}
	t.ranges = out
}

// evict drops the ranges farthest from v until the cap holds.
func (t *IntervalTable) evict(v int) {
	for len(t.ranges) > t.maxIntervals {
		first, last := t.ranges[0], t.ranges[len(t.ranges)-1]
		if v-first.hi >= last.lo-v {
			t.ranges = t.ranges[1:]
		} else {
			t.ranges = t.ranges[:len(t.ranges)-1]
		}
	}
}

func (t *IntervalTable) entries() []entry {
	return slices.Clone(t.ranges)
}
