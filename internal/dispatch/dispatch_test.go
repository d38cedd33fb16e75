package dispatch

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/born-ml/graphrt/internal/errs"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	choiceA = []int{0, 1, 0}
	choiceB = []int{1, 1, 0}
)

func roundTrip(t *testing.T, table Table) Table {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, Write(&buf, table))
	back, err := Read(&buf, "dispatch_table.txt", DefaultMaxIntervals)
	require.NoError(t, err)
	return back
}

func TestPointTable(t *testing.T) {
	table := NewPointTable(3, 2)
	assert.False(t, table.Contains([]int{1, 2}))

	require.NoError(t, table.Update([]int{1, 2}, choiceA))
	require.NoError(t, table.Update([]int{4, 8}, choiceB))
	assert.True(t, table.Dirty())
	assert.True(t, table.Contains([]int{1, 2}))
	assert.False(t, table.Contains([]int{2, 1}))

	got, ok := table.Lookup([]int{4, 8})
	require.True(t, ok)
	assert.Equal(t, choiceB, got)

	got[0] = 99
	again, _ := table.Lookup([]int{4, 8})
	assert.Equal(t, choiceB, again, "lookup returns a copy")

	assert.Error(t, table.Update([]int{1}, choiceA))
	assert.Error(t, table.Update([]int{1, 2}, []int{0}))
	assert.Error(t, table.Update([]int{1, 2}, []int{0, -1, 0}))
}

func TestStaticGraphKey(t *testing.T) {
	table := New(Intervals, 2, 0, 0)
	assert.Equal(t, Points, table.Kind(), "interval tables need exactly one dynamic dim")
	require.NoError(t, table.Update(nil, []int{0, 0}))
	assert.True(t, table.Contains([]int{}))

	back := roundTrip(t, table)
	got, ok := back.Lookup(nil)
	require.True(t, ok)
	assert.Equal(t, []int{0, 0}, got)
}

func TestPointTableRoundTrip(t *testing.T) {
	table := NewPointTable(3, 2)
	keys := [][]int{{1, 2}, {4, 8}, {16, 1}, {2, 2}}
	for i, k := range keys {
		require.NoError(t, table.Update(k, []int{i % 2, 0, i}))
	}

	back := roundTrip(t, table)
	assert.Equal(t, Points, back.Kind())
	assert.Equal(t, table.Len(), back.Len())
	assert.False(t, back.Dirty())
	for i, k := range keys {
		got, ok := back.Lookup(k)
		require.True(t, ok, "key %v", k)
		assert.Equal(t, []int{i % 2, 0, i}, got)
	}
}

func TestIntervalMergeOnEqualChoice(t *testing.T) {
	table := NewIntervalTable(3, 0)
	require.NoError(t, table.Update([]int{3}, choiceA))
	require.NoError(t, table.Update([]int{5}, choiceA))
	assert.Equal(t, 2, table.Len())
	table.MarkClean()

	got, ok := table.Lookup([]int{4})
	require.True(t, ok)
	assert.Equal(t, choiceA, got)
	assert.Equal(t, [][2]int{{3, 5}}, table.Intervals())
	assert.True(t, table.Dirty())
}

func TestIntervalNoMergeOnDifferentChoice(t *testing.T) {
	table := NewIntervalTable(3, 0)
	require.NoError(t, table.Update([]int{3}, choiceA))
	require.NoError(t, table.Update([]int{5}, choiceB))

	assert.False(t, table.Contains([]int{4}))
	assert.False(t, table.Contains([]int{6}))
	assert.False(t, table.Contains([]int{1}))
}

func TestIntervalUpdateSplitsAndCoalesces(t *testing.T) {
	table := NewIntervalTable(3, 0)
	require.NoError(t, table.Update([]int{1}, choiceA))
	require.NoError(t, table.Update([]int{2}, choiceA))
	require.NoError(t, table.Update([]int{3}, choiceA))
	assert.Equal(t, [][2]int{{1, 3}}, table.Intervals())

	require.NoError(t, table.Update([]int{2}, choiceB))
	assert.Equal(t, [][2]int{{1, 1}, {2, 2}, {3, 3}}, table.Intervals())

	got, ok := table.Lookup([]int{2})
	require.True(t, ok)
	assert.Equal(t, choiceB, got)
	got, ok = table.Lookup([]int{3})
	require.True(t, ok)
	assert.Equal(t, choiceA, got)

	require.NoError(t, table.Update([]int{2}, choiceA))
	assert.Equal(t, [][2]int{{1, 3}}, table.Intervals())
}

func TestIntervalCap(t *testing.T) {
	table := NewIntervalTable(1, 2)
	require.NoError(t, table.Update([]int{10}, []int{0}))
	require.NoError(t, table.Update([]int{20}, []int{1}))

	got, ok := table.Lookup([]int{13})
	require.True(t, ok, "a full table serves misses from the nearest interval")
	assert.Equal(t, []int{0}, got)
	assert.Equal(t, [][2]int{{10, 13}, {20, 20}}, table.Intervals())

	got, ok = table.Lookup([]int{30})
	require.True(t, ok)
	assert.Equal(t, []int{1}, got)
	assert.Equal(t, [][2]int{{10, 13}, {20, 30}}, table.Intervals())

	require.NoError(t, table.Update([]int{100}, []int{0}))
	assert.Equal(t, 2, table.Len())
	assert.Equal(t, [][2]int{{20, 30}, {100, 100}}, table.Intervals())
}

func TestIntervalTableRoundTrip(t *testing.T) {
	table := NewIntervalTable(3, 0)
	for _, v := range []int{1, 2, 8, 64} {
		c := choiceA
		if v == 8 {
			c = choiceB
		}
		require.NoError(t, table.Update([]int{v}, c))
	}

	back := roundTrip(t, table)
	require.Equal(t, Intervals, back.Kind())
	assert.Equal(t, table.Intervals(), back.(*IntervalTable).Intervals())
	for _, v := range []int{1, 2, 8, 64} {
		want, _ := table.Lookup([]int{v})
		got, ok := back.Lookup([]int{v})
		require.True(t, ok)
		assert.Equal(t, want, got)
	}
}

func TestReadCorrupt(t *testing.T) {
	cases := map[string]string{
		"empty":           "",
		"bad magic":       "hello v1 points 1 1\n",
		"bad kind":        "graphrt-dispatch v1 blobs 1 1\n",
		"missing colon":   "graphrt-dispatch v1 points 1 1\np 3 0\n",
		"bad integer":     "graphrt-dispatch v1 points 1 1\np x : 0\n",
		"wrong arity":     "graphrt-dispatch v1 points 2 1\np 3 : 0\n",
		"wrong tag":       "graphrt-dispatch v1 points 1 1\ni 3 4 : 0\n",
		"overlap":         "graphrt-dispatch v1 intervals 1 1\ni 3 6 : 0\ni 5 9 : 1\n",
		"reversed bounds": "graphrt-dispatch v1 intervals 1 1\ni 6 3 : 0\n",
		"interval dims":   "graphrt-dispatch v1 intervals 1 2\n",
	}
	for name, text := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Read(bytes.NewBufferString(text), "dispatch_table.txt", 0)
			require.Error(t, err)
			assert.True(t, errors.Is(err, errs.ErrCorruptArchive), "got %v", err)
		})
	}
}

func TestLoadFileDegradesToEmpty(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	path := filepath.Join(dir, "dispatch_table.txt")

	table := LoadFile(ctx, path, Points, 2, 1, 0)
	assert.Equal(t, 0, table.Len())

	require.NoError(t, os.WriteFile(path, []byte("garbage\x00\x01"), 0o644))
	table = LoadFile(ctx, path, Intervals, 2, 1, 0)
	assert.Equal(t, 0, table.Len())
	assert.Equal(t, Intervals, table.Kind())

	require.NoError(t, table.Update([]int{7}, []int{1, 0}))
	require.NoError(t, WriteFile(path, table))
	assert.False(t, table.Dirty())

	loaded := LoadFile(ctx, path, Intervals, 2, 1, 0)
	got, ok := loaded.Lookup([]int{7})
	require.True(t, ok)
	assert.Equal(t, []int{1, 0}, got)

	mismatch := LoadFile(ctx, path, Intervals, 3, 1, 0)
	assert.Equal(t, 0, mismatch.Len(), "a table for another task count is discarded")

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temp files are left behind")
}
