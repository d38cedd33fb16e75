package dispatch

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/born-ml/graphrt/internal/errs"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// File format, one entry per line after the header:
//
//	graphrt-dispatch v1 <points|intervals> <num tasks> <num dims>
//	p <dim> ... : <choice> ...
//	i <lo> <hi> : <choice> ...
const magic = "graphrt-dispatch"

const formatVersion = "v1"

// Write encodes t.
func Write(w io.Writer, t Table) error {
	bw := bufio.NewWriter(w)
	fmt.Fprintf(bw, "%s %s %s %d %d\n", magic, formatVersion, t.Kind(), t.NumTasks(), t.NumDims())
	for _, e := range t.entries() {
		if t.Kind() == Intervals {
			fmt.Fprintf(bw, "i %d %d :", e.lo, e.hi)
		} else {
			bw.WriteString("p")
			for _, d := range e.dims {
				fmt.Fprintf(bw, " %d", d)
			}
			bw.WriteString(" :")
		}
		for _, c := range e.choices {
			fmt.Fprintf(bw, " %d", c)
		}
		bw.WriteByte('\n')
	}
	return bw.Flush()
}

// Read decodes a table. name is used in error messages. A file that is malformed
// in any way yields a *errs.CorruptArchiveError.
func Read(r io.Reader, name string, maxIntervals int) (Table, error) {
	corrupt := func(line int, format string, args ...any) error {
		return &errs.CorruptArchiveError{Path: name, Line: line, Reason: fmt.Sprintf(format, args...)}
	}

	sc := bufio.NewScanner(r)
	if !sc.Scan() {
		if err := sc.Err(); err != nil {
			return nil, errors.Wrapf(err, "read %s", name)
		}
		return nil, corrupt(0, "empty file")
	}
	header := strings.Fields(sc.Text())
	if len(header) != 5 || header[0] != magic || header[1] != formatVersion {
		return nil, corrupt(1, "bad header %q", sc.Text())
	}
	var kind Kind
	switch header[2] {
	case "points":
		kind = Points
	case "intervals":
		kind = Intervals
	default:
		return nil, corrupt(1, "unknown table kind %q", header[2])
	}
	numTasks, err1 := strconv.Atoi(header[3])
	numDims, err2 := strconv.Atoi(header[4])
	if err1 != nil || err2 != nil || numTasks < 0 || numDims < 0 {
		return nil, corrupt(1, "bad table size in %q", sc.Text())
	}
	if kind == Intervals && numDims != 1 {
		return nil, corrupt(1, "interval table with %d dims", numDims)
	}

	var t Table
	if kind == Intervals {
		t = NewIntervalTable(numTasks, maxIntervals)
	} else {
		t = NewPointTable(numTasks, numDims)
	}

	for line := 2; sc.Scan(); line++ {
		text := strings.TrimSpace(sc.Text())
		if text == "" {
			continue
		}
		key, value, ok := strings.Cut(text, ":")
		if !ok {
			return nil, corrupt(line, "missing ':'")
		}
		keyFields := strings.Fields(key)
		if len(keyFields) == 0 {
			return nil, corrupt(line, "missing entry tag")
		}
		nums, err := atoiAll(keyFields[1:])
		if err != nil {
			return nil, corrupt(line, "%v", err)
		}
		choices, err := atoiAll(strings.Fields(value))
		if err != nil {
			return nil, corrupt(line, "%v", err)
		}

		switch {
		case keyFields[0] == "p" && kind == Points:
			if err := t.Update(nums, choices); err != nil {
				return nil, corrupt(line, "%v", err)
			}
		case keyFields[0] == "i" && kind == Intervals:
			if len(nums) != 2 || nums[0] > nums[1] {
				return nil, corrupt(line, "bad interval bounds %v", nums)
			}
			if err := t.(*IntervalTable).restore(nums[0], nums[1], choices); err != nil {
				return nil, corrupt(line, "%v", err)
			}
		default:
			return nil, corrupt(line, "unexpected entry %q in %s table", keyFields[0], kind)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, errors.Wrapf(err, "read %s", name)
	}
	t.MarkClean()
	return t, nil
}

// restore appends a decoded range; ranges must arrive sorted and disjoint.
func (t *IntervalTable) restore(lo, hi int, choices []int) error {
	if err := checkUpdate(t, []int{lo}, choices); err != nil {
		return err
	}
	if n := len(t.ranges); n > 0 && t.ranges[n-1].hi >= lo {
		return fmt.Errorf("interval [%d, %d] overlaps or precedes [%d, %d]", lo, hi, t.ranges[n-1].lo, t.ranges[n-1].hi)
	}
	if len(t.ranges) >= t.maxIntervals {
		return fmt.Errorf("more than %d intervals", t.maxIntervals)
	}
	t.ranges = append(t.ranges, entry{lo: lo, hi: hi, choices: choices})
	return nil
}

func atoiAll(fields []string) ([]int, error) {
	out := make([]int, len(fields))
	for i, f := range fields {
		v, err := strconv.Atoi(f)
		if err != nil {
			return nil, fmt.Errorf("bad integer %q", f)
		}
		out[i] = v
	}
	return out, nil
}

// LoadFile reads the table at path. A missing, unreadable, malformed or
// mismatching file is never fatal: it is logged and an empty table of the wanted
// shape is returned, for the slow path to fill again.
func LoadFile(ctx context.Context, path string, kind Kind, numTasks, numDims, maxIntervals int) Table {
	log := klog.FromContext(ctx)
	empty := New(kind, numTasks, numDims, maxIntervals)

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Error(err, "dispatch table unreadable, starting empty", "path", path)
		}
		return empty
	}
	t, err := Read(bytes.NewReader(data), path, maxIntervals)
	if err != nil {
		log.Error(err, "dispatch table corrupt, starting empty", "path", path)
		return empty
	}
	if t.Kind() != empty.Kind() || t.NumTasks() != numTasks || t.NumDims() != numDims {
		log.Info("dispatch table does not match graph, starting empty", "path", path,
			"kind", t.Kind(), "tasks", t.NumTasks(), "dims", t.NumDims())
		return empty
	}
	log.V(2).Info("dispatch table loaded", "path", path, "kind", t.Kind(), "entries", t.Len())
	return t
}

// WriteFile replaces path with the encoding of t atomically and marks t clean.
func WriteFile(path string, t Table) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Wrapf(err, "create %s", filepath.Dir(path))
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp*")
	if err != nil {
		return errors.Wrap(err, "create temp dispatch table")
	}
	defer os.Remove(tmp.Name())
	if err := Write(tmp, t); err != nil {
		tmp.Close()
		return errors.Wrapf(err, "write %s", tmp.Name())
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrapf(err, "close %s", tmp.Name())
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return errors.Wrapf(err, "rename to %s", path)
	}
	t.MarkClean()
	return nil
}
