// Package task loads and runs compiled tasks: one operator with one or more
// candidate kernels, plus the benchmarking that picks the fastest candidate for a
// given input shape.
package task

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/born-ml/graphrt/internal/tensor"
	"github.com/pkg/errors"
)

// MetaFile is the name of the task description inside a kernel directory.
const MetaFile = "task.json"

// MetaData describes a compiled task. It is stored as task.json in the task's
// kernel directory.
type MetaData struct {
	Name    string             `json:"name"`
	Inputs  []tensor.Signature `json:"inputs"`
	Outputs []tensor.Signature `json:"outputs"`
	// ShareMap maps an output index to the input whose storage it writes in place.
	ShareMap map[int]int `json:"share_map,omitempty"`
	// Candidates are kernel names in registration order. Ties in benchmarking go to
	// the earlier one.
	Candidates []string `json:"candidates"`
}

// IsDynamic reports whether any signature has a symbolic dimension.
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

// Validate checks the internal consistency of the metadata.
func (m *MetaData) Validate() error {
	if m.Name == "" {
		return errors.New("task has no name")
	}
	if len(m.Candidates) == 0 {
		return errors.Errorf("task %s has no candidate kernels", m.Name)
	}
	for out, in := range m.ShareMap {
		if out < 0 || out >= len(m.Outputs) {
			return errors.Errorf("task %s: share map output %d out of range", m.Name, out)
		}
		if in < 0 || in >= len(m.Inputs) {
			return errors.Errorf("task %s: share map input %d out of range", m.Name, in)
		}
	}
	return nil
}

// ReadMeta reads dir/task.json.
func ReadMeta(dir string) (*MetaData, error) {
	data, err := os.ReadFile(filepath.Join(dir, MetaFile))
	if err != nil {
		return nil, errors.Wrapf(err, "read task metadata in %s", dir)
	}
	var meta MetaData
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, errors.Wrapf(err, "decode %s", filepath.Join(dir, MetaFile))
	}
	return &meta, nil
}

// WriteMeta writes meta as dir/task.json, creating dir if needed.
func WriteMeta(dir string, meta *MetaData) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrapf(err, "create %s", dir)
	}
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return errors.Wrapf(err, "encode task %s", meta.Name)
	}
	return errors.Wrapf(os.WriteFile(filepath.Join(dir, MetaFile), data, 0o644), "write task %s", meta.Name)
}
