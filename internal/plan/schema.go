package plan

import (
	"encoding/json"
	"os"

	"github.com/born-ml/graphrt/internal/device"
	"github.com/born-ml/graphrt/internal/tensor"
	"github.com/pkg/errors"
)

// SchemaVersion is written into new documents.
const SchemaVersion = 1

// File names inside an archive.
const (
	MetaFile      = "meta.json"
	ExecutionFile = "graph_execution.json"
)

// MetaData describes the interface of a compiled graph.
type MetaData struct {
	SchemaVersion int                `json:"schema_version"`
	Inputs        []tensor.Signature `json:"inputs"`
	Outputs       []tensor.Signature `json:"outputs"`
	Version       string             `json:"version"`
	NumKernels    int                `json:"num_kernels"`
	GraphHash     string             `json:"graph_hash"`
	// ShareMap maps an output index to the input index whose storage it reuses.
	ShareMap map[int]int `json:"share_map"`
}

// Instruction runs one task.
type Instruction struct {
	TaskIdx int   `json:"task_idx"`
	Inputs  []int `json:"inputs"`
	Outputs []int `json:"outputs"`
	// Free lists the buffers that are dead once this instruction has run.
	Free []int `json:"free"`
}

// Execution is the buffer-level program of a compiled graph.
type Execution struct {
	SchemaVersion int             `json:"schema_version"`
	WeightsIndex  []int           `json:"weights_index"`
	InputsIndex   []int           `json:"inputs_index"`
	Instructions  []Instruction   `json:"instructions"`
	OutputsIndex  []int           `json:"outputs_index"`
	TensorDevice  []device.Device `json:"tensor_device"`
}

// NumBuffers returns the number of buffer indices.
func (e *Execution) NumBuffers() int { return len(e.TensorDevice) }

// NumWeights returns the number of weight buffers.
func (e *Execution) NumWeights() int { return len(e.WeightsIndex) }

// ReadJSON decodes the JSON document at path into v.
func ReadJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrapf(err, "read %s", path)
	}
	return errors.Wrapf(json.Unmarshal(data, v), "decode %s", path)
}

// WriteJSON encodes v as indented JSON to path.
func WriteJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errors.Wrapf(err, "encode %s", path)
	}
	return errors.Wrapf(os.WriteFile(path, data, 0o644), "write %s", path)
}

// DecodeMeta decodes meta.json content. Documents without a schema version are
// from the first schema.
func DecodeMeta(data []byte) (*MetaData, error) {
	var meta MetaData
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, errors.Wrap(err, "decode graph metadata")
	}
	if meta.SchemaVersion == 0 {
		meta.SchemaVersion = 1
	}
	if meta.ShareMap == nil {
		meta.ShareMap = make(map[int]int)
	}
	return &meta, nil
}

// DecodeExecution decodes graph_execution.json content.
func DecodeExecution(data []byte) (*Execution, error) {
	var exec Execution
	if err := json.Unmarshal(data, &exec); err != nil {
		return nil, errors.Wrap(err, "decode graph execution")
	}
	if exec.SchemaVersion == 0 {
		exec.SchemaVersion = 1
	}
	return &exec, nil
}
