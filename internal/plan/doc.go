// Package plan defines the persisted description of a compiled graph and the
// static checks run on it.
//
// A graph is described by two JSON documents:
//
//   - meta.json (MetaData): input and output signatures, version, kernel count,
//     graph hash and the output-to-input share map.
//   - graph_execution.json (Execution): the buffer indices of weights, inputs and
//     outputs, the ordered instructions, and the device of every buffer.
//
// Both are versioned schema structs. Fields are only ever added; decoding ignores
// unknown fields so archives written by older or newer builds still load.
//
// Validate enforces the buffer lifetime rules the interpreter relies on: every
// buffer is defined once, read only while live, and released at most once after
// its last reader.
package plan
