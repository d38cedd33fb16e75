// Package trace emits Chrome trace-event files (chrome://tracing, Perfetto).
//
// The graph runtime writes one trace per slow-path run: every instruction becomes
// a complete ("X") event laid end to end, annotated with its input and output
// descriptors.
package trace

import (
	"encoding/json"
	"io"
	"os"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// Event is one trace event.
type Event struct {
	Name     string         `json:"name"`
	Category string         `json:"cat"`
	Phase    string         `json:"ph"`
	PID      int            `json:"pid"`
	TID      int            `json:"tid"`
	TS       int64          `json:"ts"`  // microseconds
	Duration int64          `json:"dur"` // microseconds
	Args     map[string]any `json:"args,omitempty"`
}

type document struct {
	TraceEvents     []Event        `json:"traceEvents"`
	DisplayTimeUnit string         `json:"displayTimeUnit"`
	OtherData       map[string]any `json:"otherData,omitempty"`
}

// Emitter accumulates events in memory until Save.
type Emitter struct {
	mu     sync.Mutex
	other  map[string]any
	events []Event
	clock  int64
}

// NewEmitter returns an emitter whose file carries other as metadata.
func NewEmitter(other map[string]any) *Emitter {
	return &Emitter{other: other}
}

// Append records an event of the given duration directly after the previous one.
func (e *Emitter) Append(name string, duration time.Duration, args map[string]any) {
	e.mu.Lock()
	defer e.mu.Unlock()
	dur := duration.Microseconds()
	e.events = append(e.events, Event{
		Name:     name,
		Category: "kernel",
		Phase:    "X",
		TS:       e.clock,
		Duration: dur,
		Args:     args,
	})
	e.clock += dur
}

// Events returns a copy of the recorded events.
func (e *Emitter) Events() []Event {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Event, len(e.events))
	copy(out, e.events)
	return out
}

// Save writes the trace document to w.
func (e *Emitter) Save(w io.Writer) error {
	e.mu.Lock()
	doc := document{TraceEvents: e.events, DisplayTimeUnit: "ns", OtherData: e.other}
	if doc.TraceEvents == nil {
		doc.TraceEvents = []Event{}
	}
	e.mu.Unlock()

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return errors.Wrap(enc.Encode(doc), "encode trace")
}

// SaveFile writes the trace document to path.
func (e *Emitter) SaveFile(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrap(err, "create trace file")
	}
	if err := e.Save(f); err != nil {
		f.Close()
		return err
	}
	return errors.Wrap(f.Close(), "close trace file")
}
