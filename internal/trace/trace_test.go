package trace

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmitterLaysEventsEndToEnd(t *testing.T) {
	e := NewEmitter(map[string]any{"graph": "g"})
	e.Append("matmul", 1500*time.Microsecond, map[string]any{"inputs": []string{"float32[2, 3]"}})
	e.Append("relu", 250*time.Microsecond, nil)

	events := e.Events()
	require.Len(t, events, 2)
	assert.Equal(t, int64(0), events[0].TS)
	assert.Equal(t, int64(1500), events[0].Duration)
	assert.Equal(t, int64(1500), events[1].TS)
	assert.Equal(t, "X", events[1].Phase)

	var buf bytes.Buffer
	require.NoError(t, e.Save(&buf))

	var doc struct {
		TraceEvents []map[string]any `json:"traceEvents"`
		OtherData   map[string]any   `json:"otherData"`
	}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &doc))
	require.Len(t, doc.TraceEvents, 2)
	assert.Equal(t, "matmul", doc.TraceEvents[0]["name"])
	assert.Equal(t, "g", doc.OtherData["graph"])
}

func TestSaveFileEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trace.json")
	require.NoError(t, NewEmitter(nil).SaveFile(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"traceEvents": []`)
}
