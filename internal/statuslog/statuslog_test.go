package statuslog

import (
	"bufio"
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

// TestWriterEmitsOneJSONObjectPerLine checks the NDJSON framing: every
// event is a single parseable line stamped with the run id and timestamp.
func TestWriterEmitsOneJSONObjectPerLine(t *testing.T) {
	var buf bytes.Buffer
	var ts int64 = 1000
	w := NewWriter(&buf, "run-1", func() int64 { ts += 10; return ts })

	require.NoError(t, w.RunStart())
	require.NoError(t, w.PhaseStart("scan"))
	require.NoError(t, w.TaskProgress("scan", Progress{FilesDone: 3, BytesRead: 4096}))
	require.NoError(t, w.PhaseFinish("scan"))
	require.NoError(t, w.RunFinish("succeeded", "", ""))

	scanner := bufio.NewScanner(&buf)
	var events []Event
	for scanner.Scan() {
		var ev Event
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &ev))
		events = append(events, ev)
	}
	require.Len(t, events, 5)

	require.Equal(t, EventRunStart, events[0].Type)
	require.Equal(t, EventTaskProgress, events[2].Type)
	require.NotNil(t, events[2].Progress)
	require.Equal(t, 3, events[2].Progress.FilesDone)
	require.Equal(t, int64(4096), events[2].Progress.BytesRead)
	require.Equal(t, EventRunFinish, events[4].Type)
	require.Equal(t, "succeeded", events[4].Status)

	for i, ev := range events {
		require.Equal(t, "run-1", ev.RunID)
		if i > 0 {
			require.GreaterOrEqual(t, ev.TsMs, events[i-1].TsMs)
		}
	}
}

// TestWriterOmitsEmptyFields checks that fields not meaningful to an
// event kind are absent from its encoded line, not emitted as zero values.
func TestWriterOmitsEmptyFields(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf, "run-1", func() int64 { return 1 })
	require.NoError(t, w.RunStart())

	var raw map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &raw))
	require.NotContains(t, raw, "phase")
	require.NotContains(t, raw, "status")
	require.NotContains(t, raw, "progress")
	require.NotContains(t, raw, "error_code")
}
