// Package statuslog implements the per-run NDJSON status/IPC event
// stream: one JSON object per line, flushed immediately, so a
// supervising CLI or daemon can tail a run's progress without polling
// the index database. It complements persist.Logger's free-text
// operational log with structured machine-readable progress events,
// built on encoding/json's
// streaming Encoder rather than on log.Logger itself.
package statuslog

import (
	"encoding/json"
	"io"
	"sync"

	"github.com/uplo-tech/errors"
)

// EventType enumerates the NDJSON event kinds.
type EventType string

const (
	EventRunStart     EventType = "run.start"
	EventPhaseStart   EventType = "phase.start"
	EventPhaseFinish  EventType = "phase.finish"
	EventTaskProgress EventType = "task.progress"
	EventRunFinish    EventType = "run.finish"
)

// Event is one NDJSON line. Fields not meaningful to a given EventType are
// left at their zero value and omitted from the encoded JSON.
type Event struct {
	Type  EventType `json:"type"`
	RunID string    `json:"run_id"`
	TsMs  int64     `json:"ts_ms"`

	// phase.start / phase.finish
	Phase string `json:"phase,omitempty"`

	// run.finish
	Status       string `json:"status,omitempty"`
	ErrorCode    string `json:"error_code,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`

	// task.progress
	Progress *Progress `json:"progress,omitempty"`
}

// Progress is the task.progress payload. BytesUploaded must be
// monotonically non-decreasing across a run and only advanced after a
// remote upload is acknowledged, never during in-flight progress.
type Progress struct {
	FilesTotal      int   `json:"files_total"`
	FilesDone       int   `json:"files_done"`
	ChunksTotal     int   `json:"chunks_total"`
	ChunksDone      int   `json:"chunks_done"`
	BytesRead       int64 `json:"bytes_read"`
	BytesUploaded   int64 `json:"bytes_uploaded"`
	BytesDownloaded int64 `json:"bytes_downloaded"`
	BytesDeduped    int64 `json:"bytes_deduped"`
}

// Writer emits Events as NDJSON to an underlying io.Writer, serializing
// concurrent emitters (the orchestrator, upload workers, and the scanner
// all emit from different goroutines) the same way persist.Logger
// serializes concurrent log calls.
type Writer struct {
	mu  sync.Mutex
	w   io.Writer
	enc *json.Encoder

	runID string
	now   func() int64
}

// NewWriter returns a Writer that stamps every event with runID. now
// supplies the event timestamp (milliseconds since epoch); callers pass a
// real clock in production and a deterministic stub in tests.
func NewWriter(w io.Writer, runID string, now func() int64) *Writer {
	return &Writer{w: w, enc: json.NewEncoder(w), runID: runID, now: now}
}

// Emit writes one event, filling in RunID and TsMs, and flushes
// immediately so a tailing reader observes it without delay.
func (sw *Writer) Emit(ev Event) error {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	ev.RunID = sw.runID
	ev.TsMs = sw.now()
	if err := sw.enc.Encode(ev); err != nil {
		return errors.AddContext(err, "statuslog: unable to write event")
	}
	if f, ok := sw.w.(interface{ Sync() error }); ok {
		_ = f.Sync()
	}
	return nil
}

// RunStart emits the run.start event that opens a run's event stream.
func (sw *Writer) RunStart() error {
	return sw.Emit(Event{Type: EventRunStart})
}

// PhaseStart emits a phase.start event.
func (sw *Writer) PhaseStart(phase string) error {
	return sw.Emit(Event{Type: EventPhaseStart, Phase: phase})
}

// PhaseFinish emits a phase.finish event.
func (sw *Writer) PhaseFinish(phase string) error {
	return sw.Emit(Event{Type: EventPhaseFinish, Phase: phase})
}

// TaskProgress emits a task.progress event for the given phase.
func (sw *Writer) TaskProgress(phase string, p Progress) error {
	return sw.Emit(Event{Type: EventTaskProgress, Phase: phase, Progress: &p})
}

// RunFinish emits the closing run.finish event. errCode/errMessage are
// empty for a successful run.
func (sw *Writer) RunFinish(status, errCode, errMessage string) error {
	return sw.Emit(Event{Type: EventRunFinish, Status: status, ErrorCode: errCode, ErrorMessage: errMessage})
}

// NullWriter discards every event, for callers (tests, one-shot CLI
// invocations) that don't want a status stream.
type NullWriter struct{}

// Emit implements Emitter by discarding ev.
func (NullWriter) Emit(Event) error { return nil }

// Emitter is the narrow interface the engines depend on, so they can be
// driven by a real Writer or a NullWriter/fake in tests without caring
// which.
type Emitter interface {
	Emit(Event) error
}

var _ Emitter = (*Writer)(nil)
var _ Emitter = NullWriter{}
