package runtime

import (
	"encoding/json"
	"io"
)

// Step event statuses.
const (
	EventCompleted = "completed"
	EventFailed    = "failed"
	EventTimeout   = "timeout"
	EventError     = "error"
	EventSkipped   = "skipped"
)

// StepEvent is the structured per-step report emitted on every attempt
// outcome. It is an observable side effect only; the controller never
// bases decisions on it.
type StepEvent struct {
	Name           string   `json:"name"`
	Status         string   `json:"status"`
	Type           string   `json:"type,omitempty"` // set for workflow_call steps
	ExitCode       *int     `json:"exit_code,omitempty"`
	WorkflowID     string   `json:"workflow_id,omitempty"`
	MemoryUpdated  bool     `json:"memory_updated,omitempty"`
	ValidationType string   `json:"validation_type,omitempty"`
	TimeoutSeconds float64  `json:"timeout_seconds,omitempty"`
	RetryInSeconds *float64 `json:"retry_in_seconds,omitempty"`
	Error          string   `json:"error,omitempty"`
}

// Reporter consumes step events. The engine behaves identically whether
// or not a reporter is attached.
type Reporter interface {
	Report(event StepEvent)
}

// JSONReporter writes each event as an indented {"step": {...}} JSON
// object, the verbose-mode output stream.
type JSONReporter struct {
	W io.Writer
}

type stepEnvelope struct {
	Step StepEvent `json:"step"`
}

func (r *JSONReporter) Report(event StepEvent) {
	data, err := json.MarshalIndent(stepEnvelope{Step: event}, "", "  ")
	if err != nil {
		return
	}
	r.W.Write(append(data, '\n'))
}

// nopReporter backs a nil reporter option.
type nopReporter struct{}

func (nopReporter) Report(StepEvent) {}

func intPtr(v int) *int           { return &v }
func floatPtr(v float64) *float64 { return &v }
