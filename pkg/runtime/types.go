// Package runtime drives workflow execution: the step engine with its
// delay/retry/timeout loop, success evaluation, memory extraction, and
// the sequential controller that threads memory between steps and
// dispatches sub-workflows.
package runtime

import (
	"encoding/json"
	"fmt"

	"github.com/ormasoftchile/stepflow/pkg/memory"
)

// Sentinel exit codes surfaced by a run.
const (
	// ExitTimeout is returned when a step exhausts its retries on
	// wall-clock timeouts.
	ExitTimeout = 124
	// ExitInterrupted is returned when the run's context is cancelled.
	ExitInterrupted = 130
)

// Default step settings, in seconds.
const (
	DefaultRetryDelaySeconds = 1.0
	DefaultTimeoutSeconds    = 300.0
)

// DefaultMaxDepth bounds sub-workflow recursion so self-referential
// workflow files cannot recurse without limit.
const DefaultMaxDepth = 10

// Run statuses reported in the final result.
const (
	StatusSuccess = "success"
	StatusFailed  = "failed"
)

// RunResult is the single structured result of a workflow run.
type RunResult struct {
	Status         string     `json:"status"`
	WorkflowID     string     `json:"workflow_id"`
	WorkflowName   string     `json:"workflow_name"`
	CompletedSteps int        `json:"completed_steps"`
	TotalSteps     int        `json:"total_steps"`
	SkippedSteps   int        `json:"skipped_steps,omitempty"`
	FailedStep     string     `json:"failed_step,omitempty"`
	Memory         memory.Map `json:"memory"`

	// ExitCode is the process exit code for the run: 0 on success, the
	// failed step's code otherwise. Not part of the serialized result.
	ExitCode int `json:"-"`
}

// resultDocument is the envelope the result serializes under, matching
// the output contract consumed by callers and by sub-workflow success
// evaluation.
type resultDocument struct {
	WorkflowResult *RunResult `json:"workflow_result"`
}

// Document renders the run result as the indented workflow_result JSON
// document emitted at the end of a run. The same serialized form is the
// output a calling step evaluates when this run was a sub-workflow.
func (r *RunResult) Document() ([]byte, error) {
	data, err := json.MarshalIndent(resultDocument{WorkflowResult: r}, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal workflow result: %w", err)
	}
	return data, nil
}
