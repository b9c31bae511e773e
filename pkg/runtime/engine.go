package runtime

import (
	"context"
	"fmt"

	"github.com/expr-lang/expr"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ormasoftchile/stepflow/pkg/memory"
	"github.com/ormasoftchile/stepflow/pkg/providers"
	"github.com/ormasoftchile/stepflow/pkg/schema"
)

// Runner executes one workflow run. It owns the run's memory for the
// duration: memory is never aliased across steps, and sub-workflows only
// ever see copies.
type Runner struct {
	Workflow   *schema.Workflow
	WorkflowID string
	Executor   providers.CommandExecutor
	Reporter   Reporter
	Log        *zap.SugaredLogger
	Depth      int
	MaxDepth   int
}

// Options carries the run context collaborators. Zero values are safe:
// events and log entries are dropped, recursion depth defaults apply.
type Options struct {
	Reporter Reporter
	Log      *zap.SugaredLogger
	MaxDepth int

	// depth is set internally when a runner spawns a child.
	depth int
}

// NewRunner creates a runner for a validated workflow with a fresh run ID.
func NewRunner(wf *schema.Workflow, executor providers.CommandExecutor, opts Options) *Runner {
	reporter := opts.Reporter
	if reporter == nil {
		reporter = nopReporter{}
	}
	log := opts.Log
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	maxDepth := opts.MaxDepth
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}
	return &Runner{
		Workflow:   wf,
		WorkflowID: uuid.NewString(),
		Executor:   executor,
		Reporter:   reporter,
		Log:        log,
		Depth:      opts.depth,
		MaxDepth:   maxDepth,
	}
}

// Run executes the workflow's steps in order, threading memory between
// them, and stops at the first step that exhausts its retries or hits a
// fatal templating error. The user map is the highest-priority memory
// layer, overlaying the document's initial and variables maps. The only
// error return is a memory layer that fails the document's memory
// schema; every execution failure is encoded in the result.
func (r *Runner) Run(ctx context.Context, user memory.Map) (*RunResult, error) {
	wf := r.Workflow
	mem := memory.Clone(memory.Merge(wf.Memory.Initial, wf.Memory.Variables, user))

	if err := memory.ValidateSchema(mem, wf.Memory.Schema); err != nil {
		return nil, err
	}

	r.Log.Infow("starting workflow", "workflow", wf.Name, "steps", len(wf.Steps), "memory_keys", len(mem))

	result := &RunResult{
		WorkflowID:   r.WorkflowID,
		WorkflowName: wf.Name,
		TotalSteps:   len(wf.Steps),
	}

	for i, step := range wf.Steps {
		if ctx.Err() != nil {
			return r.fail(result, step.Name, ExitInterrupted, mem), nil
		}

		if step.When != "" {
			matched, err := evalWhen(step.When, mem)
			if err != nil {
				r.Log.Errorw("when condition failed", "step", step.Name, "error", err.Error())
				r.report(StepEvent{Name: step.Name, Status: EventError, Error: err.Error()})
				return r.fail(result, step.Name, 1, mem), nil
			}
			if !matched {
				r.Log.Infow("step skipped", "step", step.Name, "when", step.When)
				r.report(StepEvent{Name: step.Name, Status: EventSkipped})
				result.SkippedSteps++
				continue
			}
		}

		r.Log.Infow("starting step", "step", step.Name, "index", i+1, "total", len(wf.Steps), "kind", step.Kind())

		exitCode, updated := r.executeStep(ctx, step, mem)
		// A step is atomic from here: it either fully succeeded and
		// mutated memory once, or fully failed and left it untouched.
		mem = updated

		if exitCode != 0 {
			r.Log.Errorw("workflow failed", "step", step.Name, "exit_code", exitCode)
			return r.fail(result, step.Name, exitCode, mem), nil
		}
		result.CompletedSteps++
	}

	result.Status = StatusSuccess
	result.Memory = mem
	r.Log.Infow("workflow completed", "workflow", wf.Name, "completed_steps", result.CompletedSteps)
	return result, nil
}

// fail finalizes a result for a run stopped at the named step. Memory as
// of the last successful step is preserved and reported.
func (r *Runner) fail(result *RunResult, stepName string, exitCode int, mem memory.Map) *RunResult {
	result.Status = StatusFailed
	result.FailedStep = stepName
	result.ExitCode = exitCode
	result.Memory = mem
	return result
}

func (r *Runner) report(event StepEvent) {
	r.Reporter.Report(event)
}

// evalWhen evaluates a step guard against the current memory. Memory
// keys are the expression environment; unknown identifiers resolve to
// nil rather than failing, so guards can probe optional keys.
func evalWhen(condition string, mem memory.Map) (bool, error) {
	program, err := expr.Compile(condition,
		expr.Env(map[string]any{}),
		expr.AllowUndefinedVariables(),
		expr.AsBool(),
	)
	if err != nil {
		return false, fmt.Errorf("compile condition %q: %w", condition, err)
	}
	output, err := expr.Run(program, map[string]any(mem))
	if err != nil {
		return false, fmt.Errorf("eval condition %q: %w", condition, err)
	}
	matched, ok := output.(bool)
	if !ok {
		return false, fmt.Errorf("condition %q did not return bool (got %T)", condition, output)
	}
	return matched, nil
}
