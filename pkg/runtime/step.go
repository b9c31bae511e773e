package runtime

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/ormasoftchile/stepflow/pkg/memory"
	"github.com/ormasoftchile/stepflow/pkg/schema"
	"github.com/ormasoftchile/stepflow/pkg/template"
)

// ErrMaxDepth is returned when sub-workflow recursion exceeds the
// configured depth limit.
var ErrMaxDepth = errors.New("sub-workflow recursion depth exceeded")

// ErrWorkflowNotFound is wrapped when a workflow_call step's resolved
// file does not exist.
var ErrWorkflowNotFound = errors.New("workflow file not found")

// executeStep runs one step's full lifecycle: delay, templating, the
// attempt loop with retry/timeout control, success evaluation and memory
// extraction. It returns the step's exit code (0 on success) and the
// memory for the next step — updated on success, untouched on failure.
func (r *Runner) executeStep(ctx context.Context, step schema.Step, mem memory.Map) (int, memory.Map) {
	retryDelay := DefaultRetryDelaySeconds
	if step.RetryDelay != nil {
		retryDelay = *step.RetryDelay
	}

	// The delay applies once, before any other work, not per retry.
	if step.Delay > 0 {
		r.Log.Infow("waiting before execution", "step", step.Name, "delay_seconds", step.Delay)
		if err := sleepCtx(ctx, seconds(step.Delay)); err != nil {
			return ExitInterrupted, mem
		}
	}

	if step.Kind() == schema.KindWorkflowCall {
		return r.executeWorkflowCall(ctx, step, mem, retryDelay)
	}
	return r.executeCommand(ctx, step, mem, retryDelay)
}

// executeCommand handles a command step.
func (r *Runner) executeCommand(ctx context.Context, step schema.Step, mem memory.Map, retryDelay float64) (int, memory.Map) {
	// Templating failure is terminal for the step: the retry loop is
	// never entered and no process is launched.
	command, err := template.Substitute(step.Command, mem)
	if err != nil {
		r.Log.Errorw("variable substitution failed", "step", step.Name, "error", err.Error())
		r.report(StepEvent{Name: step.Name, Status: EventError, Error: err.Error()})
		return 1, mem
	}
	if command != step.Command {
		r.Log.Infow("command after substitution", "step", step.Name, "command", command)
	}

	timeoutSeconds := DefaultTimeoutSeconds
	if step.Timeout != nil {
		timeoutSeconds = *step.Timeout
	}

	for attempt := 0; attempt <= step.MaxRetries; attempt++ {
		if attempt > 0 {
			r.Log.Infow("retrying step", "step", step.Name, "attempt", attempt, "max_retries", step.MaxRetries)
			if err := sleepCtx(ctx, seconds(retryDelay)); err != nil {
				return ExitInterrupted, mem
			}
		}
		retryIn := retryPtr(attempt, step.MaxRetries, retryDelay)

		stepCtx, cancel := context.WithTimeout(ctx, seconds(timeoutSeconds))
		result, err := r.Executor.Execute(stepCtx, command)
		cancel()

		if err != nil {
			if ctx.Err() != nil {
				return ExitInterrupted, mem
			}
			// Spawn failures are attempt failures, subject to the same
			// retry exhaustion rule.
			r.Log.Errorw("step execution error", "step", step.Name, "error", err.Error())
			r.report(StepEvent{Name: step.Name, Status: EventError, Error: err.Error(), RetryInSeconds: retryIn})
			if attempt >= step.MaxRetries {
				return 1, mem
			}
			continue
		}

		if result.TimedOut {
			r.Log.Errorw("step timed out", "step", step.Name, "timeout_seconds", timeoutSeconds)
			r.report(StepEvent{Name: step.Name, Status: EventTimeout, TimeoutSeconds: timeoutSeconds, RetryInSeconds: retryIn})
			if attempt >= step.MaxRetries {
				return ExitTimeout, mem
			}
			continue
		}

		output := result.Combined()
		r.logOutput(step.Name, result.Stdout, result.Stderr)

		if EvaluateSuccess(result.ExitCode, output, step.Success, r.Log) {
			updated, changed := ApplyUpdates(mem, output, step.MemoryUpdate, r.Log)
			r.Log.Infow("step completed", "step", step.Name, "exit_code", result.ExitCode, "memory_updated", changed)
			r.report(StepEvent{
				Name:          step.Name,
				Status:        EventCompleted,
				ExitCode:      intPtr(result.ExitCode),
				WorkflowID:    r.WorkflowID,
				MemoryUpdated: changed,
			})
			return 0, updated
		}

		r.Log.Errorw("step failed validation", "step", step.Name,
			"exit_code", result.ExitCode, "validation", validationType(step.Success))
		r.report(StepEvent{
			Name:           step.Name,
			Status:         EventFailed,
			ExitCode:       intPtr(result.ExitCode),
			ValidationType: validationType(step.Success),
			RetryInSeconds: retryIn,
		})
		if attempt >= step.MaxRetries {
			if result.ExitCode != 0 {
				return result.ExitCode, mem
			}
			return 1, mem
		}
	}

	return 1, mem
}

// executeWorkflowCall handles a sub-workflow step. The whole child run
// is retried on failure; its serialized result document is the output
// fed through the same success/memory-update path as command output.
func (r *Runner) executeWorkflowCall(ctx context.Context, step schema.Step, mem memory.Map, retryDelay float64) (int, memory.Map) {
	reportError := func(msg string) {
		r.Log.Errorw("workflow call failed", "step", step.Name, "error", msg)
		r.report(StepEvent{Name: step.Name, Status: EventError, Type: schema.KindWorkflowCall, Error: msg})
	}

	// Resolve the file path and every string-valued input through the
	// template engine. Failure here is terminal, as for commands.
	file, err := template.Substitute(step.WorkflowFile, mem)
	if err != nil {
		reportError(err.Error())
		return 1, mem
	}
	input := make(memory.Map, len(step.MemoryInput))
	for key, value := range step.MemoryInput {
		if text, ok := value.(string); ok {
			resolved, err := template.Substitute(text, mem)
			if err != nil {
				reportError(err.Error())
				return 1, mem
			}
			input[key] = resolved
			continue
		}
		input[key] = value
	}

	// Unbounded self-referential workflows stop here, before any child
	// run starts; depth cannot change between attempts.
	if r.Depth+1 > r.MaxDepth {
		reportError(fmt.Sprintf("%v: depth %d exceeds maximum %d", ErrMaxDepth, r.Depth+1, r.MaxDepth))
		return 1, mem
	}

	for attempt := 0; attempt <= step.MaxRetries; attempt++ {
		if attempt > 0 {
			r.Log.Infow("retrying step", "step", step.Name, "attempt", attempt, "max_retries", step.MaxRetries)
			if err := sleepCtx(ctx, seconds(retryDelay)); err != nil {
				return ExitInterrupted, mem
			}
		}
		retryIn := retryPtr(attempt, step.MaxRetries, retryDelay)

		exitCode, output, err := r.runChild(ctx, file, input)
		if err != nil {
			if ctx.Err() != nil {
				return ExitInterrupted, mem
			}
			r.Log.Errorw("sub-workflow error", "step", step.Name, "error", err.Error())
			r.report(StepEvent{Name: step.Name, Status: EventError, Type: schema.KindWorkflowCall,
				Error: err.Error(), RetryInSeconds: retryIn})
			if attempt >= step.MaxRetries {
				return 1, mem
			}
			continue
		}

		if EvaluateSuccess(exitCode, output, step.Success, r.Log) {
			updated, changed := ApplyUpdates(mem, output, step.MemoryUpdate, r.Log)
			r.Log.Infow("workflow call completed", "step", step.Name, "exit_code", exitCode, "memory_updated", changed)
			r.report(StepEvent{
				Name:          step.Name,
				Status:        EventCompleted,
				Type:          schema.KindWorkflowCall,
				ExitCode:      intPtr(exitCode),
				WorkflowID:    r.WorkflowID,
				MemoryUpdated: changed,
			})
			return 0, updated
		}

		r.Log.Errorw("workflow call failed validation", "step", step.Name,
			"exit_code", exitCode, "validation", validationType(step.Success))
		r.report(StepEvent{
			Name:           step.Name,
			Status:         EventFailed,
			Type:           schema.KindWorkflowCall,
			ExitCode:       intPtr(exitCode),
			ValidationType: validationType(step.Success),
			RetryInSeconds: retryIn,
		})
		if attempt >= step.MaxRetries {
			if exitCode != 0 {
				return exitCode, mem
			}
			return 1, mem
		}
	}

	return 1, mem
}

// runChild executes one sub-workflow run to completion. The child is a
// fresh controller seeded with the resolved input as its user memory
// layer; its own document defaults still apply underneath. The child's
// mutations never reach the caller except through the calling step's
// declared memory_update rules against the returned document.
func (r *Runner) runChild(ctx context.Context, file string, input memory.Map) (int, string, error) {
	path, err := locateWorkflow(file)
	if err != nil {
		return 0, "", err
	}

	wf, verrs := schema.ValidateFile(path)
	if hasErrors(verrs) {
		return 0, "", fmt.Errorf("sub-workflow validation failed: %w", verrs[0])
	}

	r.Log.Infow("executing sub-workflow", "file", path)

	// Sub-workflows run quietly: no reporter, no separate log file.
	child := NewRunner(wf, r.Executor, Options{
		MaxDepth: r.MaxDepth,
		depth:    r.Depth + 1,
	})

	result, err := child.Run(ctx, memory.Clone(input))
	if err != nil {
		return 0, "", err
	}
	doc, err := result.Document()
	if err != nil {
		return 0, "", err
	}
	return result.ExitCode, string(doc), nil
}

// locateWorkflow checks the resolved path as given, then relative to the
// current working directory.
func locateWorkflow(file string) (string, error) {
	if _, err := os.Stat(file); err == nil {
		return file, nil
	}
	if !filepath.IsAbs(file) {
		if cwd, err := os.Getwd(); err == nil {
			candidate := filepath.Join(cwd, file)
			if _, err := os.Stat(candidate); err == nil {
				return candidate, nil
			}
		}
	}
	return "", fmt.Errorf("%w: %s", ErrWorkflowNotFound, file)
}

// hasErrors reports whether any validation finding is error severity.
func hasErrors(verrs []*schema.ValidationError) bool {
	for _, e := range verrs {
		if e.Severity == "error" {
			return true
		}
	}
	return false
}

// logOutput mirrors captured process output into the run log.
func (r *Runner) logOutput(step string, stdout, stderr []byte) {
	if len(stdout) > 0 {
		r.Log.Infow("command stdout", "step", step, "output", string(stdout))
	}
	if len(stderr) > 0 {
		r.Log.Infow("command stderr", "step", step, "output", string(stderr))
	}
}

// retryPtr returns the retry-delay announcement for an attempt that has
// retries remaining, nil on the final attempt.
func retryPtr(attempt, maxRetries int, retryDelay float64) *float64 {
	if attempt < maxRetries {
		return floatPtr(retryDelay)
	}
	return nil
}

// seconds converts a document duration (fractional seconds) to a
// time.Duration.
func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

// sleepCtx sleeps cooperatively, returning early with the context error
// on cancellation.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
