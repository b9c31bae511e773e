package runtime

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ormasoftchile/stepflow/pkg/memory"
	"github.com/ormasoftchile/stepflow/pkg/providers"
	"github.com/ormasoftchile/stepflow/pkg/schema"
)

// fakeExecutor records commands and answers them through a handler,
// defaulting to a clean exit with empty output.
type fakeExecutor struct {
	commands []string
	handler  func(command string) (*providers.CommandResult, error)
}

func (f *fakeExecutor) Execute(ctx context.Context, command string) (*providers.CommandResult, error) {
	f.commands = append(f.commands, command)
	if f.handler != nil {
		return f.handler(command)
	}
	return &providers.CommandResult{ExitCode: 0}, nil
}

func exit(code int, output string) *providers.CommandResult {
	return &providers.CommandResult{Stdout: []byte(output), ExitCode: code}
}

// recordingReporter collects emitted step events.
type recordingReporter struct {
	events []StepEvent
}

func (r *recordingReporter) Report(e StepEvent) { r.events = append(r.events, e) }

func zeroDelay() *float64 { d := 0.0; return &d }

func TestRunSingleStepSuccess(t *testing.T) {
	wf := &schema.Workflow{
		Name:  "hello",
		Steps: []schema.Step{{Name: "greet", Command: "echo hello"}},
	}
	exec := &fakeExecutor{handler: func(string) (*providers.CommandResult, error) {
		return exit(0, "hello\n"), nil
	}}

	runner := NewRunner(wf, exec, Options{})
	result, err := runner.Run(context.Background(), nil)
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}

	if result.Status != StatusSuccess {
		t.Errorf("Status = %q, want success", result.Status)
	}
	if result.ExitCode != 0 || result.CompletedSteps != 1 || result.TotalSteps != 1 {
		t.Errorf("unexpected result: %+v", result)
	}
	if result.WorkflowID == "" {
		t.Error("WorkflowID not set")
	}
	if len(exec.commands) != 1 || exec.commands[0] != "echo hello" {
		t.Errorf("commands = %v", exec.commands)
	}
}

func TestRunStopsAtFirstFailure(t *testing.T) {
	wf := &schema.Workflow{
		Name: "stops",
		Steps: []schema.Step{
			{Name: "boom", Command: "exit 3"},
			{Name: "never", Command: "echo unreachable"},
		},
	}
	exec := &fakeExecutor{handler: func(string) (*providers.CommandResult, error) {
		return exit(3, ""), nil
	}}

	result, err := NewRunner(wf, exec, Options{}).Run(context.Background(), nil)
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}

	if result.Status != StatusFailed || result.FailedStep != "boom" {
		t.Errorf("unexpected result: %+v", result)
	}
	if result.ExitCode != 3 {
		t.Errorf("ExitCode = %d, want 3", result.ExitCode)
	}
	if result.CompletedSteps != 0 {
		t.Errorf("CompletedSteps = %d, want 0", result.CompletedSteps)
	}
	if len(exec.commands) != 1 {
		t.Errorf("second step must not run, commands = %v", exec.commands)
	}
}

func TestRetryExhaustionAttemptsAndExitCode(t *testing.T) {
	wf := &schema.Workflow{
		Name: "retries",
		Steps: []schema.Step{{
			Name:       "flaky",
			Command:    "exit 3",
			MaxRetries: 1,
			RetryDelay: zeroDelay(),
		}},
	}
	exec := &fakeExecutor{handler: func(string) (*providers.CommandResult, error) {
		return exit(3, ""), nil
	}}

	result, err := NewRunner(wf, exec, Options{}).Run(context.Background(), nil)
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}

	if len(exec.commands) != 2 {
		t.Errorf("attempts = %d, want 2 (max_retries+1)", len(exec.commands))
	}
	if result.ExitCode != 3 || result.Status != StatusFailed || result.FailedStep != "flaky" {
		t.Errorf("unexpected result: %+v", result)
	}
}

func TestFailedValidationWithExitZeroCoercesToOne(t *testing.T) {
	wf := &schema.Workflow{
		Name: "coerce",
		Steps: []schema.Step{{
			Name:    "check",
			Command: "echo nope",
			Success: &schema.SuccessSpec{Regex: "never matches"},
		}},
	}
	exec := &fakeExecutor{handler: func(string) (*providers.CommandResult, error) {
		return exit(0, "nope"), nil
	}}

	result, _ := NewRunner(wf, exec, Options{}).Run(context.Background(), nil)
	if result.ExitCode != 1 {
		t.Errorf("ExitCode = %d, want 1 when failed attempt exited 0", result.ExitCode)
	}
}

func TestTimeoutReturnsSentinelAfterRetries(t *testing.T) {
	wf := &schema.Workflow{
		Name: "slow",
		Steps: []schema.Step{{
			Name:       "sleepy",
			Command:    "sleep 10",
			MaxRetries: 1,
			RetryDelay: zeroDelay(),
		}},
	}
	exec := &fakeExecutor{handler: func(string) (*providers.CommandResult, error) {
		return &providers.CommandResult{TimedOut: true}, nil
	}}

	result, _ := NewRunner(wf, exec, Options{}).Run(context.Background(), nil)
	if len(exec.commands) != 2 {
		t.Errorf("attempts = %d, want 2", len(exec.commands))
	}
	if result.ExitCode != ExitTimeout {
		t.Errorf("ExitCode = %d, want %d", result.ExitCode, ExitTimeout)
	}
}

func TestTemplateFailureIsTerminalWithoutAttempts(t *testing.T) {
	wf := &schema.Workflow{
		Name: "unresolved",
		Steps: []schema.Step{{
			Name:       "bad",
			Command:    "echo {{memory.absent}}",
			MaxRetries: 5,
			RetryDelay: zeroDelay(),
		}},
	}
	exec := &fakeExecutor{}

	result, _ := NewRunner(wf, exec, Options{}).Run(context.Background(), nil)
	if len(exec.commands) != 0 {
		t.Errorf("no process may launch on templating failure, commands = %v", exec.commands)
	}
	if result.ExitCode != 1 || result.FailedStep != "bad" {
		t.Errorf("unexpected result: %+v", result)
	}
}

func TestMemoryThreadsAcrossSteps(t *testing.T) {
	wf := &schema.Workflow{
		Name: "threading",
		Steps: []schema.Step{
			{
				Name:    "discover",
				Command: "pwd",
				MemoryUpdate: []schema.UpdateRule{
					{Regex: `dir=(\S+)`, Variable: "memory.dir"},
				},
			},
			{Name: "use", Command: "ls {{memory.dir}}"},
		},
	}
	exec := &fakeExecutor{handler: func(command string) (*providers.CommandResult, error) {
		if command == "pwd" {
			return exit(0, "dir=/tmp/work\n"), nil
		}
		return exit(0, ""), nil
	}}

	result, err := NewRunner(wf, exec, Options{}).Run(context.Background(), nil)
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if result.Status != StatusSuccess {
		t.Fatalf("status = %q: %+v", result.Status, result)
	}
	if exec.commands[1] != "ls /tmp/work" {
		t.Errorf("second command = %q, want substituted dir", exec.commands[1])
	}
	if got, _ := memory.Resolve(result.Memory, "dir"); got != "/tmp/work" {
		t.Errorf("final memory dir = %v", got)
	}
}

func TestMemoryLayerPriority(t *testing.T) {
	wf := &schema.Workflow{
		Name: "layers",
		Memory: schema.MemorySpec{
			Initial:   map[string]any{"a": "initial", "b": "initial"},
			Variables: map[string]any{"b": "variables", "c": "variables"},
		},
		Steps: []schema.Step{{Name: "noop", Command: "true"}},
	}
	exec := &fakeExecutor{}

	result, err := NewRunner(wf, exec, Options{}).Run(context.Background(), memory.Map{"c": "user"})
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if result.Memory["a"] != "initial" || result.Memory["b"] != "variables" || result.Memory["c"] != "user" {
		t.Errorf("layer priority violated: %v", result.Memory)
	}
}

func TestMemorySchemaRejection(t *testing.T) {
	wf := &schema.Workflow{
		Name: "schema",
		Memory: schema.MemorySpec{
			Schema: map[string]any{
				"type":     "object",
				"required": []any{"url"},
			},
		},
		Steps: []schema.Step{{Name: "noop", Command: "true"}},
	}
	_, err := NewRunner(wf, &fakeExecutor{}, Options{}).Run(context.Background(), nil)
	if err == nil {
		t.Error("expected memory schema error, got nil")
	}
}

func TestWhenGuardSkipsStep(t *testing.T) {
	wf := &schema.Workflow{
		Name: "guarded",
		Memory: schema.MemorySpec{
			Variables: map[string]any{"mode": "fast"},
		},
		Steps: []schema.Step{
			{Name: "always", Command: "echo always"},
			{Name: "slow_only", Command: "echo slow", When: `mode == "slow"`},
			{Name: "fast_only", Command: "echo fast", When: `mode == "fast"`},
		},
	}
	exec := &fakeExecutor{}
	reporter := &recordingReporter{}

	result, err := NewRunner(wf, exec, Options{Reporter: reporter}).Run(context.Background(), nil)
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}

	if result.Status != StatusSuccess || result.CompletedSteps != 2 || result.SkippedSteps != 1 {
		t.Errorf("unexpected result: %+v", result)
	}
	if len(exec.commands) != 2 {
		t.Errorf("commands = %v, want 2 executed", exec.commands)
	}
	var skipped []string
	for _, e := range reporter.events {
		if e.Status == EventSkipped {
			skipped = append(skipped, e.Name)
		}
	}
	if len(skipped) != 1 || skipped[0] != "slow_only" {
		t.Errorf("skipped = %v, want [slow_only]", skipped)
	}
}

func TestStepEventsCarryRetryAnnouncement(t *testing.T) {
	wf := &schema.Workflow{
		Name: "events",
		Steps: []schema.Step{{
			Name:       "flaky",
			Command:    "exit 2",
			MaxRetries: 1,
			RetryDelay: zeroDelay(),
		}},
	}
	exec := &fakeExecutor{handler: func(string) (*providers.CommandResult, error) {
		return exit(2, ""), nil
	}}
	reporter := &recordingReporter{}

	NewRunner(wf, exec, Options{Reporter: reporter}).Run(context.Background(), nil)

	if len(reporter.events) != 2 {
		t.Fatalf("events = %d, want 2", len(reporter.events))
	}
	first, last := reporter.events[0], reporter.events[1]
	if first.Status != EventFailed || first.RetryInSeconds == nil {
		t.Errorf("first attempt event must announce retry: %+v", first)
	}
	if last.Status != EventFailed || last.RetryInSeconds != nil {
		t.Errorf("final attempt event must not announce retry: %+v", last)
	}
	if last.ExitCode == nil || *last.ExitCode != 2 {
		t.Errorf("final event exit code = %v, want 2", last.ExitCode)
	}
	if first.ValidationType != "exit_code" {
		t.Errorf("validation type = %q, want exit_code", first.ValidationType)
	}
}

func writeWorkflowFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write workflow: %v", err)
	}
	return path
}

func TestSubWorkflowResultFlowsThroughUpdateRules(t *testing.T) {
	dir := t.TempDir()
	childPath := writeWorkflowFile(t, dir, "child.json", `{
  "name": "child",
  "steps": [
    {
      "name": "inner",
      "command": "emit",
      "memory_update": [{"regex": "x=(\\d+)", "variable": "memory.x"}]
    }
  ]
}`)

	wf := &schema.Workflow{
		Name: "parent",
		Steps: []schema.Step{{
			Name:         "call_child",
			WorkflowFile: childPath,
			Success:      &schema.SuccessSpec{JSON: "workflow_result.status", Value: "success"},
			MemoryUpdate: []schema.UpdateRule{
				{JSON: "workflow_result.memory.x", Variable: "memory.y"},
			},
		}},
	}
	exec := &fakeExecutor{handler: func(command string) (*providers.CommandResult, error) {
		if command == "emit" {
			return exit(0, "x=1\n"), nil
		}
		return exit(0, ""), nil
	}}

	result, err := NewRunner(wf, exec, Options{}).Run(context.Background(), nil)
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}

	if result.Status != StatusSuccess {
		t.Fatalf("status = %q: %+v", result.Status, result)
	}
	if got, _ := memory.Resolve(result.Memory, "y"); got != "1" {
		t.Errorf("y = %v, want 1 (mapped from child result)", got)
	}
	// The child's own memory never leaks implicitly.
	if _, ok := result.Memory["x"]; ok {
		t.Errorf("x leaked into parent memory: %v", result.Memory)
	}
}

func TestSubWorkflowInputTemplating(t *testing.T) {
	dir := t.TempDir()
	childPath := writeWorkflowFile(t, dir, "child.json", `{
  "name": "child",
  "steps": [{"name": "use", "command": "curl {{memory.url}}"}]
}`)

	wf := &schema.Workflow{
		Name: "parent",
		Memory: schema.MemorySpec{
			Variables: map[string]any{"host": "example.com"},
		},
		Steps: []schema.Step{{
			Name:         "call",
			WorkflowFile: childPath,
			MemoryInput:  map[string]any{"url": "https://{{memory.host}}/api"},
		}},
	}
	exec := &fakeExecutor{}

	result, err := NewRunner(wf, exec, Options{}).Run(context.Background(), nil)
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if result.Status != StatusSuccess {
		t.Fatalf("status = %q: %+v", result.Status, result)
	}
	if len(exec.commands) != 1 || exec.commands[0] != "curl https://example.com/api" {
		t.Errorf("commands = %v, want templated input threaded into child", exec.commands)
	}
}

func TestSubWorkflowMissingFileIsRetriedThenFails(t *testing.T) {
	wf := &schema.Workflow{
		Name: "missing",
		Steps: []schema.Step{{
			Name:         "call",
			WorkflowFile: "/nonexistent/child.json",
			MaxRetries:   1,
			RetryDelay:   zeroDelay(),
		}},
	}
	reporter := &recordingReporter{}

	result, _ := NewRunner(wf, &fakeExecutor{}, Options{Reporter: reporter}).Run(context.Background(), nil)
	if result.Status != StatusFailed || result.ExitCode != 1 {
		t.Errorf("unexpected result: %+v", result)
	}
	errorEvents := 0
	for _, e := range reporter.events {
		if e.Status == EventError && strings.Contains(e.Error, "not found") {
			errorEvents++
		}
	}
	if errorEvents != 2 {
		t.Errorf("error events = %d, want 2 (one per attempt)", errorEvents)
	}
}

func TestSubWorkflowRecursionDepthGuard(t *testing.T) {
	dir := t.TempDir()
	loopPath := filepath.Join(dir, "loop.json")
	content := fmt.Sprintf(`{
  "name": "loop",
  "steps": [{"name": "again", "workflow_file": %q}]
}`, loopPath)
	if err := os.WriteFile(loopPath, []byte(content), 0644); err != nil {
		t.Fatalf("write workflow: %v", err)
	}

	wf, errs := schema.ValidateFile(loopPath)
	if len(errs) != 0 {
		t.Fatalf("validation: %v", errs)
	}

	result, err := NewRunner(wf, &fakeExecutor{}, Options{MaxDepth: 3}).Run(context.Background(), nil)
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if result.Status != StatusFailed || result.ExitCode != 1 {
		t.Errorf("unbounded recursion must fail cleanly: %+v", result)
	}
}

func TestRunResultDocument(t *testing.T) {
	wf := &schema.Workflow{
		Name:  "doc",
		Steps: []schema.Step{{Name: "one", Command: "true"}},
	}
	result, err := NewRunner(wf, &fakeExecutor{}, Options{}).Run(context.Background(), nil)
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	doc, err := result.Document()
	if err != nil {
		t.Fatalf("Document error: %v", err)
	}
	for _, want := range []string{`"workflow_result"`, `"status": "success"`, `"completed_steps": 1`, `"workflow_name": "doc"`} {
		if !strings.Contains(string(doc), want) {
			t.Errorf("document missing %s:\n%s", want, doc)
		}
	}
}
