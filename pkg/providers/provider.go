// Package providers defines the CommandExecutor interface and its
// process-backed implementation used by the step engine.
package providers

import (
	"context"
	"time"
)

// CommandResult holds the output of a single command execution.
type CommandResult struct {
	Stdout   []byte        `json:"stdout"`
	Stderr   []byte        `json:"stderr"`
	ExitCode int           `json:"exit_code"`
	Duration time.Duration `json:"duration"`
	// TimedOut is set when the wall-clock timeout killed the process.
	// Partial output captured before the kill is not meaningful for
	// success evaluation and is discarded by callers.
	TimedOut bool `json:"timed_out,omitempty"`
}

// Combined returns stdout followed by stderr, the text success
// evaluation and memory extraction run against.
func (r *CommandResult) Combined() string {
	return string(r.Stdout) + string(r.Stderr)
}

// CommandExecutor abstracts process execution so the engine can run
// against a real shell or a test stub.
// Implementations: ShellExecutor, fakes in engine tests.
type CommandExecutor interface {
	// Execute runs a full shell command line. The context carries the
	// step's wall-clock timeout; expiry hard-kills the process and is
	// reported via CommandResult.TimedOut, not an error.
	Execute(ctx context.Context, command string) (*CommandResult, error)
}
