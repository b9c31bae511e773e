package providers

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"runtime"
	"time"
)

// ShellExecutor runs command lines through the system shell with
// context-deadline timeout support.
type ShellExecutor struct{}

// Execute runs a command line via sh -c (cmd.exe /C on Windows),
// capturing stdout and stderr separately. A non-zero exit is reported
// through ExitCode, not an error; only spawn failures return errors.
func (s *ShellExecutor) Execute(ctx context.Context, command string) (*CommandResult, error) {
	start := time.Now()

	var cmd *exec.Cmd
	if runtime.GOOS == "windows" {
		cmd = exec.CommandContext(ctx, "cmd.exe", "/C", command)
	} else {
		cmd = exec.CommandContext(ctx, "sh", "-c", command)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	duration := time.Since(start)

	// A cancelled run (interrupt) propagates as an error; only the
	// step's own deadline counts as a timeout.
	if ctx.Err() == context.Canceled {
		return nil, ctx.Err()
	}
	if ctx.Err() == context.DeadlineExceeded {
		return &CommandResult{
			Duration: duration,
			TimedOut: true,
		}, nil
	}

	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		} else {
			return nil, fmt.Errorf("execute command %q: %w", command, err)
		}
	}

	return &CommandResult{
		Stdout:   stdout.Bytes(),
		Stderr:   stderr.Bytes(),
		ExitCode: exitCode,
		Duration: duration,
	}, nil
}
