// Package logging wires the per-run log file. The logger is an explicit
// handle passed through the runtime; the engine behaves identically when
// given the nop logger.
package logging

import (
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Options selects where the run log is written. File wins over Dir; Dir
// produces <dir>/<run-id>.log. Both empty means no log file.
type Options struct {
	File string
	Dir  string
}

// NewRunLogger builds a JSON file logger for one workflow run, creating
// parent directories as needed. Returns a nop logger when no destination
// is configured; the returned close function flushes buffered entries.
func NewRunLogger(opts Options, runID string) (*zap.SugaredLogger, func(), error) {
	path := opts.File
	if path == "" && opts.Dir != "" {
		path = filepath.Join(opts.Dir, runID+".log")
	}
	if path == "" {
		return zap.NewNop().Sugar(), func() {}, nil
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, nil, fmt.Errorf("create log directory: %w", err)
		}
	}

	cfg := zap.NewProductionConfig()
	cfg.OutputPaths = []string{path}
	cfg.ErrorOutputPaths = []string{path}
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := cfg.Build()
	if err != nil {
		return nil, nil, fmt.Errorf("initialize run logger: %w", err)
	}

	sugared := logger.Sugar().With("workflow_id", runID)
	return sugared, func() { _ = logger.Sync() }, nil
}
