package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ormasoftchile/stepflow/pkg/logging"
	"github.com/ormasoftchile/stepflow/pkg/memory"
	"github.com/ormasoftchile/stepflow/pkg/providers"
	"github.com/ormasoftchile/stepflow/pkg/runtime"
	"github.com/ormasoftchile/stepflow/pkg/schema"
)

// Version is set at build time via ldflags.
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:           "stepflow",
	Short:         "Declarative sequential workflow runner",
	Long:          "stepflow — executes workflows of external-process steps with memory substitution, success validation, retries and sub-workflow calls.",
	SilenceUsage:  true,
	SilenceErrors: false,
}

// --- run ---

var (
	runMemory     string
	runMemoryFile string
	runVerbose    bool
	runLogFile    string
	runLogPath    string
	runMaxDepth   int
)

var runCmd = &cobra.Command{
	Use:   "run [workflow.json]",
	Short: "Execute a workflow document",
	Args:  cobra.ExactArgs(1),
	RunE:  runRun,
}

func runRun(cmd *cobra.Command, args []string) error {
	filePath := args[0]

	wf, errs := schema.ValidateFile(filePath)
	if hasValidationErrors(errs) {
		printValidationErrors(errs)
		return fmt.Errorf("workflow validation failed")
	}
	printValidationWarnings(errs)

	user, err := loadUserMemory(runMemoryFile, runMemory)
	if err != nil {
		return err
	}

	executor := &providers.ShellExecutor{}
	var reporter runtime.Reporter
	if runVerbose {
		reporter = &runtime.JSONReporter{W: os.Stdout}
	}

	runner := runtime.NewRunner(wf, executor, runtime.Options{
		Reporter: reporter,
		MaxDepth: runMaxDepth,
	})

	log, closeLog, err := logging.NewRunLogger(logging.Options{File: runLogFile, Dir: runLogPath}, runner.WorkflowID)
	if err != nil {
		return err
	}
	defer closeLog()
	runner.Log = log

	if runVerbose {
		fmt.Printf("Starting workflow: %s\n", wf.Name)
		fmt.Printf("Workflow ID: %s\n", runner.WorkflowID)
		fmt.Printf("Steps to execute: %d\n", len(wf.Steps))
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	result, err := runner.Run(ctx, user)
	if err != nil {
		return err
	}

	doc, err := result.Document()
	if err != nil {
		return err
	}
	fmt.Println(string(doc))
	log.Infow("final workflow result", "status", result.Status, "exit_code", result.ExitCode)

	if result.ExitCode != 0 {
		closeLog()
		os.Exit(result.ExitCode)
	}
	return nil
}

// loadUserMemory merges the memory file and the inline JSON string into
// the user memory layer. Inline overrides file.
func loadUserMemory(file, inline string) (memory.Map, error) {
	user := make(memory.Map)

	if file != "" {
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("read memory file: %w", err)
		}
		var m memory.Map
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("invalid JSON in memory file: %w", err)
		}
		for k, v := range m {
			user[k] = v
		}
	}

	if inline != "" {
		var m memory.Map
		if err := json.Unmarshal([]byte(inline), &m); err != nil {
			return nil, fmt.Errorf("invalid JSON in --memory: %w", err)
		}
		for k, v := range m {
			user[k] = v
		}
	}

	return user, nil
}

// --- validate ---

var validateCmd = &cobra.Command{
	Use:   "validate [workflow.json]",
	Short: "Validate a workflow document against the schema",
	Args:  cobra.ExactArgs(1),
	RunE:  runValidate,
}

func runValidate(cmd *cobra.Command, args []string) error {
	wf, errs := schema.ValidateFile(args[0])
	printValidationWarnings(errs)
	if hasValidationErrors(errs) {
		printValidationErrors(errs)
		return fmt.Errorf("validation failed")
	}
	fmt.Printf("✓ %s is valid (%d steps)\n", wf.Name, len(wf.Steps))
	return nil
}

func hasValidationErrors(errs []*schema.ValidationError) bool {
	for _, e := range errs {
		if e.Severity == "error" {
			return true
		}
	}
	return false
}

func printValidationErrors(errs []*schema.ValidationError) {
	count := 0
	for _, e := range errs {
		if e.Severity == "error" {
			count++
		}
	}
	fmt.Fprintf(os.Stderr, "Validation failed: %d error(s)\n", count)
	for _, e := range errs {
		if e.Severity != "error" {
			continue
		}
		fmt.Fprintf(os.Stderr, "  [%s] %s\n", e.Phase, e.Message)
		if e.Path != "" {
			fmt.Fprintf(os.Stderr, "    at: %s\n", e.Path)
		}
	}
}

func printValidationWarnings(errs []*schema.ValidationError) {
	for _, e := range errs {
		if e.Severity != "warning" {
			continue
		}
		fmt.Fprintf(os.Stderr, "  ⚠ [%s] %s\n", e.Phase, e.Message)
		if e.Path != "" {
			fmt.Fprintf(os.Stderr, "    at: %s\n", e.Path)
		}
	}
}

// --- sample ---

var sampleCmd = &cobra.Command{
	Use:   "sample [path]",
	Short: "Write a sample workflow document",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := schema.WriteSample(args[0]); err != nil {
			return err
		}
		fmt.Printf("Sample workflow created at: %s\n", args[0])
		return nil
	},
}

// --- schema ---

var schemaCmd = &cobra.Command{
	Use:   "schema",
	Short: "Print the workflow JSON Schema",
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := schema.GenerateJSONSchema()
		if err != nil {
			return fmt.Errorf("generate schema: %w", err)
		}
		fmt.Println(string(data))
		return nil
	},
}

// --- version ---

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("stepflow %s (build: %s)\n", version, commit)
	},
}

func init() {
	runCmd.Flags().StringVar(&runMemory, "memory", "", `Memory variables as JSON string (e.g. '{"name": "value"}')`)
	runCmd.Flags().StringVar(&runMemoryFile, "memory-file", "", "Path to JSON file containing memory variables")
	runCmd.Flags().BoolVar(&runVerbose, "verbose", false, "Emit per-step progress events on stdout")
	runCmd.Flags().StringVar(&runLogFile, "log-file", "", "Path to the run log file")
	runCmd.Flags().StringVar(&runLogPath, "log-path", "", "Directory where the run log is written as <workflow-id>.log")
	runCmd.Flags().IntVar(&runMaxDepth, "max-depth", runtime.DefaultMaxDepth, "Maximum sub-workflow recursion depth")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(sampleCmd)
	rootCmd.AddCommand(schemaCmd)
	rootCmd.AddCommand(versionCmd)
}
