// Package schema defines the Go struct types for the workflow document
// and provides strict parsing. Documents are JSON or YAML; both decode
// through the same strict YAML path since YAML is a JSON superset.
package schema

import (
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// Workflow is the top-level document defining an ordered sequence of
// steps and the memory they share.
type Workflow struct {
	Name   string     `yaml:"name"             json:"name"             jsonschema:"required"`
	Memory MemorySpec `yaml:"memory,omitempty" json:"memory,omitempty"`
	Steps  []Step     `yaml:"steps"            json:"steps"            jsonschema:"required,minItems=1"`
}

// MemorySpec declares the workflow's memory layers and optional schema.
// Initial supplies defaults, Variables overlays them, and the optional
// Schema is a JSON Schema document validated against the merged memory
// before the first step runs.
type MemorySpec struct {
	Variables map[string]any `yaml:"variables,omitempty" json:"variables,omitempty"`
	Initial   map[string]any `yaml:"initial,omitempty"   json:"initial,omitempty"`
	Schema    map[string]any `yaml:"schema,omitempty"    json:"schema,omitempty"`
}

// Step is a single unit of work: an external command or a nested
// workflow invocation, selected by which of Command/WorkflowFile is set.
type Step struct {
	Name         string         `yaml:"name"                    json:"name"                    jsonschema:"required"`
	Command      string         `yaml:"command,omitempty"       json:"command,omitempty"`
	WorkflowFile string         `yaml:"workflow_file,omitempty" json:"workflow_file,omitempty"`
	MemoryInput  map[string]any `yaml:"memory_input,omitempty"  json:"memory_input,omitempty"`
	When         string         `yaml:"when,omitempty"          json:"when,omitempty"`
	Success      *SuccessSpec   `yaml:"success,omitempty"       json:"success,omitempty"`
	MemoryUpdate []UpdateRule   `yaml:"memory_update,omitempty" json:"memory_update,omitempty"`
	Delay        float64        `yaml:"delay,omitempty"         json:"delay,omitempty"         jsonschema:"minimum=0"`
	RetryDelay   *float64       `yaml:"retryDelay,omitempty"    json:"retryDelay,omitempty"    jsonschema:"minimum=0"`
	MaxRetries   int            `yaml:"max_retries,omitempty"   json:"max_retries,omitempty"   jsonschema:"minimum=0"`
	Timeout      *float64       `yaml:"timeout,omitempty"       json:"timeout,omitempty"       jsonschema:"minimum=0"`
}

// Step kinds, derived from which execution field is present.
const (
	KindCommand      = "command"
	KindWorkflowCall = "workflow_call"
)

// Kind reports the step kind. Validation guarantees exactly one of
// Command/WorkflowFile is set.
func (s *Step) Kind() string {
	if s.WorkflowFile != "" {
		return KindWorkflowCall
	}
	return KindCommand
}

// SuccessSpec configures how a step's execution is judged. Strategies
// are evaluated in priority order: JSON path first if present, else
// regex, else bare exit code.
type SuccessSpec struct {
	// Regex is matched (multiline, dot-matches-newline) against the
	// combined output; any match counts as success.
	Regex string `yaml:"regex,omitempty" json:"regex,omitempty"`
	// JSON is a dot path checked against the output parsed as JSON.
	JSON string `yaml:"json,omitempty" json:"json,omitempty"`
	// Value, when set alongside JSON, requires deep equality at the
	// path instead of bare existence.
	Value any `yaml:"value,omitempty" json:"value,omitempty"`
}

// UpdateRule extracts a value from step output and writes it into
// memory. Exactly one of Regex/JSON is set; Variable is the destination
// path in the memory.<ident>(.<ident>|.<index>)* grammar.
type UpdateRule struct {
	Regex    string `yaml:"regex,omitempty" json:"regex,omitempty"`
	JSON     string `yaml:"json,omitempty"  json:"json,omitempty"`
	Variable string `yaml:"variable"        json:"variable"        jsonschema:"required,pattern=^memory\\.[a-zA-Z_][a-zA-Z0-9_]*(\\.([a-zA-Z_][a-zA-Z0-9_]*|[0-9]+))*$"`
}

// LoadFile reads and strictly decodes a workflow document from path.
func LoadFile(path string) (*Workflow, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open workflow: %w", err)
	}
	defer f.Close()
	return Load(f)
}

// Load parses a workflow from an io.Reader with strict unknown-field
// rejection.
func Load(r io.Reader) (*Workflow, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var wf Workflow
	if err := dec.Decode(&wf); err != nil {
		return nil, fmt.Errorf("decode workflow: %w", err)
	}
	return &wf, nil
}
