package schema

import (
	"encoding/json"
	"fmt"
	"regexp"

	"github.com/expr-lang/expr"
	sjsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/ormasoftchile/stepflow/pkg/memory"
)

// ValidationError represents a single validation error with location context.
type ValidationError struct {
	Phase    string `json:"phase"` // structural, semantic, domain
	Path     string `json:"path"`  // JSON-path-like location (e.g., "steps[0].memory_update[1]")
	Message  string `json:"message"`
	Severity string `json:"severity"` // error, warning
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("[%s] %s: %s", e.Phase, e.Path, e.Message)
}

// ValidateFile performs the full 3-phase validation pipeline on a
// workflow document.
// Phase 1: Structural (strict decode)
// Phase 2: Semantic (JSON Schema validation)
// Phase 3: Domain (custom Go rules)
func ValidateFile(path string) (*Workflow, []*ValidationError) {
	wf, err := LoadFile(path)
	if err != nil {
		return nil, []*ValidationError{{
			Phase:    "structural",
			Message:  err.Error(),
			Severity: "error",
		}}
	}
	return validate(wf)
}

func validate(wf *Workflow) (*Workflow, []*ValidationError) {
	var allErrors []*ValidationError
	allErrors = append(allErrors, validateSemantic(wf)...)
	allErrors = append(allErrors, validateDomain(wf)...)
	if len(allErrors) > 0 {
		return wf, allErrors
	}
	return wf, nil
}

// validateSemantic validates the workflow against the generated JSON Schema.
func validateSemantic(wf *Workflow) []*ValidationError {
	semanticErr := func(format string, args ...any) []*ValidationError {
		return []*ValidationError{{
			Phase:    "semantic",
			Message:  fmt.Sprintf(format, args...),
			Severity: "error",
		}}
	}

	data, err := json.Marshal(wf)
	if err != nil {
		return semanticErr("marshal for schema validation: %v", err)
	}

	schemaJSON, err := GenerateJSONSchema()
	if err != nil {
		return semanticErr("generate schema: %v", err)
	}

	var schemaDoc any
	if err := json.Unmarshal(schemaJSON, &schemaDoc); err != nil {
		return semanticErr("unmarshal schema: %v", err)
	}

	c := sjsonschema.NewCompiler()
	if err := c.AddResource("workflow-v1.json", schemaDoc); err != nil {
		return semanticErr("add schema resource: %v", err)
	}
	sch, err := c.Compile("workflow-v1.json")
	if err != nil {
		return semanticErr("compile schema: %v", err)
	}

	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return semanticErr("unmarshal workflow: %v", err)
	}
	if err := sch.Validate(doc); err != nil {
		return semanticErr("%v", err)
	}
	return nil
}

// validateDomain applies the custom rules the JSON Schema cannot express.
func validateDomain(wf *Workflow) []*ValidationError {
	var errs []*ValidationError
	add := func(severity, path, format string, args ...any) {
		errs = append(errs, &ValidationError{
			Phase:    "domain",
			Path:     path,
			Message:  fmt.Sprintf(format, args...),
			Severity: severity,
		})
	}

	seen := make(map[string]int)
	for i, step := range wf.Steps {
		loc := fmt.Sprintf("steps[%d]", i)

		if prev, dup := seen[step.Name]; dup {
			add("error", loc, "step name %q already used by steps[%d]", step.Name, prev)
		} else {
			seen[step.Name] = i
		}

		switch {
		case step.Command == "" && step.WorkflowFile == "":
			add("error", loc, "step must set exactly one of command or workflow_file")
		case step.Command != "" && step.WorkflowFile != "":
			add("error", loc, "step sets both command and workflow_file")
		}
		if len(step.MemoryInput) > 0 && step.WorkflowFile == "" {
			add("error", loc, "memory_input requires workflow_file")
		}

		if step.Success != nil {
			if step.Success.Regex != "" && step.Success.JSON != "" {
				add("warning", loc+".success", "both regex and json set; json takes priority")
			}
			if step.Success.Regex != "" {
				if _, err := regexp.Compile("(?ms)" + step.Success.Regex); err != nil {
					add("warning", loc+".success.regex", "pattern does not compile: %v", err)
				}
			}
			if step.Success.Value != nil && step.Success.JSON == "" {
				add("error", loc+".success", "value requires json")
			}
		}

		for j, rule := range step.MemoryUpdate {
			ruleLoc := fmt.Sprintf("%s.memory_update[%d]", loc, j)
			switch {
			case rule.Regex == "" && rule.JSON == "":
				add("error", ruleLoc, "rule must set exactly one of regex or json")
			case rule.Regex != "" && rule.JSON != "":
				add("error", ruleLoc, "rule sets both regex and json")
			}
			if !memory.ValidTarget(rule.Variable) {
				add("error", ruleLoc+".variable", "%q does not match the memory.<path> grammar", rule.Variable)
			}
			if rule.Regex != "" {
				if _, err := regexp.Compile("(?ms)" + rule.Regex); err != nil {
					add("warning", ruleLoc+".regex", "pattern does not compile: %v", err)
				}
			}
		}

		if step.When != "" {
			if _, err := expr.Compile(step.When); err != nil {
				add("error", loc+".when", "condition does not compile: %v", err)
			}
		}
	}

	return errs
}
