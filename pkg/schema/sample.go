package schema

import (
	"encoding/json"
	"fmt"
	"os"
)

// SampleWorkflow returns a small self-contained workflow demonstrating
// memory seeding, regex extraction, retries and template substitution.
func SampleWorkflow() *Workflow {
	return &Workflow{
		Name: "sample_workflow",
		Memory: MemorySpec{
			Variables: map[string]any{
				"project_name": "my-project",
				"author":       "Your Name",
			},
			Schema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"project_name": map[string]any{"type": "string"},
					"author":       map[string]any{"type": "string"},
					"current_dir":  map[string]any{"type": "string"},
				},
			},
		},
		Steps: []Step{
			{
				Name:    "show_current_directory",
				Command: "pwd",
				MemoryUpdate: []UpdateRule{
					{Regex: `^(.+?)\s*$`, Variable: "memory.current_dir"},
				},
			},
			{
				Name:       "list_files_with_retry",
				Command:    "ls -la",
				MaxRetries: 2,
				Success:    &SuccessSpec{Regex: "total"},
				Delay:      1,
			},
			{
				Name:    "show_project_info",
				Command: "echo 'Project: {{memory.project_name}} by {{memory.author}} in {{memory.current_dir}}'",
			},
		},
	}
}

// WriteSample writes the sample workflow as indented JSON at path.
func WriteSample(path string) error {
	data, err := json.MarshalIndent(SampleWorkflow(), "", "    ")
	if err != nil {
		return fmt.Errorf("marshal sample workflow: %w", err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0644); err != nil {
		return fmt.Errorf("write sample workflow: %w", err)
	}
	return nil
}
