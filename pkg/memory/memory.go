package memory

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	sjsonschema "github.com/santhosh-tekuri/jsonschema/v6"
)

// Map is the workflow memory: a JSON-shaped tree of nested maps, slices
// and scalars. Values are the types encoding/json produces (nil, bool,
// float64, string, []any, map[string]any).
type Map = map[string]any

// targetRe is the grammar for memory-update targets:
// memory.<ident>(.<ident>|.<index>)*
var targetRe = regexp.MustCompile(`^memory\.[a-zA-Z_][a-zA-Z0-9_]*(\.([a-zA-Z_][a-zA-Z0-9_]*|[0-9]+))*$`)

// ValidTarget reports whether target matches the memory.<path> grammar.
func ValidTarget(target string) bool {
	return targetRe.MatchString(target)
}

// TargetPath strips the "memory." prefix from a valid target, yielding
// the path used with Resolve and Assign.
func TargetPath(target string) string {
	return strings.TrimPrefix(target, "memory.")
}

// Merge layers the initial, variables and user maps into a fresh memory
// map. Later layers win on key collision: initial < variables < user.
// Only top-level keys are overlaid, matching the document contract.
func Merge(initial, variables, user Map) Map {
	merged := make(Map)
	for _, layer := range []Map{initial, variables, user} {
		for k, v := range layer {
			merged[k] = v
		}
	}
	return merged
}

// Clone returns a deep copy of m. Sub-workflows receive a clone so their
// mutations never leak back into the caller's memory.
func Clone(m Map) Map {
	return cloneValue(m).(Map)
}

func cloneValue(v any) any {
	switch node := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(node))
		for k, child := range node {
			out[k] = cloneValue(child)
		}
		return out
	case []any:
		out := make([]any, len(node))
		for i, child := range node {
			out[i] = cloneValue(child)
		}
		return out
	default:
		return v
	}
}

// ValidateSchema checks the merged memory against the workflow's optional
// memory.schema document before the first step runs.
func ValidateSchema(m Map, schemaDoc map[string]any) error {
	if len(schemaDoc) == 0 {
		return nil
	}
	c := sjsonschema.NewCompiler()
	if err := c.AddResource("memory-schema.json", schemaDoc); err != nil {
		return fmt.Errorf("add memory schema: %w", err)
	}
	sch, err := c.Compile("memory-schema.json")
	if err != nil {
		return fmt.Errorf("compile memory schema: %w", err)
	}
	// Round-trip through JSON so the instance uses canonical JSON types.
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal memory: %w", err)
	}
	var instance any
	if err := json.Unmarshal(data, &instance); err != nil {
		return fmt.Errorf("unmarshal memory: %w", err)
	}
	if err := sch.Validate(instance); err != nil {
		return fmt.Errorf("memory validation failed: %w", err)
	}
	return nil
}
