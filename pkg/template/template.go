// Package template resolves {{memory.<path>}} markers embedded in step
// commands and other template-bearing fields against the workflow memory.
package template

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/ormasoftchile/stepflow/pkg/memory"
)

// markerRe matches {{memory.<path>}} markers. The path is non-greedy and
// may not contain braces, so markers never nest.
var markerRe = regexp.MustCompile(`\{\{memory\.([^}]+)\}\}`)

// ErrUnresolvedVariable is wrapped by Substitute when a marker's path is
// not present in memory. Callers treat this as fatal to the step, before
// any process is launched.
var ErrUnresolvedVariable = fmt.Errorf("unresolved memory variable")

// Substitute replaces every {{memory.<path>}} marker in text with the
// stringified value at that path. The scan is a single pass over the
// input: substituted text is never re-scanned, so values containing
// marker-like text cannot trigger recursive expansion.
func Substitute(text string, mem memory.Map) (string, error) {
	var missing string
	out := markerRe.ReplaceAllStringFunc(text, func(marker string) string {
		path := marker[len("{{memory.") : len(marker)-len("}}")]
		value, ok := memory.Resolve(mem, path)
		if !ok {
			if missing == "" {
				missing = path
			}
			return marker
		}
		return Stringify(value)
	})
	if missing != "" {
		return "", fmt.Errorf("%w: memory.%s", ErrUnresolvedVariable, missing)
	}
	return out, nil
}

// Stringify renders a memory value for textual substitution.
// Scalars use their native string form, sequences join their stringified
// elements with single spaces (usable directly as shell arguments), and
// mappings render as compact JSON.
func Stringify(value any) string {
	switch v := value.(type) {
	case nil:
		return "null"
	case bool:
		return strconv.FormatBool(v)
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case []any:
		parts := make([]string, len(v))
		for i, elem := range v {
			parts[i] = Stringify(elem)
		}
		return strings.Join(parts, " ")
	case map[string]any:
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(data)
	default:
		return fmt.Sprintf("%v", v)
	}
}
