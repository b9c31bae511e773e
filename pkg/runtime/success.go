package runtime

import (
	"encoding/json"
	"reflect"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/ormasoftchile/stepflow/pkg/memory"
	"github.com/ormasoftchile/stepflow/pkg/schema"
)

// EvaluateSuccess decides whether a step attempt passed. Strategies are
// tried in priority order: JSON path check if configured, else regex
// match, else bare exit code.
func EvaluateSuccess(exitCode int, output string, spec *schema.SuccessSpec, log *zap.SugaredLogger) bool {
	if spec != nil && spec.JSON != "" {
		var parsed any
		if err := json.Unmarshal([]byte(strings.TrimSpace(output)), &parsed); err != nil {
			// Fail closed: unparseable output cannot satisfy a JSON check.
			log.Warnw("JSON parsing failed for success validation", "error", err.Error())
			return false
		}
		value, ok := memory.Resolve(parsed, spec.JSON)
		if !ok {
			return false
		}
		if spec.Value != nil {
			return reflect.DeepEqual(normalizeJSON(spec.Value), value)
		}
		return true
	}

	if spec != nil && spec.Regex != "" {
		re, err := regexp.Compile("(?ms)" + spec.Regex)
		if err != nil {
			// Lenient by contract: an invalid pattern is a configuration
			// error reported out of band, and the evaluation degrades to
			// the exit-code check.
			log.Errorw("invalid success regex, falling back to exit code",
				"pattern", spec.Regex, "error", err.Error())
			return exitCode == 0
		}
		return re.MatchString(output)
	}

	return exitCode == 0
}

// validationType names the strategy a spec selects, for event reporting.
func validationType(spec *schema.SuccessSpec) string {
	switch {
	case spec != nil && spec.JSON != "":
		return "json"
	case spec != nil && spec.Regex != "":
		return "regex"
	default:
		return "exit_code"
	}
}

// normalizeJSON canonicalizes a document-sourced value to the types
// json.Unmarshal produces, so expected values decoded from YAML (int,
// map[string]any with int leaves) compare deep-equal against parsed
// output. Mismatched JSON types ("5" vs 5) still fail, by contract.
func normalizeJSON(v any) any {
	data, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return v
	}
	return out
}
