package runtime

import (
	"encoding/json"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/ormasoftchile/stepflow/pkg/memory"
	"github.com/ormasoftchile/stepflow/pkg/schema"
)

// ApplyUpdates runs the step's extraction rules against the captured
// output and returns a modified copy of mem; the input is never touched.
// Rule failures are diagnostics only — each rule is applied
// independently, in order, and later rules may overwrite earlier ones
// targeting the same path. The second return reports whether any rule
// changed memory.
func ApplyUpdates(mem memory.Map, output string, rules []schema.UpdateRule, log *zap.SugaredLogger) (memory.Map, bool) {
	if len(rules) == 0 {
		return mem, false
	}

	updated := memory.Clone(mem)
	changed := false

	for _, rule := range rules {
		if !memory.ValidTarget(rule.Variable) {
			log.Warnw("memory update target does not match the memory.<path> grammar",
				"variable", rule.Variable)
			continue
		}
		path := memory.TargetPath(rule.Variable)

		switch {
		case rule.JSON != "":
			var parsed any
			if err := json.Unmarshal([]byte(strings.TrimSpace(output)), &parsed); err != nil {
				log.Warnw("JSON parsing failed for memory update",
					"variable", rule.Variable, "error", err.Error())
				continue
			}
			value, ok := memory.Resolve(parsed, rule.JSON)
			if !ok {
				log.Warnw("JSON path not found in output",
					"path", rule.JSON, "variable", rule.Variable)
				continue
			}
			memory.Assign(updated, path, value)
			changed = true
			log.Infow("memory updated", "source", "json", "path", path)

		case rule.Regex != "":
			re, err := regexp.Compile("(?ms)" + rule.Regex)
			if err != nil {
				log.Warnw("invalid memory update regex",
					"pattern", rule.Regex, "error", err.Error())
				continue
			}
			if re.NumSubexp() == 0 {
				log.Warnw("memory update regex has no capture group",
					"pattern", rule.Regex, "variable", rule.Variable)
				continue
			}
			loc := re.FindStringSubmatchIndex(output)
			if loc == nil {
				log.Warnw("memory update regex did not match output",
					"pattern", rule.Regex, "variable", rule.Variable)
				continue
			}
			// Group 1 may legitimately capture the empty string; only a
			// group that did not participate in the match is skipped.
			if loc[2] < 0 {
				log.Warnw("capture group did not participate in match",
					"pattern", rule.Regex, "variable", rule.Variable)
				continue
			}
			memory.Assign(updated, path, output[loc[2]:loc[3]])
			changed = true
			log.Infow("memory updated", "source", "regex", "path", path)
		}
	}

	return updated, changed
}
