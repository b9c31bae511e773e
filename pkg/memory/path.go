// Package memory implements the tree-shaped key-value state threaded
// across workflow steps: dot-path navigation, layered initialization,
// deep copies for sub-workflow isolation, and memory-schema validation.
package memory

import (
	"strconv"
	"strings"
)

// Resolve walks a dot-separated path into a nested structure of maps,
// slices and scalars. Map segments are looked up by key; slice segments
// are parsed as non-negative integer indices and bounds-checked. The
// second return is false on any miss — callers decide whether a miss is
// fatal.
func Resolve(root any, path string) (any, bool) {
	current := root
	for _, seg := range strings.Split(path, ".") {
		switch node := current.(type) {
		case map[string]any:
			v, ok := node[seg]
			if !ok {
				return nil, false
			}
			current = v
		case []any:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(node) {
				return nil, false
			}
			current = node[idx]
		default:
			return nil, false
		}
	}
	return current, true
}

// Assign writes value at the dot-separated path inside root, creating
// missing intermediate segments as maps. Containers along the way are
// traversed (slices only when the segment is an in-range index); a
// segment that exists but cannot be traversed is overwritten, not
// merged. Assign never fails structurally (last-writer-wins).
func Assign(root map[string]any, path string, value any) {
	segs := strings.Split(path, ".")
	root[segs[0]] = assign(root[segs[0]], segs[1:], value)
}

func assign(node any, segs []string, value any) any {
	if len(segs) == 0 {
		return value
	}
	seg := segs[0]
	switch n := node.(type) {
	case map[string]any:
		n[seg] = assign(n[seg], segs[1:], value)
		return n
	case []any:
		if idx, err := strconv.Atoi(seg); err == nil && idx >= 0 && idx < len(n) {
			n[idx] = assign(n[idx], segs[1:], value)
			return n
		}
	}
	child := make(map[string]any)
	child[seg] = assign(nil, segs[1:], value)
	return child
}
