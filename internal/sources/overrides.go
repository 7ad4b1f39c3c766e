package sources

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// nonCaptureMarker marks a wildcard that matches without capturing.
const nonCaptureMarker = "?:*"

// PathOverrides rewrites authored-source URLs to filesystem paths using
// user-configured left→right patterns. Matching is deterministic: keys are
// tried longest first and the first match wins.
type PathOverrides struct {
	rules []overrideRule
}

type overrideRule struct {
	pattern     *regexp.Regexp
	replacement string
	captures    int
}

// CompileOverrides validates and compiles a sourceMapPathOverrides map.
// A key may contain at most one capturing `*`; `?:*` wildcards match
// without capturing. Replacement-side asterisks beyond the captured count
// are rejected.
func CompileOverrides(overrides map[string]string) (PathOverrides, error) {
	keys := make([]string, 0, len(overrides))
	for k := range overrides {
		keys = append(keys, k)
	}
	// Longest key first, on the normalised form so the non-capture marker
	// does not inflate a key's length.
	sort.Slice(keys, func(i, j int) bool {
		a := strings.ReplaceAll(keys[i], nonCaptureMarker, "*")
		b := strings.ReplaceAll(keys[j], nonCaptureMarker, "*")
		if len(a) != len(b) {
			return len(a) > len(b)
		}
		return keys[i] < keys[j]
	})

	var rules []overrideRule
	for _, key := range keys {
		rule, err := compileOverrideRule(key, overrides[key])
		if err != nil {
			return PathOverrides{}, err
		}
		rules = append(rules, rule)
	}
	return PathOverrides{rules: rules}, nil
}

func compileOverrideRule(key, value string) (overrideRule, error) {
	var re strings.Builder
	re.WriteString("^")

	captures := 0
	rest := key
	for rest != "" {
		switch {
		case strings.HasPrefix(rest, nonCaptureMarker):
			re.WriteString(".*?")
			rest = rest[len(nonCaptureMarker):]
		case rest[0] == '*':
			captures++
			if captures > 1 {
				return overrideRule{}, fmt.Errorf("sourceMapPathOverrides key %q has more than one capturing asterisk", key)
			}
			re.WriteString("(.*?)")
			rest = rest[1:]
		default:
			// Literal run up to the next wildcard. A '?' only matters as
			// part of the ?:* marker.
			next := len(rest)
			for i := 1; i < len(rest); i++ {
				if rest[i] == '*' || strings.HasPrefix(rest[i:], nonCaptureMarker) {
					next = i
					break
				}
			}
			re.WriteString(regexp.QuoteMeta(rest[:next]))
			rest = rest[next:]
		}
	}

	if captures == 0 && !strings.Contains(key, "*") {
		// A literal key matches itself or any path below it, and the
		// replacement keeps the suffix.
		re.WriteString(`([\\/].*)?`)
		captures = 1
		value += "*"
	}
	re.WriteString("$")

	if n := strings.Count(value, "*"); n > captures {
		return overrideRule{}, fmt.Errorf("sourceMapPathOverrides value %q uses %d asterisks but key %q captures %d", value, n, key, captures)
	}

	pattern, err := regexp.Compile(re.String())
	if err != nil {
		return overrideRule{}, fmt.Errorf("sourceMapPathOverrides key %q: %w", key, err)
	}
	return overrideRule{pattern: pattern, replacement: value, captures: captures}, nil
}

// Apply rewrites path using the first matching rule. Paths that match no
// rule are returned unchanged. Backslashes in rewritten results are
// normalised to forward slashes.
func (p PathOverrides) Apply(path string) string {
	for _, rule := range p.rules {
		m := rule.pattern.FindStringSubmatch(path)
		if m == nil {
			continue
		}
		result := rule.replacement
		for i := 1; i < len(m); i++ {
			result = strings.Replace(result, "*", m[i], 1)
		}
		return strings.ReplaceAll(result, "\\", "/")
	}
	return path
}

// Empty reports whether no rules are configured.
func (p PathOverrides) Empty() bool {
	return len(p.rules) == 0
}
