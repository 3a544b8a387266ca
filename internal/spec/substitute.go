package spec

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"
)

var (
	placeholderPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-([^}]*))?\}`)
	placeholderOnly    = regexp.MustCompile(`^\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-([^}]*))?\}$`)
)

const maxExpansionDepth = 8

// Vars is a merged variable scope used for placeholder expansion.
type Vars map[string]string

// Lookup resolves name, expanding placeholders nested in the value itself.
func (v Vars) Lookup(name string) (string, bool) {
	return v.lookup(name, 0)
}

func (v Vars) lookup(name string, depth int) (string, bool) {
	val, ok := v[name]
	if !ok {
		return "", false
	}
	if depth >= maxExpansionDepth || !strings.Contains(val, "${") {
		return val, true
	}
	return v.expandString(val, depth+1), true
}

func (v Vars) expandString(s string, depth int) string {
	return placeholderPattern.ReplaceAllStringFunc(s, func(m string) string {
		sub := placeholderPattern.FindStringSubmatch(m)
		if val, ok := v.lookup(sub[1], depth); ok {
			return val
		}
		if strings.Contains(m, ":-") {
			return sub[2]
		}
		return m
	})
}

// Substitute walks a decoded JSON tree and expands ${VAR} and ${VAR:-default}
// placeholders in every string value. A string that is exactly one
// placeholder resolving to a JSON number, boolean or null is replaced by that
// typed value. Unknown placeholders without a default are left as-is, so the
// operation is idempotent.
func Substitute(node any, vars Vars) any {
	switch n := node.(type) {
	case map[string]any:
		out := make(map[string]any, len(n))
		for k, v := range n {
			out[k] = Substitute(v, vars)
		}
		return out
	case []any:
		out := make([]any, len(n))
		for i, v := range n {
			out[i] = Substitute(v, vars)
		}
		return out
	case string:
		return substituteString(n, vars)
	default:
		return node
	}
}

func substituteString(s string, vars Vars) any {
	if !strings.Contains(s, "${") {
		return s
	}
	if m := placeholderOnly.FindStringSubmatch(s); m != nil {
		val, ok := vars.Lookup(m[1])
		if !ok {
			if !strings.Contains(s, ":-") {
				return s
			}
			val = m[2]
		}
		return typedScalar(val)
	}
	return vars.expandString(s, 0)
}

// typedScalar keeps numbers, booleans and null typed after substitution.
func typedScalar(val string) any {
	trimmed := strings.TrimSpace(val)
	switch trimmed {
	case "true":
		return true
	case "false":
		return false
	case "null":
		return nil
	}
	if trimmed != "" {
		if _, err := strconv.ParseFloat(trimmed, 64); err == nil && looksNumeric(trimmed) {
			return json.Number(trimmed)
		}
	}
	return val
}

// looksNumeric rejects forms ParseFloat accepts but JSON does not (Inf, NaN,
// hex, leading plus, leading zeros).
func looksNumeric(s string) bool {
	var tmp json.Number
	return json.Unmarshal([]byte(s), &tmp) == nil
}
