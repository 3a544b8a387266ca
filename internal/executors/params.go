// Package executors contains the built-in action executors.
package executors

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"codor/internal/domain"
)

// ParamError reports a missing or malformed action parameter.
type ParamError struct {
	Param  string
	Reason string
}

func (e *ParamError) Error() string {
	return fmt.Sprintf("invalid parameter %q: %s", e.Param, e.Reason)
}

type params map[string]any

func (p params) has(key string) bool {
	v, ok := p[key]
	return ok && v != nil
}

func (p params) requireString(key string) (string, error) {
	s, err := p.str(key, "")
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(s) == "" {
		return "", &ParamError{Param: key, Reason: "required"}
	}
	return s, nil
}

func (p params) str(key, def string) (string, error) {
	v, ok := p[key]
	if !ok || v == nil {
		return def, nil
	}
	switch t := v.(type) {
	case string:
		return t, nil
	case json.Number:
		return t.String(), nil
	case bool:
		return strconv.FormatBool(t), nil
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), nil
	case int:
		return strconv.Itoa(t), nil
	}
	return "", &ParamError{Param: key, Reason: fmt.Sprintf("expected string, got %T", v)}
}

// firstString returns the first present key among aliases.
func (p params) firstString(def string, keys ...string) (string, error) {
	for _, k := range keys {
		if p.has(k) {
			return p.str(k, def)
		}
	}
	return def, nil
}

func (p params) integer(key string, def int64) (int64, error) {
	v, ok := p[key]
	if !ok || v == nil {
		return def, nil
	}
	n, ok := toInt(v)
	if !ok {
		return 0, &ParamError{Param: key, Reason: fmt.Sprintf("expected integer, got %v", v)}
	}
	return n, nil
}

func (p params) boolean(key string, def bool) (bool, error) {
	v, ok := p[key]
	if !ok || v == nil {
		return def, nil
	}
	switch t := v.(type) {
	case bool:
		return t, nil
	case string:
		b, err := strconv.ParseBool(t)
		if err == nil {
			return b, nil
		}
	}
	return false, &ParamError{Param: key, Reason: fmt.Sprintf("expected boolean, got %v", v)}
}

func (p params) stringMap(key string) (map[string]string, error) {
	v, ok := p[key]
	if !ok || v == nil {
		return nil, nil
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil, &ParamError{Param: key, Reason: "expected object"}
	}
	out := make(map[string]string, len(m))
	for k, val := range m {
		s, err := params(m).str(k, "")
		if err != nil {
			return nil, &ParamError{Param: key + "." + k, Reason: fmt.Sprintf("expected string, got %T", val)}
		}
		out[k] = s
	}
	return out, nil
}

// stringList accepts a list or a single string.
func (p params) stringList(key string) ([]string, error) {
	v, ok := p[key]
	if !ok || v == nil {
		return nil, nil
	}
	switch t := v.(type) {
	case string:
		return []string{t}, nil
	case []any:
		out := make([]string, 0, len(t))
		for i, el := range t {
			s, err := params{"v": el}.str("v", "")
			if err != nil {
				return nil, &ParamError{Param: fmt.Sprintf("%s[%d]", key, i), Reason: "expected string"}
			}
			out = append(out, s)
		}
		return out, nil
	case []string:
		return t, nil
	}
	return nil, &ParamError{Param: key, Reason: "expected list of strings"}
}

func (p params) intList(key string) ([]int64, error) {
	v, ok := p[key]
	if !ok || v == nil {
		return nil, nil
	}
	if list, ok := v.([]any); ok {
		out := make([]int64, 0, len(list))
		for _, el := range list {
			n, ok := toInt(el)
			if !ok {
				return nil, &ParamError{Param: key, Reason: fmt.Sprintf("expected integer, got %v", el)}
			}
			out = append(out, n)
		}
		return out, nil
	}
	n, ok := toInt(v)
	if !ok {
		return nil, &ParamError{Param: key, Reason: fmt.Sprintf("expected integer or list, got %v", v)}
	}
	return []int64{n}, nil
}

func toInt(v any) (int64, bool) {
	switch t := v.(type) {
	case json.Number:
		if n, err := t.Int64(); err == nil {
			return n, true
		}
		f, err := t.Float64()
		if err != nil || f != float64(int64(f)) {
			return 0, false
		}
		return int64(f), true
	case int:
		return int64(t), true
	case int64:
		return t, true
	case float64:
		if t != float64(int64(t)) {
			return 0, false
		}
		return int64(t), true
	case string:
		n, err := strconv.ParseInt(strings.TrimSpace(t), 10, 64)
		return n, err == nil
	}
	return 0, false
}

// resolvePath joins relative paths onto the workspace root.
func resolvePath(global domain.GlobalConfiguration, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	base := global.WorkspaceRoot
	if base == "" {
		return p
	}
	return filepath.Join(base, p)
}

// mergedEnv layers the specification environment and per-action variables
// over base, in that order.
func mergedEnv(base []string, layers ...map[string]string) []string {
	env := map[string]string{}
	var order []string
	set := func(k, v string) {
		if _, ok := env[k]; !ok {
			order = append(order, k)
		}
		env[k] = v
	}
	for _, kv := range base {
		if k, v, ok := strings.Cut(kv, "="); ok {
			set(k, v)
		}
	}
	for _, layer := range layers {
		keys := make([]string, 0, len(layer))
		for k := range layer {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			set(k, layer[k])
		}
	}
	out := make([]string, 0, len(order))
	for _, k := range order {
		out = append(out, k+"="+env[k])
	}
	return out
}

// truncate caps captured text.
func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "...[truncated]"
}
