package analyzers

import (
	"encoding/json"
	"math"

	"codor/internal/domain"
)

func resultField(ar domain.ActionResult, key string) (any, bool) {
	m, ok := ar.Result.(map[string]any)
	if !ok {
		return nil, false
	}
	v, ok := m[key]
	return v, ok && v != nil
}

func stringField(ar domain.ActionResult, key string) (string, bool) {
	v, ok := resultField(ar, key)
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// intField accepts the numeric shapes a result map holds in memory or after a
// JSON roundtrip.
func intField(ar domain.ActionResult, key string) (int, bool) {
	v, ok := resultField(ar, key)
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		if n != math.Trunc(n) {
			return 0, false
		}
		return int(n), true
	case json.Number:
		i, err := n.Int64()
		return int(i), err == nil
	}
	return 0, false
}
