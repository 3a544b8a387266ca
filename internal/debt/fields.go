package debt

import (
	"encoding/json"
	"math"

	"codor/internal/domain"
)

func resultMap(ar domain.ActionResult) map[string]any {
	m, _ := ar.Result.(map[string]any)
	return m
}

func stringField(ar domain.ActionResult, key string) string {
	s, _ := resultMap(ar)[key].(string)
	return s
}

func intField(ar domain.ActionResult, key string) (int, bool) {
	switch n := resultMap(ar)[key].(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), n == math.Trunc(n)
	case json.Number:
		i, err := n.Int64()
		return int(i), err == nil
	}
	return 0, false
}

func succeeded(results []domain.ActionResult) []domain.ActionResult {
	out := make([]domain.ActionResult, 0, len(results))
	for _, ar := range results {
		if ar.Success {
			out = append(out, ar)
		}
	}
	return out
}
