package debt

import (
	"context"
	"fmt"
	"strings"

	"codor/internal/domain"
)

var genericErrorPhrases = []string{
	"internal server error",
	"something went wrong",
	"an error occurred",
	"unexpected error",
}

// ResponseQuality inspects successful HTTP responses for missing metadata
// and for 2xx bodies that are really error payloads.
type ResponseQuality struct{}

func NewResponseQuality() *ResponseQuality { return &ResponseQuality{} }

func (d *ResponseQuality) Name() string  { return "response-quality-detector" }
func (d *ResponseQuality) Priority() int { return 80 }

func (d *ResponseQuality) Analyze(_ context.Context, results []domain.ActionResult, _ domain.Task) ([]domain.TechnicalDebtItem, error) {
	items := []domain.TechnicalDebtItem{}
	for _, ar := range succeeded(results) {
		if ar.Type != domain.ActionHTTPRequest || resultMap(ar) == nil {
			continue
		}
		code, _ := intField(ar, "statusCode")
		body := stringField(ar, "body")

		if code != 204 && code != 304 && strings.TrimSpace(body) != "" && stringField(ar, "contentType") == "" {
			items = append(items, domain.TechnicalDebtItem{
				Detector:       d.Name(),
				Category:       domain.DebtMissingMetadata,
				Severity:       domain.SeverityLow,
				ActionID:       ar.ActionID,
				Description:    fmt.Sprintf("response of %s has a body but no Content-Type header", ar.ActionID),
				Recommendation: "Set an explicit Content-Type on every response with a body",
				Evidence:       map[string]any{"statusCode": code},
			})
		}

		if code >= 200 && code < 300 {
			if marker, ok := genericError(ar, body); ok {
				items = append(items, domain.TechnicalDebtItem{
					Detector:       d.Name(),
					Category:       domain.DebtGenericErrorResponse,
					Severity:       domain.SeverityMedium,
					ActionID:       ar.ActionID,
					Description:    fmt.Sprintf("response of %s has status %d but its body reports an error", ar.ActionID, code),
					Recommendation: "Return a non-2xx status with a specific error message when the request fails",
					Evidence:       map[string]any{"statusCode": code, "marker": marker},
				})
			}
		}
	}
	return items, nil
}

func genericError(ar domain.ActionResult, body string) (string, bool) {
	if obj, ok := resultMap(ar)["json"].(map[string]any); ok {
		if v, ok := obj["error"]; ok && v != nil && v != false && v != "" {
			return `"error" key`, true
		}
	}
	lower := strings.ToLower(body)
	for _, p := range genericErrorPhrases {
		if strings.Contains(lower, p) {
			return p, true
		}
	}
	return "", false
}
