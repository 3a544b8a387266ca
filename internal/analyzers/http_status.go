package analyzers

import (
	"context"
	"fmt"

	"codor/internal/domain"
)

// HTTPStatus classifies failed HTTP_REQUEST actions by response status code.
// It returns nil when the failure did not involve an HTTP response.
type HTTPStatus struct{}

func NewHTTPStatus() *HTTPStatus { return &HTTPStatus{} }

func (a *HTTPStatus) Name() string  { return "http-status-analyzer" }
func (a *HTTPStatus) Priority() int { return 50 }

func (a *HTTPStatus) Analyze(_ context.Context, results []domain.ActionResult, _ string, _ domain.Task) (*domain.FailureAnalysisResult, error) {
	for _, ar := range results {
		if ar.Success || ar.Type != domain.ActionHTTPRequest {
			continue
		}
		code, ok := intField(ar, "statusCode")
		if !ok {
			continue
		}
		category, reason, remediation := classifyStatus(code)
		if category == "" {
			continue
		}
		method, _ := stringField(ar, "method")
		url, _ := stringField(ar, "url")
		item := fmt.Sprintf("%s %s returned %d", method, url, code)
		frag := ar.Error
		if frag == "" {
			frag = item
		}
		return &domain.FailureAnalysisResult{
			Analyzer:      a.Name(),
			Category:      category,
			Reason:        reason,
			BlockingItems: []string{ar.ActionID + ": " + item},
			Remediation:   remediation,
			Confidence:    0.9,
			Evidence: domain.FailureEvidence{
				ActionID:      ar.ActionID,
				ActionType:    ar.Type,
				Phase:         ar.Phase,
				ErrorFragment: fragment(frag, nil),
			},
		}, nil
	}
	return nil, nil
}

func classifyStatus(code int) (category, reason, remediation string) {
	switch {
	case code == 401 || code == 403:
		return domain.CategoryAuthenticationError,
			fmt.Sprintf("The endpoint rejected the request with status %d", code),
			"Send valid credentials or grant the caller the required role"
	case code == 404 || code == 501:
		return domain.CategoryIncompleteImplementation,
			fmt.Sprintf("The endpoint is not implemented (status %d)", code),
			"Implement the route or handler the request targets"
	case code >= 500 && code <= 599:
		return domain.CategoryRuntimeError,
			fmt.Sprintf("The server failed while handling the request (status %d)", code),
			"Check the server logs for the failing handler"
	case code >= 400 && code <= 499:
		return domain.CategoryValidationFailure,
			fmt.Sprintf("The server rejected the request (status %d)", code),
			"Compare the request payload with what the endpoint accepts"
	}
	return "", "", ""
}
