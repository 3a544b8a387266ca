package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"codor/internal/app"
	"codor/internal/engine"
	"codor/internal/evidence"
	"codor/internal/ledger"
	"codor/internal/logging"
	"codor/internal/repo"
	"codor/internal/spec"
)

// Config for the HTTP API handler.
type Config struct {
	EvidenceDir string
	// Ledger may be nil when the evidence directory has none; ledger and run
	// endpoints then answer 404.
	Ledger *ledger.Ledger
	// Runner enables POST /runs. Its metrics registry backs /metrics.
	Runner   *app.Runner
	Gatherer prometheus.Gatherer
	BasePath string
	Auth     AuthConfig
	Log      *zap.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"not_found"`
	Message string         `json:"message" example:"no task summary for task login"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

var errNoLedger = errors.New("no ledger in this evidence directory")

// New returns an HTTP handler exposing the evidence API.
func New(cfg Config) (http.Handler, error) {
	if cfg.EvidenceDir == "" {
		return nil, errors.New("evidence directory required")
	}
	cfg.Log = logging.OrNop(cfg.Log)
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Log))
	hcfg := huma.DefaultConfig("codor evidence API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	gatherer := cfg.Gatherer
	if gatherer == nil && cfg.Runner != nil {
		gatherer = cfg.Runner.Gatherer
	}
	if gatherer != nil {
		router.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}
	registerDocs(router, basePath)
	registerHealth(group)
	registerReports(group, cfg)
	registerLedger(group, cfg)
	registerRuns(group, cfg)
	registerOpenAPI(router, api, basePath)

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var serr *spec.SchemaError
	if errors.As(err, &serr) {
		return newAPIError(http.StatusUnprocessableEntity, "invalid_specification", "specification is invalid", map[string]any{"problems": serr.Problems})
	}
	if errors.Is(err, repo.ErrNotFound) || errors.Is(err, os.ErrNotExist) || errors.Is(err, errNoLedger) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "unknown task"),
		strings.Contains(lowered, "invalid") || strings.Contains(lowered, "required"):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var doc []byte
	docPath := path.Join(basePath, "openapi.json")
	r.Get(docPath, func(w http.ResponseWriter, r *http.Request) {
		if doc == nil {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			applyAuthSecurity(oas, basePath)
			doc, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(doc)
	})
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	for _, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if op.Responses == nil {
				op.Responses = map[string]*huma.Response{}
			}
			op.Responses["default"] = &huma.Response{
				Description: "Error",
				Content: map[string]*huma.MediaType{
					"application/json": {
						Schema: &huma.Schema{Ref: "#/components/schemas/ApiError"},
					},
				},
			}
		}
	}
}

func applyAuthSecurity(oas *huma.OpenAPI, basePath string) {
	if oas == nil {
		return
	}
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{
		Type:         "http",
		Scheme:       "bearer",
		BearerFormat: "JWT",
	}
	security := []map[string][]string{{"bearerAuth": {}}}
	oas.Security = security
	healthPath := path.Join(basePath, "health")
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if route == healthPath {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
		}
	}
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>codor evidence API</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({
          url: '%s',
          dom_id: '#swagger-ui'
        });
      };
    </script>
  </body>
</html>`, specURL)
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerReports(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "latest-report",
		Method:      http.MethodGet,
		Path:        "/reports/latest",
		Summary:     "Latest execution report",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]any `json:"body"`
	}, error) {
		rec, err := evidence.ReadRecord(filepath.Join(cfg.EvidenceDir, evidence.LatestReportFile))
		if err != nil {
			return nil, handleError(fmt.Errorf("no execution report: %w", err))
		}
		return &struct {
			Body map[string]any `json:"body"`
		}{Body: rec}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-task-summary",
		Method:      http.MethodGet,
		Path:        "/tasks/{task_id}",
		Summary:     "Task summary evidence",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TaskID string `path:"task_id"`
	}) (*struct {
		Body map[string]any `json:"body"`
	}, error) {
		c := evidence.Collector{Dir: cfg.EvidenceDir}
		rec, err := evidence.ReadRecord(c.TaskSummaryPath(input.TaskID))
		if err != nil {
			return nil, handleError(fmt.Errorf("no task summary for task %s: %w", input.TaskID, err))
		}
		return &struct {
			Body map[string]any `json:"body"`
		}{Body: rec}, nil
	})
}

func registerLedger(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "list-ledger-events",
		Method:      http.MethodGet,
		Path:        "/ledger/events",
		Summary:     "List ledger events in chain order",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		RunID  string `query:"run_id"`
		TaskID string `query:"task_id"`
		Type   string `query:"type" enum:"action.evidence,task.summary,run.report"`
		Limit  int    `query:"limit" default:"50"`
		Cursor int64  `query:"cursor" minimum:"0"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		if cfg.Ledger == nil {
			return nil, handleError(errNoLedger)
		}
		limit := normalizeLimit(input.Limit)
		items, err := cfg.Ledger.Repo.ListEvents(ctx, repo.EventFilters{
			RunID:  input.RunID,
			TaskID: input.TaskID,
			Type:   input.Type,
			After:  input.Cursor,
			Limit:  limit + 1,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: []LedgerEventResponse{}}
		if len(items) > limit {
			items = items[:limit]
			resp.NextCursor = fmt.Sprintf("%d", items[limit-1].Seq)
		}
		for _, evt := range items {
			resp.Items = append(resp.Items, ledgerEventResponse(evt))
		}
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "verify-ledger",
		Method:      http.MethodGet,
		Path:        "/ledger/verify",
		Summary:     "Re-hash the evidence files and check the ledger chain",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body VerifyResponse `json:"body"`
	}, error) {
		if cfg.Ledger == nil {
			return nil, handleError(errNoLedger)
		}
		rep, err := evidence.Verify(ctx, cfg.Ledger.Repo, cfg.EvidenceDir)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body VerifyResponse `json:"body"`
		}{Body: verifyResponse(rep)}, nil
	})
}

func registerRuns(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "list-runs",
		Method:      http.MethodGet,
		Path:        "/runs",
		Summary:     "List recorded runs, newest first",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Limit int `query:"limit" default:"20"`
	}) (*struct {
		Body []RunResponse `json:"body"`
	}, error) {
		if cfg.Ledger == nil {
			return nil, handleError(errNoLedger)
		}
		runs, err := cfg.Ledger.Repo.ListRuns(ctx, normalizeLimit(input.Limit))
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]RunResponse, 0, len(runs))
		for _, r := range runs {
			out = append(out, runResponse(r))
		}
		return &struct {
			Body []RunResponse `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-run",
		Method:      http.MethodGet,
		Path:        "/runs/{run_id}",
		Summary:     "Get one run",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		RunID string `path:"run_id"`
	}) (*struct {
		Body RunResponse `json:"body"`
	}, error) {
		if cfg.Ledger == nil {
			return nil, handleError(errNoLedger)
		}
		r, err := cfg.Ledger.Repo.GetRun(ctx, input.RunID)
		if err != nil {
			return nil, handleError(fmt.Errorf("run %s: %w", input.RunID, err))
		}
		return &struct {
			Body RunResponse `json:"body"`
		}{Body: runResponse(r)}, nil
	})

	if cfg.Runner == nil {
		return
	}
	huma.Register(api, huma.Operation{
		OperationID: "start-run",
		Method:      http.MethodPost,
		Path:        "/runs",
		Summary:     "Execute a specification from the server's filesystem",
		Description: "Runs synchronously; evidence is written to the served evidence directory.",
		Errors:      []int{http.StatusBadRequest, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		Body RunRequest
	}) (*struct {
		Body RunResultResponse `json:"body"`
	}, error) {
		if strings.TrimSpace(input.Body.SpecPath) == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "spec_path required", nil)
		}
		out, err := cfg.Runner.Run(ctx, app.RunOptions{
			SpecPath:      input.Body.SpecPath,
			EvidenceDir:   cfg.EvidenceDir,
			DryRun:        input.Body.DryRun,
			StopOnFailure: input.Body.StopOnFailure,
			Tasks:         input.Body.Tasks,
			Overrides:     input.Body.Overrides,
		})
		var ute *engine.UnknownTaskError
		if err != nil && (out.Results.RunID == "" || errors.As(err, &ute)) {
			return nil, handleError(err)
		}
		return &struct {
			Body RunResultResponse `json:"body"`
		}{Body: runResultResponse(out, err)}, nil
	})
}

func normalizeLimit(in int) int {
	if in <= 0 {
		return 50
	}
	if in > 500 {
		return 500
	}
	return in
}
