package spec_test

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"codor/internal/domain"
	"codor/internal/spec"
)

var fixedNow = func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) }

func environ(kv ...string) func() []string {
	return func() []string { return kv }
}

// baseDoc is the smallest valid document; cases mutate a fresh copy.
func baseDoc() map[string]any {
	return map[string]any{
		"schemaVersion":       "1.0",
		"globalConfiguration": map[string]any{},
		"tasks": map[string]any{
			"login": map[string]any{
				"title": "Login",
				"testExecution": map[string]any{
					"steps": []any{
						map[string]any{"actionId": "open", "type": "http_request", "parameters": map[string]any{"url": "http://x"}},
					},
				},
				"validationCriteria": map[string]any{
					"successConditions": []any{map[string]any{"condition": "all steps succeeded"}},
				},
			},
		},
	}
}

func task(doc map[string]any, id string) map[string]any {
	return doc["tasks"].(map[string]any)[id].(map[string]any)
}

func parseDoc(t *testing.T, doc map[string]any, opts spec.Options) (*domain.TestSpecification, error) {
	t.Helper()
	data, err := json.Marshal(doc)
	require.NoError(t, err)
	if opts.Environ == nil {
		opts.Environ = environ()
	}
	if opts.Now == nil {
		opts.Now = fixedNow
	}
	if opts.BaseDir == "" {
		opts.BaseDir = t.TempDir()
	}
	return spec.Parse(data, spec.FormatJSON, opts)
}

func TestSubstituteKeepsScalarTypes(t *testing.T) {
	vars := spec.Vars{
		"N":     "42",
		"F":     "1.5",
		"B":     "true",
		"Z":     "null",
		"S":     "hello",
		"HEX":   "0x10",
		"REF":   "${N}x",
		"EMPTY": "",
	}
	cases := []struct {
		name string
		in   string
		want any
	}{
		{name: "integer", in: "${N}", want: json.Number("42")},
		{name: "float", in: "${F}", want: json.Number("1.5")},
		{name: "bool", in: "${B}", want: true},
		{name: "null", in: "${Z}", want: nil},
		{name: "plain string", in: "${S}", want: "hello"},
		{name: "not json number", in: "${HEX}", want: "0x10"},
		{name: "empty value", in: "${EMPTY}", want: ""},
		{name: "embedded number", in: "v${N}", want: "v42"},
		{name: "embedded bool", in: "${B}-${N}", want: "true-42"},
		{name: "nested reference", in: "${REF}", want: "42x"},
		{name: "unknown left verbatim", in: "${MISSING}", want: "${MISSING}"},
		{name: "unknown embedded", in: "a-${MISSING}-b", want: "a-${MISSING}-b"},
		{name: "default used", in: "${MISSING:-dflt}", want: "dflt"},
		{name: "typed default", in: "${MISSING:-7}", want: json.Number("7")},
		{name: "empty default", in: "x${MISSING:-}y", want: "xy"},
		{name: "default ignored when set", in: "${N:-9}", want: json.Number("42")},
		{name: "no placeholder", in: "plain $N", want: "plain $N"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, spec.Substitute(tc.in, vars))
		})
	}
}

func TestSubstituteIsIdempotent(t *testing.T) {
	vars := spec.Vars{"HOST": "example.test", "PORT": "8080", "DEBUG": "false"}
	tree := map[string]any{
		"url":   "http://${HOST}:${PORT}/",
		"port":  "${PORT}",
		"debug": "${DEBUG}",
		"token": "${TOKEN}",
		"list":  []any{"${HOST}", "${UNSET:-none}", json.Number("3"), nil},
	}
	once := spec.Substitute(tree, vars)
	twice := spec.Substitute(once, vars)
	assert.Equal(t, once, twice)

	m := once.(map[string]any)
	assert.Equal(t, "http://example.test:8080/", m["url"])
	assert.Equal(t, json.Number("8080"), m["port"])
	assert.Equal(t, false, m["debug"])
	assert.Equal(t, "${TOKEN}", m["token"])
	assert.Equal(t, []any{"example.test", "none", json.Number("3"), nil}, m["list"])
}

func TestParseVariablePrecedence(t *testing.T) {
	doc := baseDoc()
	doc["globalConfiguration"] = map[string]any{
		"environment": map[string]any{
			"FROM_SPEC":    "spec",
			"FROM_ENV":     "spec",
			"FROM_OVR":     "spec",
			"EVIDENCE_DIR": "custom-evidence",
		},
	}
	task(doc, "login")["testExecution"].(map[string]any)["steps"].([]any)[0].(map[string]any)["parameters"] = map[string]any{
		"chain":    "${FROM_SPEC}/${FROM_ENV}/${FROM_OVR}",
		"evidence": "${EVIDENCE_DIR}",
		"stamp":    "${TIMESTAMP}",
		"specDir":  "${SPEC_DIR}",
	}
	base := t.TempDir()

	got, err := parseDoc(t, doc, spec.Options{
		BaseDir:   base,
		Environ:   environ("FROM_ENV=env", "FROM_OVR=env", "IGNORED"),
		Overrides: map[string]string{"FROM_OVR": "override"},
	})
	require.NoError(t, err)
	params := got.Tasks["login"].Steps[0].Parameters
	assert.Equal(t, "spec/env/override", params["chain"])
	assert.Equal(t, "custom-evidence", params["evidence"], "spec environment beats computed defaults")
	assert.Equal(t, "20260102T030405Z", params["stamp"])
	assert.Equal(t, base, params["specDir"])
	assert.Equal(t, base, got.GlobalConfiguration.WorkspaceRoot)
}

func TestParseSchemaErrors(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(doc map[string]any)
		want   string
	}{
		{
			name:   "missing schemaVersion",
			mutate: func(doc map[string]any) { delete(doc, "schemaVersion") },
			want:   "schemaVersion is required",
		},
		{
			name:   "missing globalConfiguration",
			mutate: func(doc map[string]any) { delete(doc, "globalConfiguration") },
			want:   "globalConfiguration is required",
		},
		{
			name:   "empty tasks",
			mutate: func(doc map[string]any) { doc["tasks"] = map[string]any{} },
			want:   "at least one task",
		},
		{
			name: "no steps",
			mutate: func(doc map[string]any) {
				task(doc, "login")["testExecution"] = map[string]any{"steps": []any{}}
			},
			want: "testExecution.steps must contain at least one action",
		},
		{
			name:   "no validationCriteria",
			mutate: func(doc map[string]any) { delete(task(doc, "login"), "validationCriteria") },
			want:   "validationCriteria is required",
		},
		{
			name: "duplicate actionId across phases",
			mutate: func(doc map[string]any) {
				exec := task(doc, "login")["testExecution"].(map[string]any)
				exec["cleanup"] = []any{map[string]any{"actionId": "open", "type": "file_operation"}}
			},
			want: "duplicate actionId open",
		},
		{
			name: "actionIds sharing an evidence file",
			mutate: func(doc map[string]any) {
				exec := task(doc, "login")["testExecution"].(map[string]any)
				exec["steps"] = []any{
					map[string]any{"actionId": "a/b", "type": "http_request"},
					map[string]any{"actionId": "a_b", "type": "http_request"},
				}
			},
			want: "actionIds a/b and a_b map to the same evidence file",
		},
		{
			name: "task ids sharing an evidence directory",
			mutate: func(doc map[string]any) {
				doc["tasks"].(map[string]any)["log in"] = baseDoc()["tasks"].(map[string]any)["login"]
				doc["tasks"].(map[string]any)["log_in"] = baseDoc()["tasks"].(map[string]any)["login"]
			},
			want: "map to the same evidence directory log_in",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			doc := baseDoc()
			tc.mutate(doc)
			_, err := parseDoc(t, doc, spec.Options{})
			var serr *spec.SchemaError
			require.ErrorAs(t, err, &serr)
			assert.Contains(t, strings.Join(serr.Problems, "\n"), tc.want)
		})
	}
}

func TestParseAllowsSanitizedIDsInDifferentActionTypes(t *testing.T) {
	doc := baseDoc()
	task(doc, "login")["testExecution"].(map[string]any)["steps"] = []any{
		map[string]any{"actionId": "a/b", "type": "http_request"},
		map[string]any{"actionId": "a_b", "type": "file_operation"},
	}
	_, err := parseDoc(t, doc, spec.Options{})
	require.NoError(t, err)
}

func TestParseKeepsTaskOrder(t *testing.T) {
	jsonDoc := `{
  "schemaVersion": "1.0",
  "globalConfiguration": {},
  "tasks": {
    "zeta":  {"testExecution": {"steps": [{"actionId": "s", "type": "t"}]}, "validationCriteria": {}},
    "alpha": {"testExecution": {"steps": [{"actionId": "s", "type": "t"}]}, "validationCriteria": {}},
    "mid":   {"testExecution": {"steps": [{"actionId": "s", "type": "t"}]}, "validationCriteria": {}}
  }
}`
	yamlDoc := `
schemaVersion: "1.0"
globalConfiguration: {}
tasks:
  zeta:
    testExecution:
      steps: [{actionId: s, type: t}]
    validationCriteria: {}
  alpha:
    testExecution:
      steps: [{actionId: s, type: t}]
    validationCriteria: {}
  mid:
    testExecution:
      steps: [{actionId: s, type: t}]
    validationCriteria: {}
`
	cases := []struct {
		format spec.Format
		data   string
	}{
		{format: spec.FormatJSON, data: jsonDoc},
		{format: spec.FormatYAML, data: yamlDoc},
	}
	for _, tc := range cases {
		t.Run(string(tc.format), func(t *testing.T) {
			got, err := spec.Parse([]byte(tc.data), tc.format, spec.Options{
				BaseDir: t.TempDir(),
				Environ: environ(),
				Now:     fixedNow,
			})
			require.NoError(t, err)
			assert.Equal(t, []string{"zeta", "alpha", "mid"}, got.TaskOrder)
			assert.Equal(t, "zeta", got.Tasks["zeta"].Title, "title defaults to the task id")
		})
	}
}

func TestWholePlaceholderInStringFieldsStaysString(t *testing.T) {
	data := []byte(`{
  "schemaVersion": "1.0",
  "globalConfiguration": {},
  "tasks": {
    "build": {
      "title": "${BUILD}",
      "description": "${COND}",
      "testExecution": {
        "steps": [{
          "actionId": "${BUILD}",
          "type": "http_request",
          "description": "${COND}",
          "timeout": "${BUILD}",
          "parameters": {"count": "${BUILD}", "verbose": "${COND}", "label": "v${BUILD}"}
        }]
      },
      "validationCriteria": {
        "successConditions": [{"condition": "${COND}", "description": "${BUILD}"}]
      },
      "completionCriteria": {"allStepsMustPass": "${COND}", "requiredEvidence": ["${BUILD}"]}
    }
  }
}`)
	got, err := spec.Parse(data, spec.FormatJSON, spec.Options{
		BaseDir: t.TempDir(),
		Environ: environ("BUILD=42", "COND=true"),
		Now:     fixedNow,
	})
	require.NoError(t, err)

	tk := got.Tasks["build"]
	assert.Equal(t, "42", tk.Title)
	assert.Equal(t, "true", tk.Description)
	require.Len(t, tk.Steps, 1)
	step := tk.Steps[0]
	assert.Equal(t, "42", step.ActionID)
	assert.Equal(t, "true", step.Description)
	assert.Equal(t, []domain.SuccessCondition{{Condition: "true", Description: "42"}}, tk.ValidationCriteria.SuccessConditions)
	assert.Equal(t, []string{"42"}, tk.CompletionCriteria.RequiredEvidence)

	// Typed fields keep the substituted type.
	assert.Equal(t, int64(42), step.Timeout)
	assert.True(t, tk.CompletionCriteria.AllStepsMustPass)
	assert.Equal(t, json.Number("42"), step.Parameters["count"])
	assert.Equal(t, true, step.Parameters["verbose"])
	assert.Equal(t, "v42", step.Parameters["label"])
}
