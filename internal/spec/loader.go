// Package spec loads and validates test specification documents.
package spec

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"codor/internal/domain"
)

type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

// Options control loading. Zero value is usable.
type Options struct {
	// Overrides take precedence over the process environment.
	Overrides map[string]string
	// BaseDir resolves relative workspace and evidence paths. Load sets it to
	// the directory of the specification file.
	BaseDir string
	// Environ defaults to os.Environ.
	Environ func() []string
	Now     func() time.Time
}

// FormatFor picks the document format from a file extension.
func FormatFor(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML
	}
	return FormatJSON
}

// Load reads, validates and expands the specification at path.
func Load(path string, opts Options) (*domain.TestSpecification, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &SchemaError{Path: path, Problems: []string{"file not found"}}
		}
		return nil, fmt.Errorf("read specification: %w", err)
	}
	if opts.BaseDir == "" {
		abs, err := filepath.Abs(path)
		if err != nil {
			return nil, err
		}
		opts.BaseDir = filepath.Dir(abs)
	}
	spec, err := parse(path, data, FormatFor(path), opts)
	if err != nil {
		return nil, err
	}
	return spec, nil
}

// Parse decodes an in-memory specification document.
func Parse(data []byte, format Format, opts Options) (*domain.TestSpecification, error) {
	return parse("", data, format, opts)
}

func parse(path string, data []byte, format Format, opts Options) (*domain.TestSpecification, error) {
	doc, order, err := decodeDocument(data, format)
	if err != nil {
		return nil, &SchemaError{Path: path, Problems: []string{err.Error()}}
	}
	if err := validateDocument(path, doc, order); err != nil {
		return nil, err
	}
	vars := mergedVars(doc, opts)
	expanded, ok := Substitute(doc, vars).(map[string]any)
	if !ok {
		return nil, &SchemaError{Path: path, Problems: []string{"document root must be an object"}}
	}
	spec, err := toSpecification(expanded, order)
	if err != nil {
		return nil, &SchemaError{Path: path, Problems: []string{err.Error()}}
	}
	resolvePaths(spec, opts.BaseDir)
	return spec, nil
}

// decodeDocument returns the generic document tree (numbers as json.Number)
// and the declaration order of the task ids.
func decodeDocument(data []byte, format Format) (map[string]any, []string, error) {
	if format == FormatYAML {
		var root yaml.Node
		if err := yaml.Unmarshal(data, &root); err != nil {
			return nil, nil, fmt.Errorf("invalid yaml: %w", err)
		}
		order := yamlTaskOrder(&root)
		var generic any
		if err := root.Decode(&generic); err != nil {
			return nil, nil, fmt.Errorf("invalid yaml: %w", err)
		}
		converted, err := json.Marshal(normalizeYAML(generic))
		if err != nil {
			return nil, nil, fmt.Errorf("convert yaml: %w", err)
		}
		doc, _, err := decodeDocument(converted, FormatJSON)
		return doc, order, err
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var doc map[string]any
	if err := dec.Decode(&doc); err != nil {
		return nil, nil, fmt.Errorf("invalid json: %w", err)
	}
	if doc == nil {
		return nil, nil, errors.New("document root must be an object")
	}
	order, err := jsonTaskOrder(data)
	if err != nil {
		return nil, nil, err
	}
	return doc, order, nil
}

func jsonTaskOrder(data []byte) ([]string, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	if _, err := dec.Token(); err != nil {
		return nil, err
	}
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		key, _ := tok.(string)
		if key != "tasks" {
			var skip json.RawMessage
			if err := dec.Decode(&skip); err != nil {
				return nil, err
			}
			continue
		}
		open, err := dec.Token()
		if err != nil {
			return nil, err
		}
		if d, ok := open.(json.Delim); !ok || d != '{' {
			return nil, nil
		}
		var order []string
		for dec.More() {
			tok, err := dec.Token()
			if err != nil {
				return nil, err
			}
			order = append(order, tok.(string))
			var skip json.RawMessage
			if err := dec.Decode(&skip); err != nil {
				return nil, err
			}
		}
		return order, nil
	}
	return nil, nil
}

func yamlTaskOrder(root *yaml.Node) []string {
	n := root
	if n.Kind == yaml.DocumentNode && len(n.Content) > 0 {
		n = n.Content[0]
	}
	if n.Kind != yaml.MappingNode {
		return nil
	}
	for i := 0; i+1 < len(n.Content); i += 2 {
		if n.Content[i].Value != "tasks" || n.Content[i+1].Kind != yaml.MappingNode {
			continue
		}
		tasks := n.Content[i+1]
		order := make([]string, 0, len(tasks.Content)/2)
		for j := 0; j+1 < len(tasks.Content); j += 2 {
			order = append(order, tasks.Content[j].Value)
		}
		return order
	}
	return nil
}

// normalizeYAML turns map[any]any into map[string]any so the tree can be
// re-encoded as JSON.
func normalizeYAML(v any) any {
	switch t := v.(type) {
	case map[string]any:
		for k, val := range t {
			t[k] = normalizeYAML(val)
		}
		return t
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[fmt.Sprint(k)] = normalizeYAML(val)
		}
		return out
	case []any:
		for i, val := range t {
			t[i] = normalizeYAML(val)
		}
		return t
	}
	return v
}

// mergedVars builds the substitution scope: overrides > process environment >
// specification environment > computed defaults.
func mergedVars(doc map[string]any, opts Options) Vars {
	vars := Vars{}
	now := time.Now
	if opts.Now != nil {
		now = opts.Now
	}
	baseDir := opts.BaseDir
	if baseDir == "" {
		baseDir, _ = os.Getwd()
	}
	global, _ := doc["globalConfiguration"].(map[string]any)
	workspace := baseDir
	if ws, ok := global["workspaceRoot"].(string); ok && ws != "" && !strings.Contains(ws, "${") {
		workspace = absJoin(baseDir, ws)
	}
	evidence := filepath.Join(workspace, "evidence")
	if ev, ok := global["evidenceDirectory"].(string); ok && ev != "" && !strings.Contains(ev, "${") {
		evidence = absJoin(workspace, ev)
	}
	vars["SPEC_DIR"] = baseDir
	vars["WORKSPACE_ROOT"] = workspace
	vars["PROJECT_ROOT"] = workspace
	vars["EVIDENCE_DIRECTORY"] = evidence
	vars["EVIDENCE_DIR"] = evidence
	vars["TIMESTAMP"] = now().UTC().Format("20060102T150405Z")

	if env, ok := global["environment"].(map[string]any); ok {
		for k, v := range env {
			vars[k] = scalarString(v)
		}
	}
	environ := os.Environ
	if opts.Environ != nil {
		environ = opts.Environ
	}
	for _, kv := range environ() {
		if k, v, ok := strings.Cut(kv, "="); ok && k != "" {
			vars[k] = v
		}
	}
	for k, v := range opts.Overrides {
		vars[k] = v
	}
	return vars
}

func scalarString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case nil:
		return ""
	case json.Number:
		return t.String()
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(b)
}

type docAction = domain.Action

type docTask struct {
	Title         string `json:"title"`
	Description   string `json:"description"`
	Timeout       int64  `json:"timeout"`
	TestExecution struct {
		Prerequisites []docAction `json:"prerequisites"`
		Steps         []docAction `json:"steps"`
		Cleanup       []docAction `json:"cleanup"`
	} `json:"testExecution"`
	ValidationCriteria domain.ValidationCriteria `json:"validationCriteria"`
	CompletionCriteria domain.CompletionCriteria `json:"completionCriteria"`
}

type docSpec struct {
	SchemaVersion       json.RawMessage            `json:"schemaVersion"`
	Metadata            map[string]any             `json:"metadata"`
	GlobalConfiguration domain.GlobalConfiguration `json:"globalConfiguration"`
	Tasks               map[string]docTask         `json:"tasks"`
}

func toSpecification(doc map[string]any, order []string) (*domain.TestSpecification, error) {
	coerceStringFields(doc)
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}
	var ds docSpec
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&ds); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("decode specification: %w", err)
	}
	spec := &domain.TestSpecification{
		SchemaVersion:       schemaVersionString(ds.SchemaVersion),
		Metadata:            ds.Metadata,
		GlobalConfiguration: ds.GlobalConfiguration,
		Tasks:               make(map[string]domain.Task, len(ds.Tasks)),
	}
	if len(order) != len(ds.Tasks) {
		order = nil
		for id := range ds.Tasks {
			order = append(order, id)
		}
		sort.Strings(order)
	}
	for _, id := range order {
		dt := ds.Tasks[id]
		t := domain.Task{
			ID:                 id,
			Title:              dt.Title,
			Description:        dt.Description,
			Timeout:            dt.Timeout,
			Prerequisites:      dt.TestExecution.Prerequisites,
			Steps:              dt.TestExecution.Steps,
			Cleanup:            dt.TestExecution.Cleanup,
			ValidationCriteria: dt.ValidationCriteria,
			CompletionCriteria: dt.CompletionCriteria,
		}
		if t.Title == "" {
			t.Title = id
		}
		spec.Tasks[id] = t
	}
	spec.TaskOrder = order
	return spec, nil
}

// coerceStringFields undoes type-preserving substitution where the target
// field is string typed. Parameters, timeouts and flags keep their types.
func coerceStringFields(doc map[string]any) {
	if global, ok := doc["globalConfiguration"].(map[string]any); ok {
		stringify(global, "workspaceRoot", "evidenceDirectory")
		if env, ok := global["environment"].(map[string]any); ok {
			for k, v := range env {
				env[k] = scalarString(v)
			}
		}
	}
	tasks, _ := doc["tasks"].(map[string]any)
	for _, raw := range tasks {
		task, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		stringify(task, "title", "description")
		if exec, ok := task["testExecution"].(map[string]any); ok {
			for _, phase := range []string{"prerequisites", "steps", "cleanup"} {
				actions, _ := exec[phase].([]any)
				for _, a := range actions {
					if action, ok := a.(map[string]any); ok {
						stringify(action, "actionId", "type", "description")
					}
				}
			}
		}
		if vc, ok := task["validationCriteria"].(map[string]any); ok {
			conds, _ := vc["successConditions"].([]any)
			for _, c := range conds {
				if cond, ok := c.(map[string]any); ok {
					stringify(cond, "condition", "description")
				}
			}
		}
		if cc, ok := task["completionCriteria"].(map[string]any); ok {
			if ids, ok := cc["requiredEvidence"].([]any); ok {
				for i, id := range ids {
					if id != nil {
						ids[i] = scalarString(id)
					}
				}
			}
		}
	}
}

func stringify(m map[string]any, keys ...string) {
	for _, key := range keys {
		if v, present := m[key]; present && v != nil {
			m[key] = scalarString(v)
		}
	}
}

func schemaVersionString(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return strings.TrimSpace(string(raw))
}

func resolvePaths(spec *domain.TestSpecification, baseDir string) {
	if baseDir == "" {
		baseDir, _ = os.Getwd()
	}
	g := &spec.GlobalConfiguration
	if g.WorkspaceRoot == "" {
		g.WorkspaceRoot = baseDir
	} else {
		g.WorkspaceRoot = absJoin(baseDir, g.WorkspaceRoot)
	}
	if g.EvidenceDirectory == "" {
		g.EvidenceDirectory = filepath.Join(g.WorkspaceRoot, "evidence")
	} else {
		g.EvidenceDirectory = absJoin(g.WorkspaceRoot, g.EvidenceDirectory)
	}
}

func absJoin(base, p string) string {
	if filepath.IsAbs(p) {
		return filepath.Clean(p)
	}
	return filepath.Join(base, p)
}
