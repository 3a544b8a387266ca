package executors

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"regexp"
	"strings"

	"codor/internal/domain"
)

// File runs FILE_VALIDATION actions.
//
// Parameters: path (required; relative to the workspace root), exists
// (default true), isDirectory, contains, notContains, pattern, minSize,
// maxSize, validJson.
type File struct{}

func NewFile() *File { return &File{} }

func (f *File) Name() string          { return "file-validation-executor" }
func (f *File) Version() string       { return "1.0.0" }
func (f *File) ActionTypes() []string { return []string{domain.ActionFileValidation} }

type fileCheck struct {
	Name   string `json:"name"`
	Passed bool   `json:"passed"`
	Detail string `json:"detail,omitempty"`
}

func (f *File) Execute(ctx context.Context, raw map[string]any, global domain.GlobalConfiguration) (any, error) {
	p := params(raw)
	rel, err := p.requireString("path")
	if err != nil {
		return nil, err
	}
	path := resolvePath(global, rel)
	wantExists, err := p.boolean("exists", true)
	if err != nil {
		return nil, err
	}

	out := map[string]any{"path": path, "exists": false}
	info, statErr := os.Stat(path)
	if statErr != nil && !errors.Is(statErr, fs.ErrNotExist) {
		return out, fmt.Errorf("stat %s: %w", path, statErr)
	}
	exists := statErr == nil
	out["exists"] = exists
	if !wantExists {
		if exists {
			return out, fmt.Errorf("file should not exist: %s", path)
		}
		return out, nil
	}
	if !exists {
		return out, fmt.Errorf("file not found: %s (ENOENT: no such file or directory)", path)
	}
	out["isDirectory"] = info.IsDir()
	out["size"] = info.Size()
	out["mode"] = info.Mode().String()

	var checks []fileCheck
	if p.has("isDirectory") {
		wantDir, err := p.boolean("isDirectory", false)
		if err != nil {
			return out, err
		}
		checks = append(checks, fileCheck{Name: "isDirectory", Passed: info.IsDir() == wantDir})
	}
	if minSize, err := p.integer("minSize", -1); err != nil {
		return out, err
	} else if minSize >= 0 {
		checks = append(checks, fileCheck{Name: "minSize", Passed: info.Size() >= minSize, Detail: fmt.Sprintf("size %d", info.Size())})
	}
	if maxSize, err := p.integer("maxSize", -1); err != nil {
		return out, err
	} else if maxSize >= 0 {
		checks = append(checks, fileCheck{Name: "maxSize", Passed: info.Size() <= maxSize, Detail: fmt.Sprintf("size %d", info.Size())})
	}

	if needsContent(p) {
		if info.IsDir() {
			return out, fmt.Errorf("content checks require a regular file, %s is a directory", path)
		}
		if err := ctx.Err(); err != nil {
			return out, err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return out, fmt.Errorf("read %s: %w", path, err)
		}
		contentChecks, err := checkContent(p, string(data))
		if err != nil {
			return out, err
		}
		checks = append(checks, contentChecks...)
	}

	out["checks"] = checks
	var failed []string
	for _, c := range checks {
		if !c.Passed {
			failed = append(failed, c.Name)
		}
	}
	if len(failed) > 0 {
		return out, fmt.Errorf("file validation failed for %s: %s", path, strings.Join(failed, ", "))
	}
	return out, nil
}

func needsContent(p params) bool {
	for _, k := range []string{"contains", "notContains", "pattern", "validJson"} {
		if p.has(k) {
			return true
		}
	}
	return false
}

func checkContent(p params, content string) ([]fileCheck, error) {
	var checks []fileCheck
	contains, err := p.stringList("contains")
	if err != nil {
		return nil, err
	}
	for _, s := range contains {
		checks = append(checks, fileCheck{Name: "contains", Passed: strings.Contains(content, s), Detail: s})
	}
	notContains, err := p.stringList("notContains")
	if err != nil {
		return nil, err
	}
	for _, s := range notContains {
		checks = append(checks, fileCheck{Name: "notContains", Passed: !strings.Contains(content, s), Detail: s})
	}
	if pattern, err := p.str("pattern", ""); err != nil {
		return nil, err
	} else if pattern != "" {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, &ParamError{Param: "pattern", Reason: err.Error()}
		}
		checks = append(checks, fileCheck{Name: "pattern", Passed: re.MatchString(content), Detail: pattern})
	}
	if want, err := p.boolean("validJson", false); err != nil {
		return nil, err
	} else if want {
		checks = append(checks, fileCheck{Name: "validJson", Passed: json.Valid([]byte(content))})
	}
	return checks, nil
}
