package spec

import (
	"encoding/json"
	"sort"

	"codor/internal/evidence"
)

// validateDocument checks the raw decoded document before any placeholder is
// expanded. Every problem found is reported, not just the first.
func validateDocument(path string, doc map[string]any, order []string) error {
	serr := &SchemaError{Path: path}
	if v, ok := doc["schemaVersion"]; !ok || isBlank(v) {
		serr.add("schemaVersion is required")
	}
	if v, ok := doc["globalConfiguration"]; !ok {
		serr.add("globalConfiguration is required")
	} else if _, ok := v.(map[string]any); !ok {
		serr.add("globalConfiguration must be an object")
	}
	rawTasks, ok := doc["tasks"]
	if !ok {
		serr.add("tasks is required")
		return serr
	}
	tasks, ok := rawTasks.(map[string]any)
	if !ok {
		serr.add("tasks must be an object keyed by task id")
		return serr
	}
	if len(tasks) == 0 {
		serr.add("tasks must declare at least one task")
		return serr
	}
	ids := order
	if len(ids) != len(tasks) {
		ids = sortedKeys(tasks)
	}
	dirs := map[string]string{}
	for _, id := range ids {
		dir := evidence.SanitizeComponent(id)
		if prev, clash := dirs[dir]; clash {
			serr.add("task ids %s and %s map to the same evidence directory %s", prev, id, dir)
		} else {
			dirs[dir] = id
		}
		validateTask(serr, id, tasks[id])
	}
	return serr.orNil()
}

func validateTask(serr *SchemaError, id string, raw any) {
	task, ok := raw.(map[string]any)
	if !ok {
		serr.add("task %s must be an object", id)
		return
	}
	exec, ok := task["testExecution"].(map[string]any)
	if !ok {
		serr.add("task %s: testExecution is required", id)
	} else {
		steps, ok := exec["steps"].([]any)
		if !ok || len(steps) == 0 {
			serr.add("task %s: testExecution.steps must contain at least one action", id)
		}
		seen := map[string]string{}
		files := map[string]string{}
		for _, phase := range []string{"prerequisites", "steps", "cleanup"} {
			v, present := exec[phase]
			if !present || v == nil {
				continue
			}
			actions, ok := v.([]any)
			if !ok {
				serr.add("task %s: testExecution.%s must be a list", id, phase)
				continue
			}
			for i, a := range actions {
				validateAction(serr, id, phase, i, a, seen, files)
			}
		}
	}
	vc, ok := task["validationCriteria"].(map[string]any)
	if !ok {
		serr.add("task %s: validationCriteria is required", id)
		return
	}
	if conds, present := vc["successConditions"]; present && conds != nil {
		list, ok := conds.([]any)
		if !ok {
			serr.add("task %s: validationCriteria.successConditions must be a list", id)
			return
		}
		for i, c := range list {
			cond, ok := c.(map[string]any)
			if !ok {
				serr.add("task %s: successConditions[%d] must be an object", id, i)
				continue
			}
			if s, _ := cond["condition"].(string); s == "" {
				serr.add("task %s: successConditions[%d].condition is required", id, i)
			}
		}
	}
}

// files maps the evidence file an action would be written to onto its id, so
// ids that only differ in characters replaced by sanitizing are rejected.
func validateAction(serr *SchemaError, taskID, phase string, idx int, raw any, seen, files map[string]string) {
	action, ok := raw.(map[string]any)
	if !ok {
		serr.add("task %s: %s[%d] must be an object", taskID, phase, idx)
		return
	}
	actionID, _ := action["actionId"].(string)
	if actionID == "" {
		serr.add("task %s: %s[%d].actionId is required", taskID, phase, idx)
	} else if prev, dup := seen[actionID]; dup {
		serr.add("task %s: duplicate actionId %s (in %s and %s)", taskID, actionID, prev, phase)
	} else {
		seen[actionID] = phase
	}
	actionType, _ := action["type"].(string)
	if actionType == "" {
		serr.add("task %s: %s[%d].type is required", taskID, phase, idx)
	}
	if actionID != "" && actionType != "" {
		file := phase + "/" + evidence.SanitizeComponent(actionType) + "/" + evidence.SanitizeComponent(actionID)
		if prev, clash := files[file]; clash && prev != actionID {
			serr.add("task %s: actionIds %s and %s map to the same evidence file", taskID, prev, actionID)
		} else {
			files[file] = actionID
		}
	}
	if p, present := action["parameters"]; present && p != nil {
		if _, ok := p.(map[string]any); !ok {
			serr.add("task %s: action %s parameters must be an object", taskID, actionID)
		}
	}
	if t, present := action["timeout"]; present && t != nil {
		switch v := t.(type) {
		case json.Number:
			if n, err := v.Int64(); err != nil || n < 0 {
				serr.add("task %s: action %s timeout must be a non-negative integer (ms)", taskID, actionID)
			}
		case string:
			if !placeholderOnly.MatchString(v) {
				serr.add("task %s: action %s timeout must be a number", taskID, actionID)
			}
		default:
			serr.add("task %s: action %s timeout must be a number", taskID, actionID)
		}
	}
}

func isBlank(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return t == ""
	}
	return false
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
