// Package schema performs structural validation of raw workflow documents.
// It collects every violation it finds rather than stopping at the first,
// each addressed by a dotted path into the document.
package schema

import (
	"fmt"
	"regexp"

	"github.com/spf13/cast"

	"github.com/stepflow/stepflow/model"
)

var timeoutPattern = regexp.MustCompile(`^(\d+)([smh])$`)

// Validate checks a raw document against the workflow schema. A nil or empty
// result means the document is structurally valid.
func Validate(doc model.Document) []model.Violation {
	var violations []model.Violation

	meta, ok := asMap(doc["metadata"])
	if !ok {
		violations = append(violations, model.Violation{Path: "metadata", Message: "required section missing or not a mapping"})
	} else {
		violations = append(violations, validateMetadata(meta)...)
	}

	if raw, present := doc["inputs"]; present {
		violations = append(violations, validateInputs(raw)...)
	}

	if raw, present := doc["prerequisites"]; present {
		violations = append(violations, validatePrerequisites(raw)...)
	}

	steps, ok := asList(doc["steps"])
	if !ok {
		violations = append(violations, model.Violation{Path: "steps", Message: "required section missing or not a list"})
	} else if len(steps) == 0 {
		violations = append(violations, model.Violation{Path: "steps", Message: "at least one step is required"})
	} else {
		violations = append(violations, validateSteps("steps", steps)...)
	}

	if raw, present := doc["outputs"]; present {
		violations = append(violations, validateOutputs(raw)...)
	}

	return violations
}

func validateMetadata(meta map[string]any) []model.Violation {
	var violations []model.Violation
	for _, field := range []string{"id", "name", "version", "description"} {
		if !hasString(meta, field) {
			violations = append(violations, model.Violation{
				Path:    "metadata." + field,
				Message: "required string field missing",
			})
		}
	}
	typ, ok := meta["type"].(string)
	if !ok {
		violations = append(violations, model.Violation{Path: "metadata.type", Message: "required string field missing"})
	} else if !model.ValidCategory(typ) {
		violations = append(violations, model.Violation{
			Path:    "metadata.type",
			Message: fmt.Sprintf("unknown category '%s'", typ),
		})
	}
	return violations
}

func validateInputs(raw any) []model.Violation {
	inputs, ok := asList(raw)
	if !ok {
		return []model.Violation{{Path: "inputs", Message: "must be a list"}}
	}
	var violations []model.Violation
	for i, item := range inputs {
		path := fmt.Sprintf("inputs.%d", i)
		input, ok := asMap(item)
		if !ok {
			violations = append(violations, model.Violation{Path: path, Message: "must be a mapping"})
			continue
		}
		if !hasString(input, "name") {
			violations = append(violations, model.Violation{Path: path + ".name", Message: "required string field missing"})
		}
		typ, ok := input["type"].(string)
		if !ok {
			violations = append(violations, model.Violation{Path: path + ".type", Message: "required string field missing"})
			continue
		}
		if typ == "enum" {
			if _, ok := asList(input["values"]); !ok {
				violations = append(violations, model.Violation{Path: path + ".values", Message: "enum input requires a list of values"})
			}
		}
		if pattern, present := input["pattern"]; present {
			if _, err := regexp.Compile(cast.ToString(pattern)); err != nil {
				violations = append(violations, model.Violation{
					Path:    path + ".pattern",
					Message: fmt.Sprintf("invalid pattern: %v", err),
				})
			}
		}
	}
	return violations
}

func validatePrerequisites(raw any) []model.Violation {
	prereqs, ok := asList(raw)
	if !ok {
		return []model.Violation{{Path: "prerequisites", Message: "must be a list"}}
	}
	var violations []model.Violation
	for i, item := range prereqs {
		path := fmt.Sprintf("prerequisites.%d", i)
		prereq, ok := asMap(item)
		if !ok {
			violations = append(violations, model.Violation{Path: path, Message: "must be a mapping"})
			continue
		}
		if !hasString(prereq, "description") {
			violations = append(violations, model.Violation{Path: path + ".description", Message: "required string field missing"})
		}
	}
	return violations
}

func validateSteps(path string, steps []any) []model.Violation {
	var violations []model.Violation
	seen := make(map[string]bool)
	for i, item := range steps {
		stepPath := fmt.Sprintf("%s.%d", path, i)
		step, ok := asMap(item)
		if !ok {
			violations = append(violations, model.Violation{Path: stepPath, Message: "must be a mapping"})
			continue
		}
		id, hasId := step["id"].(string)
		if !hasId || id == "" {
			violations = append(violations, model.Violation{Path: stepPath + ".id", Message: "required string field missing"})
		} else if seen[id] {
			violations = append(violations, model.Violation{Path: stepPath + ".id", Message: fmt.Sprintf("duplicate step id '%s'", id)})
		} else {
			seen[id] = true
		}
		violations = append(violations, validateStepAction(stepPath, step)...)
	}
	return violations
}

func validateStepAction(path string, step map[string]any) []model.Violation {
	action, ok := step["action"].(string)
	if !ok {
		return []model.Violation{{Path: path + ".action", Message: "required string field missing"}}
	}
	if !model.ValidActionType(action) {
		return []model.Violation{{Path: path + ".action", Message: fmt.Sprintf("unknown action '%s'", action)}}
	}

	var violations []model.Violation
	requireString := func(field string) {
		if !hasString(step, field) {
			violations = append(violations, model.Violation{
				Path:    fmt.Sprintf("%s.%s", path, field),
				Message: fmt.Sprintf("%s step requires a '%s' field", action, field),
			})
		}
	}

	switch model.ActionType(action) {
	case model.ACTION_EXECUTE_WORKFLOW:
		requireString("workflow")
	case model.ACTION_SHELL_COMMAND:
		requireString("command")
		violations = append(violations, validateDurationField(path, step, "timeout")...)
	case model.ACTION_GIT_OPERATION, model.ACTION_AZURE_DEVOPS:
		requireString("operation")
	case model.ACTION_CONDITIONAL, model.ACTION_WHILE_LOOP:
		requireString("condition")
		violations = append(violations, validateNestedSteps(path, step)...)
	case model.ACTION_FOR_LOOP:
		if _, present := step["items"]; !present {
			violations = append(violations, model.Violation{Path: path + ".items", Message: "for-loop step requires an 'items' field"})
		}
		violations = append(violations, validateNestedSteps(path, step)...)
	case model.ACTION_PARALLEL:
		violations = append(violations, validateNestedSteps(path, step)...)
	case model.ACTION_WAIT:
		violations = append(violations, validateDurationField(path, step, "duration")...)
	case model.ACTION_SET_VARIABLE:
		requireString("variable")
		if _, present := step["value"]; !present {
			violations = append(violations, model.Violation{Path: path + ".value", Message: "set-variable step requires a 'value' field"})
		}
	case model.ACTION_LOG:
		requireString("message")
	}

	if onError, present := step["onError"]; present {
		if !model.ValidErrorPolicy(cast.ToString(onError)) {
			violations = append(violations, model.Violation{
				Path:    path + ".onError",
				Message: fmt.Sprintf("unknown error policy '%v'", onError),
			})
		}
	}
	return violations
}

func validateNestedSteps(path string, step map[string]any) []model.Violation {
	raw, present := step["steps"]
	if !present {
		return []model.Violation{{Path: path + ".steps", Message: "control-flow step requires nested steps"}}
	}
	nested, ok := asList(raw)
	if !ok {
		return []model.Violation{{Path: path + ".steps", Message: "must be a list"}}
	}
	return validateSteps(path+".steps", nested)
}

func validateDurationField(path string, step map[string]any, field string) []model.Violation {
	raw, present := step[field]
	if !present {
		return nil
	}
	if !timeoutPattern.MatchString(cast.ToString(raw)) {
		return []model.Violation{{
			Path:    fmt.Sprintf("%s.%s", path, field),
			Message: fmt.Sprintf("invalid duration literal '%v', expected {n}{s|m|h}", raw),
		}}
	}
	return nil
}

func validateOutputs(raw any) []model.Violation {
	outputs, ok := asList(raw)
	if !ok {
		return []model.Violation{{Path: "outputs", Message: "must be a list"}}
	}
	var violations []model.Violation
	for i, item := range outputs {
		path := fmt.Sprintf("outputs.%d", i)
		output, ok := asMap(item)
		if !ok {
			violations = append(violations, model.Violation{Path: path, Message: "must be a mapping"})
			continue
		}
		if !hasString(output, "name") {
			violations = append(violations, model.Violation{Path: path + ".name", Message: "required string field missing"})
		}
		if _, present := output["value"]; !present {
			violations = append(violations, model.Violation{Path: path + ".value", Message: "required field missing"})
		}
	}
	return violations
}

func asMap(v any) (map[string]any, bool) {
	m, ok := v.(map[string]any)
	return m, ok
}

func asList(v any) ([]any, bool) {
	l, ok := v.([]any)
	return l, ok
}

func hasString(m map[string]any, field string) bool {
	s, ok := m[field].(string)
	return ok && s != ""
}
