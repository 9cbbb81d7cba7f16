package schema

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/stepflow/stepflow/model"
)

func validDocument() model.Document {
	return model.Document{
		"metadata": map[string]any{
			"id":          "deploy-service",
			"name":        "Deploy Service",
			"version":     "1.0.0",
			"type":        "core",
			"description": "Deploys a service",
		},
		"inputs": []any{
			map[string]any{"name": "ENV", "type": "enum", "values": []any{"dev", "prod"}},
		},
		"steps": []any{
			map[string]any{"id": "notify", "action": "log", "message": "starting"},
		},
		"outputs": []any{
			map[string]any{"name": "RESULT", "value": "${context.result}"},
		},
	}
}

func TestValidateAcceptsValidDocument(t *testing.T) {
	require.Empty(t, Validate(validDocument()))
}

func TestValidateCollectsAllViolations(t *testing.T) {
	doc := model.Document{
		"metadata": map[string]any{
			"id":   "x",
			"type": "nonsense",
		},
	}
	violations := Validate(doc)

	paths := make([]string, len(violations))
	for i, v := range violations {
		paths[i] = v.Path
	}
	require.Contains(t, paths, "metadata.name")
	require.Contains(t, paths, "metadata.version")
	require.Contains(t, paths, "metadata.description")
	require.Contains(t, paths, "metadata.type")
	require.Contains(t, paths, "steps")
}

func TestValidateStepPayloads(t *testing.T) {
	for scenario, tc := range map[string]struct {
		step map[string]any
		path string
	}{
		"unknown action": {
			step: map[string]any{"id": "s1", "action": "teleport"},
			path: "steps.0.action",
		},
		"for-loop without items": {
			step: map[string]any{"id": "s1", "action": "for-loop", "steps": []any{
				map[string]any{"id": "inner", "action": "log", "message": "m"},
			}},
			path: "steps.0.items",
		},
		"execute-workflow without target": {
			step: map[string]any{"id": "s1", "action": "execute-workflow"},
			path: "steps.0.workflow",
		},
		"shell command with bad timeout": {
			step: map[string]any{"id": "s1", "action": "shell-command", "command": "ls", "timeout": "5x"},
			path: "steps.0.timeout",
		},
		"conditional without condition": {
			step: map[string]any{"id": "s1", "action": "conditional", "steps": []any{
				map[string]any{"id": "inner", "action": "log", "message": "m"},
			}},
			path: "steps.0.condition",
		},
		"bad error policy": {
			step: map[string]any{"id": "s1", "action": "log", "message": "m", "onError": "explode"},
			path: "steps.0.onError",
		},
	} {
		t.Run(scenario, func(t *testing.T) {
			doc := validDocument()
			doc["steps"] = []any{tc.step}
			violations := Validate(doc)
			require.NotEmpty(t, violations)

			found := false
			for _, v := range violations {
				if v.Path == tc.path {
					found = true
				}
			}
			require.True(t, found, "expected violation at %s, got %v", tc.path, violations)
		})
	}
}

func TestValidateNestedSteps(t *testing.T) {
	doc := validDocument()
	doc["steps"] = []any{
		map[string]any{
			"id":        "outer",
			"action":    "conditional",
			"condition": "${inputs.GO}",
			"steps": []any{
				map[string]any{"id": "inner", "action": "mystery"},
			},
		},
	}
	violations := Validate(doc)
	require.Len(t, violations, 1)
	require.Equal(t, "steps.0.steps.0.action", violations[0].Path)
}

func TestValidateDuplicateStepIds(t *testing.T) {
	doc := validDocument()
	doc["steps"] = []any{
		map[string]any{"id": "dup", "action": "log", "message": "a"},
		map[string]any{"id": "dup", "action": "log", "message": "b"},
	}
	violations := Validate(doc)
	require.Len(t, violations, 1)
	require.Equal(t, "steps.1.id", violations[0].Path)
}

func TestValidateInvalidInputPattern(t *testing.T) {
	doc := validDocument()
	doc["inputs"] = []any{
		map[string]any{"name": "BRANCH", "type": "string", "pattern": "["},
	}
	violations := Validate(doc)
	require.Len(t, violations, 1)
	require.Equal(t, "inputs.0.pattern", violations[0].Path)
}
