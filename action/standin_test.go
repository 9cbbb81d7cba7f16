package action

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/stepflow/stepflow/model"
)

func gitStep(operation string) *model.Step {
	return &model.Step{Id: "git", Action: model.ACTION_GIT_OPERATION, Operation: operation}
}

func TestGitOperationShapes(t *testing.T) {
	handler := NewGitHandler()

	scenarios := map[string]struct {
		operation string
		inputs    map[string]any
		expect    map[string]any
	}{
		"checkout uses branch input": {
			operation: "checkout",
			inputs:    map[string]any{"branch": "feature/x"},
			expect:    map[string]any{"branch": "feature/x", "status": "success"},
		},
		"checkout defaults to main": {
			operation: "checkout",
			expect:    map[string]any{"branch": "main", "status": "success"},
		},
		"commit returns sha and message": {
			operation: "commit",
			inputs:    map[string]any{"message": "fix build"},
			expect:    map[string]any{"commit_sha": "abc123def456", "message": "fix build"},
		},
		"pull reports commit count": {
			operation: "pull",
			expect:    map[string]any{"updated": true, "commits": 5},
		},
		"tag uses tag_name input": {
			operation: "tag",
			inputs:    map[string]any{"tag_name": "v2.1.0"},
			expect:    map[string]any{"tagged": true, "tag": "v2.1.0"},
		},
	}

	for name, scenario := range scenarios {
		t.Run(name, func(t *testing.T) {
			outputs, err := handler.Execute(context.Background(), gitStep(scenario.operation), scenario.inputs)
			require.NoError(t, err)
			require.Equal(t, scenario.expect, outputs)
		})
	}
}

func TestGitUnknownOperationFallsBackToGenericShape(t *testing.T) {
	handler := NewGitHandler()
	outputs, err := handler.Execute(context.Background(), gitStep("bisect"), nil)
	require.NoError(t, err)
	require.Equal(t, map[string]any{"status": "success"}, outputs)
}

func TestAzureDevOpsShapes(t *testing.T) {
	handler := NewAzureDevOpsHandler()
	step := &model.Step{Id: "ticket", Action: model.ACTION_AZURE_DEVOPS, Operation: "create-work-item"}

	outputs, err := handler.Execute(context.Background(), step, nil)
	require.NoError(t, err)
	require.Equal(t, "WI-12345", outputs["work_item_id"])

	// served shapes are copies, mutating one must not leak into the next call
	outputs["work_item_id"] = "WI-99999"
	again, err := handler.Execute(context.Background(), step, nil)
	require.NoError(t, err)
	require.Equal(t, "WI-12345", again["work_item_id"])
}

func TestAzureDevOpsUnknownOperationFallsBackToGenericShape(t *testing.T) {
	handler := NewAzureDevOpsHandler()
	step := &model.Step{Id: "ticket", Action: model.ACTION_AZURE_DEVOPS, Operation: "delete-project"}
	outputs, err := handler.Execute(context.Background(), step, nil)
	require.NoError(t, err)
	require.Equal(t, map[string]any{"status": "success"}, outputs)
}
