package action

import (
	"context"

	"go.uber.org/zap"

	"github.com/stepflow/stepflow/logger"
	"github.com/stepflow/stepflow/model"
)

// azureDevOpsOutputs maps each ticketing operation to the output shape a
// real client returns. The stand-in handler serves these shapes verbatim.
var azureDevOpsOutputs = map[string]map[string]any{
	"create-work-item":         {"work_item_id": "WI-12345", "url": "https://dev.azure.com/..."},
	"update-work-item":         {"success": true, "updated_fields": []any{}},
	"get-work-item":            {"title": "Work Item Title", "state": "Active", "assigned_to": "user@example.com"},
	"create-pr":                {"pr_id": 123, "pr_url": "https://dev.azure.com/..."},
	"update-pr":                {"success": true},
	"add-pr-comment":           {"comment_id": 456},
	"get-pr":                   {"state": "active", "reviewers": []any{}},
	"trigger-pipeline":         {"run_id": 789, "status": "queued"},
	"check-permission":         {"authorized": true},
	"create-incident":          {"incident_id": "INC-001"},
	"update-incident":          {"success": true},
	"send-notification":        {"sent": true},
	"page-oncall":              {"paged": true},
	"get-pr-work-items":        {"work_item_ids": []any{"WI-123", "WI-124"}},
	"add-work-item-comment":    {"success": true},
	"get-work-item-relations":  {"parent_ids": []any{}, "child_ids": []any{}},
	"check-children-status":    {"all_children_complete": true},
	"get-work-item-watchers":   {"watchers": []any{"user1@example.com", "user2@example.com"}},
	"wait-for-deployment":      {"deployment_status": "succeeded"},
}

// AzureDevOpsHandler is the stand-in ticketing handler; see GitHandler for
// the replacement contract.
type AzureDevOpsHandler struct{}

var _ Handler = &AzureDevOpsHandler{}

func NewAzureDevOpsHandler() *AzureDevOpsHandler {
	return &AzureDevOpsHandler{}
}

func (h *AzureDevOpsHandler) Execute(ctx context.Context, step *model.Step, inputs map[string]any) (map[string]any, error) {
	logger.Info("executing azure devops operation",
		zap.String("step", step.Id),
		zap.String("operation", step.Operation),
		zap.Any("inputs", inputs))

	outputs, ok := azureDevOpsOutputs[step.Operation]
	if !ok {
		// Same fallback contract as GitHandler.
		logger.Warn("unknown azure devops operation, serving generic output", zap.String("operation", step.Operation))
		return map[string]any{"status": "success"}, nil
	}
	copied := make(map[string]any, len(outputs))
	for key, value := range outputs {
		copied[key] = value
	}
	return copied, nil
}
