package action

import (
	"context"

	"github.com/spf13/cast"
	"go.uber.org/zap"

	"github.com/stepflow/stepflow/logger"
	"github.com/stepflow/stepflow/model"
)

// GitHandler is the stand-in source-control handler. Each operation returns
// the output shape a real client is expected to produce, so workflows can
// reference ${steps.x.field} the same way against either implementation.
// Hosts wire a real client by registering their own Handler for
// git-operation.
type GitHandler struct{}

var _ Handler = &GitHandler{}

func NewGitHandler() *GitHandler {
	return &GitHandler{}
}

func (h *GitHandler) Execute(ctx context.Context, step *model.Step, inputs map[string]any) (map[string]any, error) {
	logger.Info("executing git operation", zap.String("step", step.Id), zap.String("operation", step.Operation))

	switch step.Operation {
	case "checkout":
		return map[string]any{"branch": stringInput(inputs, "branch", "main"), "status": "success"}, nil
	case "create-branch":
		return map[string]any{"branch": stringInput(inputs, "branch", "new-branch"), "created": true}, nil
	case "commit":
		return map[string]any{"commit_sha": "abc123def456", "message": cast.ToString(inputs["message"])}, nil
	case "push":
		return map[string]any{"pushed": true, "branch": stringInput(inputs, "branch", "main")}, nil
	case "pull":
		return map[string]any{"updated": true, "commits": 5}, nil
	case "merge":
		return map[string]any{"merged": true, "conflicts": false}, nil
	case "rebase":
		return map[string]any{"rebased": true, "conflicts": false}, nil
	case "stash":
		return map[string]any{"stashed": true, "stash_id": "stash@{0}"}, nil
	case "tag":
		return map[string]any{"tagged": true, "tag": stringInput(inputs, "tag_name", "v1.0.0")}, nil
	case "clone":
		return map[string]any{"cloned": true, "path": stringInput(inputs, "path", "./repo")}, nil
	case "fetch":
		return map[string]any{"fetched": true}, nil
	case "reset":
		return map[string]any{"reset": true, "mode": stringInput(inputs, "mode", "hard")}, nil
	default:
		// Unrecognized operations serve the generic shape so documents
		// written against a richer client still run.
		logger.Warn("unknown git operation, serving generic output", zap.String("operation", step.Operation))
		return map[string]any{"status": "success"}, nil
	}
}

func stringInput(inputs map[string]any, key, fallback string) string {
	if s := cast.ToString(inputs[key]); s != "" {
		return s
	}
	return fallback
}
