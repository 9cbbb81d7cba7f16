package engine

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/stepflow/stepflow/execution"
	"github.com/stepflow/stepflow/logger"
	"github.com/stepflow/stepflow/model"
	"github.com/stepflow/stepflow/parser"
)

// executeSteps runs a step list strictly in declaration order. Control-flow
// steps recurse back into this function with the same context so variable
// mutations are visible to subsequent siblings.
func (e *Engine) executeSteps(ctx context.Context, steps []*model.Step, ec *execution.Context, depth int) error {
	for _, step := range steps {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("execution cancelled: %w", err)
		}
		if err := e.executeStep(ctx, step, ec, depth); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) executeStep(ctx context.Context, step *model.Step, ec *execution.Context, depth int) error {
	logger.Info("executing step",
		zap.String("step", step.Id),
		zap.String("action", string(step.Action)),
		zap.String("execution", ec.ExecutionId()))
	ec.RecordStepStart(step)

	outputs, err := e.runAction(ctx, step, ec, depth)
	if err != nil && step.OnError == model.ON_ERROR_RETRY {
		outputs, err = e.retryAction(ctx, step, ec, depth, err)
	}

	if err != nil {
		stepErr := &model.StepExecutionError{StepId: step.Id, Action: step.Action, Err: err}
		ec.RecordStepError(step, stepErr)
		if step.OnError == model.ON_ERROR_CONTINUE {
			logger.Warn("continuing after step error", zap.String("step", step.Id), zap.Error(err))
			return nil
		}
		return stepErr
	}

	if len(step.Outputs) > 0 && outputs != nil {
		ec.SetStepOutput(step.Id, captureOutputs(step.Outputs, outputs))
	}
	ec.RecordStepComplete(step, outputs)
	return nil
}

// retryAction re-runs a failed action up to the step's retry count, waiting
// attempt * RetryBackoff between attempts.
func (e *Engine) retryAction(ctx context.Context, step *model.Step, ec *execution.Context, depth int, lastErr error) (map[string]any, error) {
	var outputs map[string]any
	for attempt := 1; attempt <= step.RetryCount; attempt++ {
		backoff := time.Duration(attempt) * e.cfg.RetryBackoff
		logger.Warn("retrying step",
			zap.String("step", step.Id),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", backoff),
			zap.Error(lastErr))
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("execution cancelled: %w", ctx.Err())
		case <-time.After(backoff):
		}
		outputs, lastErr = e.runAction(ctx, step, ec, depth)
		if lastErr == nil {
			return outputs, nil
		}
	}
	return nil, fmt.Errorf("retries exhausted after %d attempts: %w", step.RetryCount, lastErr)
}

func captureOutputs(names []string, outputs map[string]any) map[string]any {
	captured := make(map[string]any, len(names))
	for _, name := range names {
		if value, ok := outputs[name]; ok {
			captured[name] = value
		}
	}
	return captured
}

func (e *Engine) runAction(ctx context.Context, step *model.Step, ec *execution.Context, depth int) (map[string]any, error) {
	switch step.Action {
	case model.ACTION_EXECUTE_WORKFLOW:
		return e.runSubWorkflow(ctx, step, ec, depth)
	case model.ACTION_SHELL_COMMAND:
		return e.runHandler(ctx, step, map[string]any{
			"command": parser.ResolveExpression(step.Command, ec.Snapshot()),
		})
	case model.ACTION_GIT_OPERATION, model.ACTION_AZURE_DEVOPS:
		return e.runHandler(ctx, step, parser.ResolveInputs(step.Inputs, ec.Snapshot()))
	case model.ACTION_CONDITIONAL:
		return e.runConditional(ctx, step, ec, depth)
	case model.ACTION_WHILE_LOOP:
		return e.runWhileLoop(ctx, step, ec, depth)
	case model.ACTION_FOR_LOOP:
		return e.runForLoop(ctx, step, ec, depth)
	case model.ACTION_PARALLEL:
		return e.runParallel(ctx, step, ec, depth)
	case model.ACTION_WAIT:
		return nil, e.runWait(ctx, step)
	case model.ACTION_SET_VARIABLE:
		return nil, e.runSetVariable(step, ec)
	case model.ACTION_LOG:
		return nil, e.runLog(step, ec)
	default:
		return nil, fmt.Errorf("unknown action type: %s", step.Action)
	}
}

func (e *Engine) runHandler(ctx context.Context, step *model.Step, inputs map[string]any) (map[string]any, error) {
	handler, ok := e.handler(step.Action)
	if !ok {
		return nil, fmt.Errorf("no handler registered for action '%s'", step.Action)
	}
	return handler.Execute(ctx, step, inputs)
}

// runSubWorkflow resolves the declared input map against the caller's
// context, runs the named workflow in a child context, and returns the
// child's outputs scope.
func (e *Engine) runSubWorkflow(ctx context.Context, step *model.Step, ec *execution.Context, depth int) (map[string]any, error) {
	inputs := parser.ResolveInputs(step.Inputs, ec.Snapshot())
	child, err := e.execute(ctx, step.Workflow, inputs, ec, depth+1)
	if err != nil {
		return nil, err
	}
	return ec.MergeChildOutputs(child), nil
}

func (e *Engine) runConditional(ctx context.Context, step *model.Step, ec *execution.Context, depth int) (map[string]any, error) {
	if parser.EvaluateCondition(step.Condition, ec.Snapshot()) {
		if err := e.executeSteps(ctx, step.Steps, ec, depth); err != nil {
			return nil, err
		}
	}
	return map[string]any{}, nil
}

// runWhileLoop re-evaluates the condition before every iteration against a
// fresh snapshot, bounded by MaxLoopIterations.
func (e *Engine) runWhileLoop(ctx context.Context, step *model.Step, ec *execution.Context, depth int) (map[string]any, error) {
	iterations := 0
	for parser.EvaluateCondition(step.Condition, ec.Snapshot()) {
		if iterations >= e.cfg.MaxLoopIterations {
			return nil, fmt.Errorf("while-loop exceeded %d iterations", e.cfg.MaxLoopIterations)
		}
		iterations++
		if err := e.executeSteps(ctx, step.Steps, ec, depth); err != nil {
			return nil, err
		}
	}
	return map[string]any{"iterations": iterations}, nil
}

// runForLoop rebinds temp.item and temp.index each iteration.
func (e *Engine) runForLoop(ctx context.Context, step *model.Step, ec *execution.Context, depth int) (map[string]any, error) {
	resolved := parser.ResolveExpression(step.Items, ec.Snapshot())
	items, ok := resolved.([]any)
	if !ok {
		return nil, fmt.Errorf("for-loop items must be a list, got %T", resolved)
	}
	for index, item := range items {
		ec.Set("temp.item", item)
		ec.Set("temp.index", index)
		if err := e.executeSteps(ctx, step.Steps, ec, depth); err != nil {
			return nil, err
		}
	}
	return map[string]any{"count": len(items)}, nil
}

// runParallel launches every child step concurrently against the shared
// context and awaits them all; no sibling is cancelled early. Escalation is
// decided here by the parallel step's own policy, after all children have
// terminated.
func (e *Engine) runParallel(ctx context.Context, step *model.Step, ec *execution.Context, depth int) (map[string]any, error) {
	type result struct {
		stepId string
		err    error
	}

	results := make(chan result, len(step.Steps))
	for _, child := range step.Steps {
		go func(child *model.Step) {
			results <- result{stepId: child.Id, err: e.executeStep(ctx, child, ec, depth)}
		}(child)
	}

	outputs := make(map[string]any, len(step.Steps))
	var firstErr error
	for range step.Steps {
		res := <-results
		if res.err != nil {
			outputs[res.stepId] = map[string]any{"status": "failed", "error": res.err.Error()}
			if firstErr == nil {
				firstErr = res.err
			}
		} else {
			outputs[res.stepId] = map[string]any{"status": "success"}
		}
	}

	if firstErr != nil && step.OnError == model.ON_ERROR_FAIL {
		return outputs, firstErr
	}
	return outputs, nil
}

func (e *Engine) runWait(ctx context.Context, step *model.Step) error {
	logger.Info("waiting", zap.String("step", step.Id), zap.Duration("duration", step.Duration))
	select {
	case <-ctx.Done():
		return fmt.Errorf("execution cancelled: %w", ctx.Err())
	case <-time.After(step.Duration):
		return nil
	}
}

func (e *Engine) runSetVariable(step *model.Step, ec *execution.Context) error {
	value := parser.ResolveExpression(step.Value, ec.Snapshot())
	ec.Set(step.Variable, value)
	return nil
}

func (e *Engine) runLog(step *model.Step, ec *execution.Context) error {
	message := fmt.Sprintf("%v", parser.ResolveExpression(step.Message, ec.Snapshot()))
	switch step.Level {
	case "debug":
		logger.Debug(message)
	case "warning", "warn":
		logger.Warn(message)
	case "error":
		logger.Error(message)
	default:
		logger.Info(message)
	}
	return nil
}
