// Package engine drives workflow runs end to end: definition lookup, input
// validation, prerequisite checks, step dispatch and output computation.
package engine

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/stepflow/stepflow/action"
	"github.com/stepflow/stepflow/config"
	"github.com/stepflow/stepflow/execution"
	"github.com/stepflow/stepflow/logger"
	"github.com/stepflow/stepflow/model"
	"github.com/stepflow/stepflow/parser"
	"github.com/stepflow/stepflow/registry"
)

type Engine struct {
	registry *registry.Registry
	cfg      config.Config

	handlerMu sync.RWMutex
	handlers  map[model.ActionType]action.Handler
	prereq    action.PrerequisiteChecker

	activeMu sync.RWMutex
	active   map[string]*execution.Context
}

// New builds an engine with the stand-in handlers for the external leaf
// actions registered. Hosts replace them via RegisterHandler.
func New(reg *registry.Registry, cfg config.Config) *Engine {
	return &Engine{
		registry: reg,
		cfg:      cfg,
		handlers: map[model.ActionType]action.Handler{
			model.ACTION_SHELL_COMMAND: action.NewShellHandler(),
			model.ACTION_GIT_OPERATION: action.NewGitHandler(),
			model.ACTION_AZURE_DEVOPS:  action.NewAzureDevOpsHandler(),
		},
		prereq: action.AdvisoryChecker{},
		active: map[string]*execution.Context{},
	}
}

// RegisterHandler installs the handler for one leaf action kind, replacing
// any previous registration.
func (e *Engine) RegisterHandler(kind model.ActionType, handler action.Handler) {
	e.handlerMu.Lock()
	defer e.handlerMu.Unlock()
	e.handlers[kind] = handler
}

// SetPrerequisiteChecker replaces the default advisory checker. A configured
// checker gates execution: a required prerequisite whose check fails aborts
// the run before any step.
func (e *Engine) SetPrerequisiteChecker(checker action.PrerequisiteChecker) {
	e.handlerMu.Lock()
	defer e.handlerMu.Unlock()
	e.prereq = checker
}

func (e *Engine) handler(kind model.ActionType) (action.Handler, bool) {
	e.handlerMu.RLock()
	defer e.handlerMu.RUnlock()
	handler, ok := e.handlers[kind]
	return handler, ok
}

// Execute runs a workflow to completion. Schema and input validation
// failures return before a context exists; once steps begin, the returned
// context carries the full history whether the run completed or failed.
func (e *Engine) Execute(ctx context.Context, workflowId string, inputs map[string]any) (*execution.Context, error) {
	return e.execute(ctx, workflowId, inputs, nil, 0)
}

func (e *Engine) execute(ctx context.Context, workflowId string, inputs map[string]any, parent *execution.Context, depth int) (*execution.Context, error) {
	if depth > e.cfg.MaxWorkflowDepth {
		return nil, &model.WorkflowExecutionError{
			WorkflowId: workflowId,
			Err:        fmt.Errorf("sub-workflow depth exceeds limit of %d", e.cfg.MaxWorkflowDepth),
		}
	}

	doc, err := e.registry.Get(workflowId)
	if err != nil {
		return nil, err
	}
	wf, err := parser.ParseDefinition(doc)
	if err != nil {
		return nil, err
	}
	validated, err := parser.ValidateInputs(wf.Inputs, inputs)
	if err != nil {
		return nil, err
	}

	var ec *execution.Context
	if parent != nil {
		ec = parent.CreateChild(workflowId, validated)
	} else {
		ec = execution.NewContext(workflowId, validated)
	}

	e.activeMu.Lock()
	e.active[ec.ExecutionId()] = ec
	e.activeMu.Unlock()
	defer func() {
		e.activeMu.Lock()
		delete(e.active, ec.ExecutionId())
		e.activeMu.Unlock()
	}()

	logger.Info("executing workflow",
		zap.String("workflow", workflowId),
		zap.String("execution", ec.ExecutionId()))

	if err := e.run(ctx, wf, ec, depth); err != nil {
		wfErr, ok := err.(*model.WorkflowExecutionError)
		if !ok {
			wfErr = &model.WorkflowExecutionError{WorkflowId: workflowId, Err: err}
		}
		ec.RecordWorkflowError(wfErr)
		logger.Error("workflow execution failed",
			zap.String("workflow", workflowId),
			zap.String("execution", ec.ExecutionId()),
			zap.Error(wfErr))
		return ec, wfErr
	}
	return ec, nil
}

func (e *Engine) run(ctx context.Context, wf *model.Workflow, ec *execution.Context, depth int) error {
	if err := e.checkPrerequisites(ctx, wf.Prerequisites, ec); err != nil {
		return err
	}
	if err := e.executeSteps(ctx, wf.Steps, ec, depth); err != nil {
		return err
	}
	outputs := e.computeOutputs(wf.Outputs, ec)
	ec.RecordWorkflowComplete(outputs)
	return nil
}

func (e *Engine) checkPrerequisites(ctx context.Context, prereqs []model.Prerequisite, ec *execution.Context) error {
	if len(prereqs) == 0 {
		return nil
	}
	e.handlerMu.RLock()
	checker := e.prereq
	e.handlerMu.RUnlock()

	snapshot := ec.Snapshot()
	for _, prereq := range prereqs {
		logger.Info("checking prerequisite", zap.String("description", prereq.Description))
		ok, err := checker.Check(ctx, prereq, snapshot)
		if err == nil && ok {
			continue
		}
		if !prereq.Required {
			logger.Warn("optional prerequisite not satisfied", zap.String("description", prereq.Description))
			continue
		}
		if err != nil {
			return fmt.Errorf("prerequisite check '%s': %w", prereq.Description, err)
		}
		return fmt.Errorf("prerequisite not satisfied: %s", prereq.Description)
	}
	return nil
}

func (e *Engine) computeOutputs(outputs []model.OutputDef, ec *execution.Context) map[string]any {
	result := make(map[string]any, len(outputs))
	snapshot := ec.Snapshot()
	for _, output := range outputs {
		result[output.Name] = parser.ResolveExpression(output.Value, snapshot)
	}
	return result
}

// ActiveExecutions lists the execution ids currently in flight.
func (e *Engine) ActiveExecutions() []string {
	e.activeMu.RLock()
	defer e.activeMu.RUnlock()
	ids := make([]string, 0, len(e.active))
	for id := range e.active {
		ids = append(ids, id)
	}
	return ids
}

// ExecutionContext returns the live context of an in-flight run.
func (e *Engine) ExecutionContext(executionId string) (*execution.Context, bool) {
	e.activeMu.RLock()
	defer e.activeMu.RUnlock()
	ec, ok := e.active[executionId]
	return ec, ok
}

// Registry exposes the engine's registry for lookup/search entry points.
func (e *Engine) Registry() *registry.Registry {
	return e.registry
}
