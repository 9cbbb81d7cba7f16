// Package execution holds the per-run mutable state of a workflow: the
// scoped variable store, the append-only history log, and parent/child
// linkage for sub-workflow runs.
package execution

import (
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/stepflow/stepflow/logger"
	"github.com/stepflow/stepflow/model"
)

const SCOPE_INPUTS = "inputs"
const SCOPE_OUTPUTS = "outputs"
const SCOPE_CONTEXT = "context"
const SCOPE_STEPS = "steps"
const SCOPE_TEMP = "temp"
const SCOPE_PARENT = "parent"

// Context is the mutable state of one workflow run. All access goes through
// the mutex so parallel steps can share one context safely.
type Context struct {
	mu sync.RWMutex

	workflowId  string
	executionId string
	startTime   time.Time
	endTime     time.Time
	status      model.ExecutionStatus

	variables   map[string]any
	history     []model.HistoryEvent
	errors      []model.HistoryEvent
	currentStep string
	seq         int
}

// NewContext creates a context seeded with validated inputs.
func NewContext(workflowId string, inputs map[string]any) *Context {
	if inputs == nil {
		inputs = map[string]any{}
	}
	start := time.Now().UTC()
	executionId := workflowId + "-" + strconv.FormatInt(start.UnixNano(), 10)
	return &Context{
		workflowId:  workflowId,
		executionId: executionId,
		startTime:   start,
		status:      model.STATUS_RUNNING,
		variables: map[string]any{
			SCOPE_INPUTS:  inputs,
			SCOPE_OUTPUTS: map[string]any{},
			SCOPE_CONTEXT: map[string]any{
				"workflow_id":  workflowId,
				"execution_id": executionId,
				"start_time":   start.Format(time.RFC3339Nano),
			},
			SCOPE_STEPS: map[string]any{},
			SCOPE_TEMP:  map[string]any{},
		},
	}
}

func (c *Context) WorkflowId() string {
	return c.workflowId
}

func (c *Context) ExecutionId() string {
	return c.executionId
}

func (c *Context) Status() model.ExecutionStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status
}

func (c *Context) StartTime() time.Time {
	return c.startTime
}

func (c *Context) EndTime() (time.Time, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.endTime, !c.endTime.IsZero()
}

// Get returns the value at a dot-notation path, or fallback when the path
// does not resolve.
func (c *Context) Get(path string, fallback any) any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var value any = c.variables
	for _, part := range strings.Split(path, ".") {
		m, ok := value.(map[string]any)
		if !ok {
			return fallback
		}
		value, ok = m[part]
		if !ok {
			return fallback
		}
	}
	return value
}

// Set writes a value at a dot-notation path, creating intermediate maps as
// needed.
func (c *Context) Set(path string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setLocked(path, value)
	logger.Debug("set variable", zap.String("path", path), zap.Any("value", value))
}

func (c *Context) setLocked(path string, value any) {
	parts := strings.Split(path, ".")
	target := c.variables
	for _, part := range parts[:len(parts)-1] {
		next, ok := target[part].(map[string]any)
		if !ok {
			next = map[string]any{}
			target[part] = next
		}
		target = next
	}
	target[parts[len(parts)-1]] = value
}

// SetStepOutput stores a step's captured outputs under steps.<stepId> and
// promotes each key into the context scope for convenient reference.
func (c *Context) SetStepOutput(stepId string, outputs map[string]any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	steps := c.variables[SCOPE_STEPS].(map[string]any)
	steps[stepId] = outputs
	for key, value := range outputs {
		c.setLocked(SCOPE_CONTEXT+"."+key, value)
	}
}

func (c *Context) appendLocked(event model.HistoryEvent) model.HistoryEvent {
	c.seq++
	event.Seq = c.seq
	event.Timestamp = time.Now().UTC()
	c.history = append(c.history, event)
	return event
}

func (c *Context) RecordStepStart(step *model.Step) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.currentStep = step.Id
	c.appendLocked(model.HistoryEvent{
		Type:     model.EVENT_STEP_START,
		StepId:   step.Id,
		StepName: step.Name,
		Action:   step.Action,
	})
}

func (c *Context) RecordStepComplete(step *model.Step, outputs map[string]any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.appendLocked(model.HistoryEvent{
		Type:    model.EVENT_STEP_COMPLETE,
		StepId:  step.Id,
		Outputs: outputs,
	})
	c.currentStep = ""
}

func (c *Context) RecordStepError(step *model.Step, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	event := c.appendLocked(model.HistoryEvent{
		Type:         model.EVENT_STEP_ERROR,
		StepId:       step.Id,
		ErrorType:    errorType(err),
		ErrorMessage: err.Error(),
	})
	c.errors = append(c.errors, event)
	c.currentStep = ""
}

// RecordWorkflowComplete marks the run completed and freezes the outputs
// scope. End time is set exactly once; later terminal calls are ignored.
func (c *Context) RecordWorkflowComplete(outputs map[string]any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.endTime.IsZero() {
		return
	}
	if outputs == nil {
		outputs = map[string]any{}
	}
	c.endTime = time.Now().UTC()
	c.status = model.STATUS_COMPLETED
	c.variables[SCOPE_OUTPUTS] = outputs
	c.appendLocked(model.HistoryEvent{
		Type:     model.EVENT_WORKFLOW_COMPLETE,
		Outputs:  outputs,
		Duration: c.endTime.Sub(c.startTime).Seconds(),
	})
}

// RecordWorkflowError marks the run failed. End time is set exactly once.
func (c *Context) RecordWorkflowError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.endTime.IsZero() {
		return
	}
	c.endTime = time.Now().UTC()
	c.status = model.STATUS_FAILED
	event := c.appendLocked(model.HistoryEvent{
		Type:         model.EVENT_WORKFLOW_ERROR,
		ErrorType:    errorType(err),
		ErrorMessage: err.Error(),
		Duration:     c.endTime.Sub(c.startTime).Seconds(),
	})
	c.errors = append(c.errors, event)
}

// CreateChild builds the context for a sub-workflow run. The child sees
// exactly the inputs passed here plus a parent scope identifying the caller.
func (c *Context) CreateChild(workflowId string, inputs map[string]any) *Context {
	child := NewContext(workflowId, inputs)
	child.variables[SCOPE_PARENT] = map[string]any{
		"workflow_id":  c.workflowId,
		"execution_id": c.executionId,
	}
	return child
}

// MergeChildOutputs returns the child's outputs scope for the parent step to
// capture. Only outputs cross the child/parent boundary.
func (c *Context) MergeChildOutputs(child *Context) map[string]any {
	child.mu.RLock()
	defer child.mu.RUnlock()
	outputs, _ := copyValue(child.variables[SCOPE_OUTPUTS]).(map[string]any)
	if outputs == nil {
		outputs = map[string]any{}
	}
	return outputs
}

// Snapshot returns a deep copy of the full run state: the variable scopes at
// top level for expression resolution, plus identity, status, timing,
// history and errors for export.
func (c *Context) Snapshot() map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	snapshot := make(map[string]any, len(c.variables)+6)
	for scope, values := range c.variables {
		snapshot[scope] = copyValue(values)
	}
	snapshot["workflow_id"] = c.workflowId
	snapshot["execution_id"] = c.executionId
	snapshot["status"] = string(c.status)
	snapshot["start_time"] = c.startTime.Format(time.RFC3339Nano)
	if !c.endTime.IsZero() {
		snapshot["end_time"] = c.endTime.Format(time.RFC3339Nano)
	}
	snapshot["history"] = append([]model.HistoryEvent(nil), c.history...)
	snapshot["errors"] = append([]model.HistoryEvent(nil), c.errors...)
	return snapshot
}

func (c *Context) History() []model.HistoryEvent {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]model.HistoryEvent(nil), c.history...)
}

func (c *Context) Errors() []model.HistoryEvent {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]model.HistoryEvent(nil), c.errors...)
}

func (c *Context) CurrentStep() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.currentStep
}

// Summary reports status, timing and step counts for callers and logging.
func (c *Context) Summary() model.ExecutionSummary {
	c.mu.RLock()
	defer c.mu.RUnlock()

	summary := model.ExecutionSummary{
		WorkflowId:  c.workflowId,
		ExecutionId: c.executionId,
		Status:      c.status,
		StartTime:   c.startTime,
		ErrorCount:  len(c.errors),
	}
	if !c.endTime.IsZero() {
		end := c.endTime
		summary.EndTime = &end
		summary.DurationSeconds = c.endTime.Sub(c.startTime).Seconds()
	} else {
		summary.DurationSeconds = time.Now().UTC().Sub(c.startTime).Seconds()
	}
	for _, event := range c.history {
		switch event.Type {
		case model.EVENT_STEP_START:
			summary.StepsExecuted++
		case model.EVENT_STEP_COMPLETE:
			summary.StepsCompleted++
		}
	}
	outputs, _ := copyValue(c.variables[SCOPE_OUTPUTS]).(map[string]any)
	summary.Outputs = outputs
	return summary
}

func copyValue(value any) any {
	switch v := value.(type) {
	case map[string]any:
		out := make(map[string]any, len(v))
		for key, item := range v {
			out[key] = copyValue(item)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = copyValue(item)
		}
		return out
	default:
		return value
	}
}

func errorType(err error) string {
	switch err.(type) {
	case *model.StepExecutionError:
		return "StepExecutionError"
	case *model.WorkflowExecutionError:
		return "WorkflowExecutionError"
	case *model.InputValidationError:
		return "InputValidationError"
	case *model.SchemaValidationError:
		return "SchemaValidationError"
	case *model.DefinitionNotFoundError:
		return "DefinitionNotFoundError"
	case *model.CyclicDependencyError:
		return "CyclicDependencyError"
	default:
		return "Error"
	}
}
