package model

import (
	"fmt"
	"strings"
)

// Violation is a single structural problem in a workflow document,
// addressed by a dotted path to the offending node.
type Violation struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

func (v Violation) String() string {
	if v.Path == "" {
		return v.Message
	}
	return fmt.Sprintf("at %s: %s", v.Path, v.Message)
}

type SchemaValidationError struct {
	Violations []Violation
}

func (e *SchemaValidationError) Error() string {
	msgs := make([]string, len(e.Violations))
	for i, v := range e.Violations {
		msgs[i] = v.String()
	}
	return fmt.Sprintf("workflow validation failed: %s", strings.Join(msgs, "; "))
}

type DefinitionNotFoundError struct {
	WorkflowId string
}

func (e *DefinitionNotFoundError) Error() string {
	return fmt.Sprintf("workflow '%s' not found", e.WorkflowId)
}

type InputValidationError struct {
	Input  string
	Reason string
}

func (e *InputValidationError) Error() string {
	return fmt.Sprintf("input '%s': %s", e.Input, e.Reason)
}

type StepExecutionError struct {
	StepId string
	Action ActionType
	Err    error
}

func (e *StepExecutionError) Error() string {
	return fmt.Sprintf("step '%s' (%s) failed: %v", e.StepId, e.Action, e.Err)
}

func (e *StepExecutionError) Unwrap() error {
	return e.Err
}

type WorkflowExecutionError struct {
	WorkflowId string
	Err        error
}

func (e *WorkflowExecutionError) Error() string {
	return fmt.Sprintf("workflow '%s' execution failed: %v", e.WorkflowId, e.Err)
}

func (e *WorkflowExecutionError) Unwrap() error {
	return e.Err
}

type CyclicDependencyError struct {
	Cycle []string
}

func (e *CyclicDependencyError) Error() string {
	return fmt.Sprintf("cyclic workflow dependency: %s", strings.Join(e.Cycle, " -> "))
}
