package model

import (
	"regexp"
	"time"
)

// Document is a raw workflow definition as loaded from disk, before schema
// validation and parsing.
type Document map[string]any

type Category string

const CATEGORY_MASTER Category = "master"
const CATEGORY_CORE Category = "core"
const CATEGORY_SUPPORT Category = "support"
const CATEGORY_UTILITY Category = "utility"

var Categories = []Category{CATEGORY_MASTER, CATEGORY_CORE, CATEGORY_SUPPORT, CATEGORY_UTILITY}

func ValidCategory(c string) bool {
	for _, cat := range Categories {
		if string(cat) == c {
			return true
		}
	}
	return false
}

type ActionType string

const ACTION_EXECUTE_WORKFLOW ActionType = "execute-workflow"
const ACTION_SHELL_COMMAND ActionType = "shell-command"
const ACTION_GIT_OPERATION ActionType = "git-operation"
const ACTION_AZURE_DEVOPS ActionType = "azure-devops"
const ACTION_CONDITIONAL ActionType = "conditional"
const ACTION_WHILE_LOOP ActionType = "while-loop"
const ACTION_FOR_LOOP ActionType = "for-loop"
const ACTION_PARALLEL ActionType = "parallel"
const ACTION_WAIT ActionType = "wait"
const ACTION_SET_VARIABLE ActionType = "set-variable"
const ACTION_LOG ActionType = "log"

var ActionTypes = []ActionType{
	ACTION_EXECUTE_WORKFLOW,
	ACTION_SHELL_COMMAND,
	ACTION_GIT_OPERATION,
	ACTION_AZURE_DEVOPS,
	ACTION_CONDITIONAL,
	ACTION_WHILE_LOOP,
	ACTION_FOR_LOOP,
	ACTION_PARALLEL,
	ACTION_WAIT,
	ACTION_SET_VARIABLE,
	ACTION_LOG,
}

func ValidActionType(a string) bool {
	for _, at := range ActionTypes {
		if string(at) == a {
			return true
		}
	}
	return false
}

func (a ActionType) IsControlFlow() bool {
	switch a {
	case ACTION_CONDITIONAL, ACTION_WHILE_LOOP, ACTION_FOR_LOOP, ACTION_PARALLEL:
		return true
	}
	return false
}

type ErrorPolicy string

const ON_ERROR_FAIL ErrorPolicy = "fail"
const ON_ERROR_CONTINUE ErrorPolicy = "continue"
const ON_ERROR_RETRY ErrorPolicy = "retry"

func ValidErrorPolicy(p string) bool {
	return p == string(ON_ERROR_FAIL) || p == string(ON_ERROR_CONTINUE) || p == string(ON_ERROR_RETRY)
}

type Metadata struct {
	Id              string   `json:"id"`
	Name            string   `json:"name"`
	Version         string   `json:"version"`
	Type            Category `json:"type"`
	Description     string   `json:"description"`
	AverageDuration string   `json:"averageDuration,omitempty"`
	Tags            []string `json:"tags,omitempty"`
	Author          string   `json:"author,omitempty"`
}

type InputDef struct {
	Name        string         `json:"name"`
	Type        string         `json:"type"`
	Required    bool           `json:"required"`
	Description string         `json:"description,omitempty"`
	Default     any            `json:"default,omitempty"`
	HasDefault  bool           `json:"-"`
	Values      []any          `json:"values,omitempty"`
	Pattern     *regexp.Regexp `json:"-"`
}

type Prerequisite struct {
	Description string `json:"description"`
	Required    bool   `json:"required"`
	Check       string `json:"check,omitempty"`
}

type OutputDef struct {
	Name        string `json:"name"`
	Value       any    `json:"value"`
	Description string `json:"description,omitempty"`
}

// Step is a single unit of work. Action selects which of the variant fields
// are meaningful; the parser populates only the fields belonging to the
// step's action kind.
type Step struct {
	Id          string      `json:"id"`
	Name        string      `json:"name"`
	Description string      `json:"description,omitempty"`
	Action      ActionType  `json:"action"`
	OnError     ErrorPolicy `json:"onError"`
	RetryCount  int         `json:"retryCount"`

	// execute-workflow
	Workflow string `json:"workflow,omitempty"`
	// execute-workflow, git-operation, azure-devops
	Inputs map[string]any `json:"inputs,omitempty"`
	// shell-command
	Command string        `json:"command,omitempty"`
	Timeout time.Duration `json:"timeout,omitempty"`
	// git-operation, azure-devops
	Operation string `json:"operation,omitempty"`
	// conditional, while-loop
	Condition string `json:"condition,omitempty"`
	// for-loop
	Items any `json:"items,omitempty"`
	// conditional, while-loop, for-loop, parallel
	Steps []*Step `json:"steps,omitempty"`
	// wait
	Duration time.Duration `json:"duration,omitempty"`
	// set-variable
	Variable string `json:"variable,omitempty"`
	Value    any    `json:"value,omitempty"`
	// log
	Message string `json:"message,omitempty"`
	Level   string `json:"level,omitempty"`

	// Outputs names the keys of the action's result to capture under
	// steps.<id> in the execution context.
	Outputs []string `json:"outputs,omitempty"`
}

// Workflow is a parsed, validated definition ready for execution. It is
// immutable once produced by the parser.
type Workflow struct {
	Metadata        Metadata       `json:"metadata"`
	Inputs          []InputDef     `json:"inputs,omitempty"`
	Prerequisites   []Prerequisite `json:"prerequisites,omitempty"`
	Steps           []*Step        `json:"steps"`
	Outputs         []OutputDef    `json:"outputs,omitempty"`
	SuccessCriteria []string       `json:"successCriteria,omitempty"`
	ErrorHandling   map[string]any `json:"errorHandling,omitempty"`
}
