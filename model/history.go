package model

import "time"

type ExecutionStatus string

const STATUS_RUNNING ExecutionStatus = "running"
const STATUS_COMPLETED ExecutionStatus = "completed"
const STATUS_FAILED ExecutionStatus = "failed"

type EventType string

const EVENT_STEP_START EventType = "step_start"
const EVENT_STEP_COMPLETE EventType = "step_complete"
const EVENT_STEP_ERROR EventType = "step_error"
const EVENT_WORKFLOW_COMPLETE EventType = "workflow_complete"
const EVENT_WORKFLOW_ERROR EventType = "workflow_error"

// HistoryEvent is one entry in a run's append-only audit trail. Seq is a
// per-context monotonic counter so chronological order survives concurrent
// appends from parallel steps.
type HistoryEvent struct {
	Seq          int            `json:"seq"`
	Type         EventType      `json:"type"`
	Timestamp    time.Time      `json:"timestamp"`
	StepId       string         `json:"step_id,omitempty"`
	StepName     string         `json:"step_name,omitempty"`
	Action       ActionType     `json:"action,omitempty"`
	Outputs      map[string]any `json:"outputs,omitempty"`
	ErrorType    string         `json:"error_type,omitempty"`
	ErrorMessage string         `json:"error_message,omitempty"`
	Duration     float64        `json:"duration,omitempty"`
}

// ExecutionSummary is the compact caller-facing view of one run.
type ExecutionSummary struct {
	WorkflowId      string          `json:"workflow_id"`
	ExecutionId     string          `json:"execution_id"`
	Status          ExecutionStatus `json:"status"`
	StartTime       time.Time       `json:"start_time"`
	EndTime         *time.Time      `json:"end_time,omitempty"`
	DurationSeconds float64         `json:"duration_seconds"`
	StepsExecuted   int             `json:"steps_executed"`
	StepsCompleted  int             `json:"steps_completed"`
	ErrorCount      int             `json:"error_count"`
	Outputs         map[string]any  `json:"outputs"`
}
