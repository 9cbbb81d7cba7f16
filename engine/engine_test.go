package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/stepflow/stepflow/config"
	"github.com/stepflow/stepflow/loader"
	"github.com/stepflow/stepflow/model"
	"github.com/stepflow/stepflow/registry"
)

func writeDefinition(t *testing.T, dir, category, id, body string) {
	t.Helper()
	categoryDir := filepath.Join(dir, "definitions", category)
	require.NoError(t, os.MkdirAll(categoryDir, 0755))
	content := fmt.Sprintf(`metadata:
  id: %s
  name: %s
  version: 1.0.0
  type: %s
  description: test workflow
%s`, id, id, category, body)
	require.NoError(t, os.WriteFile(filepath.Join(categoryDir, id+".yaml"), []byte(content), 0644))
}

func newTestEngine(t *testing.T, dir string, mutate func(*config.Config)) *Engine {
	t.Helper()
	cfg := config.Default()
	cfg.WorkflowsDir = dir
	cfg.RetryBackoff = time.Millisecond
	if mutate != nil {
		mutate(&cfg)
	}
	reg := registry.New(loader.New(dir), filepath.Join(dir, "index.json"))
	return New(reg, cfg)
}

// stubHandler stands in for a leaf action handler and scripts its responses
// by call number.
type stubHandler struct {
	mu    sync.Mutex
	calls []map[string]any
	fn    func(call int, inputs map[string]any) (map[string]any, error)
}

func (s *stubHandler) Execute(_ context.Context, _ *model.Step, inputs map[string]any) (map[string]any, error) {
	s.mu.Lock()
	s.calls = append(s.calls, inputs)
	call := len(s.calls)
	s.mu.Unlock()
	return s.fn(call, inputs)
}

func (s *stubHandler) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

func failingStub(message string) *stubHandler {
	return &stubHandler{fn: func(int, map[string]any) (map[string]any, error) {
		return nil, fmt.Errorf("%s", message)
	}}
}

func eventTypes(events []model.HistoryEvent) []model.EventType {
	types := make([]model.EventType, len(events))
	for i, event := range events {
		types[i] = event.Type
	}
	return types
}

func TestSetVariableAndOutputResolution(t *testing.T) {
	dir := t.TempDir()
	writeDefinition(t, dir, "utility", "greet", `inputs:
  - name: NAME
    type: string
    required: true
steps:
  - id: set
    action: set-variable
    variable: context.greeting
    value: hello ${inputs.NAME}
outputs:
  - name: GREETING
    value: ${context.greeting}
`)

	eng := newTestEngine(t, dir, nil)
	ec, err := eng.Execute(context.Background(), "greet", map[string]any{"NAME": "alice"})
	require.NoError(t, err)

	require.Equal(t, model.STATUS_COMPLETED, ec.Status())
	summary := ec.Summary()
	require.Equal(t, "hello alice", summary.Outputs["GREETING"])
	require.Equal(t, []model.EventType{
		model.EVENT_STEP_START,
		model.EVENT_STEP_COMPLETE,
		model.EVENT_WORKFLOW_COMPLETE,
	}, eventTypes(ec.History()))
}

func TestForLoopBindsItemAndIndex(t *testing.T) {
	dir := t.TempDir()
	writeDefinition(t, dir, "utility", "iterate", `steps:
  - id: loop
    action: for-loop
    items: [a, b, c]
    outputs: [count]
    steps:
      - id: record
        action: git-operation
        operation: checkout
        inputs:
          item: ${temp.item}
          index: ${temp.index}
`)

	stub := &stubHandler{fn: func(int, map[string]any) (map[string]any, error) {
		return map[string]any{}, nil
	}}
	eng := newTestEngine(t, dir, nil)
	eng.RegisterHandler(model.ACTION_GIT_OPERATION, stub)

	ec, err := eng.Execute(context.Background(), "iterate", nil)
	require.NoError(t, err)

	require.Equal(t, []map[string]any{
		{"item": "a", "index": 0},
		{"item": "b", "index": 1},
		{"item": "c", "index": 2},
	}, stub.calls)
	require.Equal(t, 3, ec.Get("steps.loop.count", nil))
}

func TestSubWorkflowMergesOutputs(t *testing.T) {
	dir := t.TempDir()
	writeDefinition(t, dir, "support", "child", `inputs:
  - name: K
    type: string
    required: true
steps:
  - id: note
    action: log
    message: processing ${inputs.K}
outputs:
  - name: OUT
    value: ${inputs.K}-done
`)
	writeDefinition(t, dir, "master", "parent", `inputs:
  - name: K
    type: string
    required: true
steps:
  - id: call
    action: execute-workflow
    workflow: child
    inputs:
      K: ${inputs.K}
    outputs: [OUT]
outputs:
  - name: FINAL
    value: ${steps.call.OUT}
`)

	eng := newTestEngine(t, dir, nil)
	ec, err := eng.Execute(context.Background(), "parent", map[string]any{"K": "k"})
	require.NoError(t, err)

	require.Equal(t, model.STATUS_COMPLETED, ec.Status())
	require.Equal(t, "k-done", ec.Summary().Outputs["FINAL"])
	require.Empty(t, eng.ActiveExecutions())
}

func TestMissingRequiredInputFailsBeforeExecution(t *testing.T) {
	dir := t.TempDir()
	writeDefinition(t, dir, "utility", "greet", `inputs:
  - name: NAME
    type: string
    required: true
steps:
  - id: set
    action: set-variable
    variable: context.greeting
    value: hello ${inputs.NAME}
`)

	eng := newTestEngine(t, dir, nil)
	ec, err := eng.Execute(context.Background(), "greet", nil)

	var inputErr *model.InputValidationError
	require.ErrorAs(t, err, &inputErr)
	require.Equal(t, "NAME", inputErr.Input)
	require.Nil(t, ec)
}

func TestParallelContinueRecordsSingleFailure(t *testing.T) {
	dir := t.TempDir()
	writeDefinition(t, dir, "utility", "fanout", `steps:
  - id: par
    action: parallel
    onError: continue
    outputs: [ok, bad]
    steps:
      - id: ok
        action: log
        message: fine
      - id: bad
        action: git-operation
        operation: checkout
`)

	eng := newTestEngine(t, dir, nil)
	eng.RegisterHandler(model.ACTION_GIT_OPERATION, failingStub("remote unreachable"))

	ec, err := eng.Execute(context.Background(), "fanout", nil)
	require.NoError(t, err)
	require.Equal(t, model.STATUS_COMPLETED, ec.Status())

	var stepErrors []model.HistoryEvent
	for _, event := range ec.History() {
		if event.Type == model.EVENT_STEP_ERROR {
			stepErrors = append(stepErrors, event)
		}
	}
	require.Len(t, stepErrors, 1)
	require.Equal(t, "bad", stepErrors[0].StepId)
	require.Equal(t, 1, ec.Summary().ErrorCount)

	okResult, _ := ec.Get("steps.par.ok", nil).(map[string]any)
	require.Equal(t, "success", okResult["status"])
	badResult, _ := ec.Get("steps.par.bad", nil).(map[string]any)
	require.Equal(t, "failed", badResult["status"])
}

func TestStepsRunInDeclarationOrder(t *testing.T) {
	dir := t.TempDir()
	writeDefinition(t, dir, "utility", "ordered", `steps:
  - id: s1
    action: log
    message: one
  - id: s2
    action: log
    message: two
  - id: s3
    action: log
    message: three
`)

	eng := newTestEngine(t, dir, nil)
	ec, err := eng.Execute(context.Background(), "ordered", nil)
	require.NoError(t, err)

	var started []string
	for _, event := range ec.History() {
		if event.Type == model.EVENT_STEP_START {
			started = append(started, event.StepId)
		}
	}
	require.Equal(t, []string{"s1", "s2", "s3"}, started)
}

func TestStepFailureFailsWorkflow(t *testing.T) {
	dir := t.TempDir()
	writeDefinition(t, dir, "utility", "fragile", `steps:
  - id: breaks
    action: git-operation
    operation: push
  - id: never
    action: log
    message: unreachable
`)

	eng := newTestEngine(t, dir, nil)
	eng.RegisterHandler(model.ACTION_GIT_OPERATION, failingStub("push rejected"))

	ec, err := eng.Execute(context.Background(), "fragile", nil)

	var wfErr *model.WorkflowExecutionError
	require.ErrorAs(t, err, &wfErr)
	var stepErr *model.StepExecutionError
	require.ErrorAs(t, err, &stepErr)
	require.Equal(t, "breaks", stepErr.StepId)

	require.Equal(t, model.STATUS_FAILED, ec.Status())
	for _, event := range ec.History() {
		require.NotEqual(t, "never", event.StepId)
	}
	history := ec.History()
	require.Equal(t, model.EVENT_WORKFLOW_ERROR, history[len(history)-1].Type)
}

func TestOnErrorContinueProceedsToNextStep(t *testing.T) {
	dir := t.TempDir()
	writeDefinition(t, dir, "utility", "tolerant", `steps:
  - id: breaks
    action: git-operation
    operation: push
    onError: continue
  - id: after
    action: set-variable
    variable: context.reached
    value: yes-it-did
`)

	eng := newTestEngine(t, dir, nil)
	eng.RegisterHandler(model.ACTION_GIT_OPERATION, failingStub("push rejected"))

	ec, err := eng.Execute(context.Background(), "tolerant", nil)
	require.NoError(t, err)

	require.Equal(t, model.STATUS_COMPLETED, ec.Status())
	require.Equal(t, "yes-it-did", ec.Get("context.reached", nil))
	summary := ec.Summary()
	require.Equal(t, 1, summary.ErrorCount)
	require.Equal(t, 2, summary.StepsExecuted)
	require.Equal(t, 1, summary.StepsCompleted)
}

func TestRetryRecoversAfterTransientFailures(t *testing.T) {
	dir := t.TempDir()
	writeDefinition(t, dir, "utility", "flaky", `steps:
  - id: flaky
    action: git-operation
    operation: pull
    onError: retry
    retryCount: 3
    outputs: [result]
`)

	stub := &stubHandler{fn: func(call int, _ map[string]any) (map[string]any, error) {
		if call < 3 {
			return nil, fmt.Errorf("transient failure %d", call)
		}
		return map[string]any{"result": "done"}, nil
	}}
	eng := newTestEngine(t, dir, nil)
	eng.RegisterHandler(model.ACTION_GIT_OPERATION, stub)

	ec, err := eng.Execute(context.Background(), "flaky", nil)
	require.NoError(t, err)
	require.Equal(t, 3, stub.callCount())
	require.Equal(t, "done", ec.Get("steps.flaky.result", nil))
}

func TestRetryExhaustionFailsStep(t *testing.T) {
	dir := t.TempDir()
	writeDefinition(t, dir, "utility", "doomed", `steps:
  - id: doomed
    action: git-operation
    operation: pull
    onError: retry
    retryCount: 2
`)

	stub := failingStub("always down")
	eng := newTestEngine(t, dir, nil)
	eng.RegisterHandler(model.ACTION_GIT_OPERATION, stub)

	ec, err := eng.Execute(context.Background(), "doomed", nil)
	require.Error(t, err)
	require.Contains(t, err.Error(), "retries exhausted after 2 attempts")
	require.Equal(t, 3, stub.callCount())
	require.Equal(t, model.STATUS_FAILED, ec.Status())
}

func TestWhileLoopStopsWhenConditionTurnsFalse(t *testing.T) {
	dir := t.TempDir()
	writeDefinition(t, dir, "utility", "once", `steps:
  - id: seed
    action: set-variable
    variable: context.flag
    value: start
  - id: loop
    action: while-loop
    condition: ${context.flag} eq start
    outputs: [iterations]
    steps:
      - id: flip
        action: set-variable
        variable: context.flag
        value: done
`)

	eng := newTestEngine(t, dir, nil)
	ec, err := eng.Execute(context.Background(), "once", nil)
	require.NoError(t, err)
	require.Equal(t, 1, ec.Get("steps.loop.iterations", nil))
}

func TestWhileLoopIterationCap(t *testing.T) {
	dir := t.TempDir()
	writeDefinition(t, dir, "utility", "spin", `steps:
  - id: loop
    action: while-loop
    condition: 1 eq 1
    steps:
      - id: body
        action: log
        message: spinning
`)

	eng := newTestEngine(t, dir, func(cfg *config.Config) {
		cfg.MaxLoopIterations = 5
	})
	ec, err := eng.Execute(context.Background(), "spin", nil)
	require.Error(t, err)
	require.Contains(t, err.Error(), "exceeded 5 iterations")
	require.Equal(t, model.STATUS_FAILED, ec.Status())
}

func TestSubWorkflowDepthLimit(t *testing.T) {
	dir := t.TempDir()
	writeDefinition(t, dir, "master", "a", `steps:
  - id: call
    action: execute-workflow
    workflow: b
`)
	writeDefinition(t, dir, "core", "b", `steps:
  - id: call
    action: execute-workflow
    workflow: c
`)
	writeDefinition(t, dir, "support", "c", `steps:
  - id: note
    action: log
    message: deep enough
`)

	eng := newTestEngine(t, dir, func(cfg *config.Config) {
		cfg.MaxWorkflowDepth = 1
	})
	_, err := eng.Execute(context.Background(), "a", nil)
	require.Error(t, err)
	require.Contains(t, err.Error(), "depth exceeds limit")
}

func TestCancellationStopsWait(t *testing.T) {
	dir := t.TempDir()
	writeDefinition(t, dir, "utility", "sleepy", `steps:
  - id: nap
    action: wait
    duration: 1h
`)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	eng := newTestEngine(t, dir, nil)
	start := time.Now()
	ec, err := eng.Execute(ctx, "sleepy", nil)
	require.Error(t, err)
	require.Contains(t, err.Error(), "cancelled")
	require.Less(t, time.Since(start), 5*time.Second)
	require.Equal(t, model.STATUS_FAILED, ec.Status())
}

func TestUnknownWorkflow(t *testing.T) {
	eng := newTestEngine(t, t.TempDir(), nil)
	ec, err := eng.Execute(context.Background(), "ghost", nil)

	var notFound *model.DefinitionNotFoundError
	require.ErrorAs(t, err, &notFound)
	require.Equal(t, "ghost", notFound.WorkflowId)
	require.Nil(t, ec)
}

func TestConditionalGatesNestedSteps(t *testing.T) {
	dir := t.TempDir()
	writeDefinition(t, dir, "utility", "gated", `inputs:
  - name: GO
    type: boolean
    required: true
steps:
  - id: gate
    action: conditional
    condition: ${inputs.GO}
    steps:
      - id: inner
        action: set-variable
        variable: context.ran
        value: ran
`)

	eng := newTestEngine(t, dir, nil)

	ec, err := eng.Execute(context.Background(), "gated", map[string]any{"GO": true})
	require.NoError(t, err)
	require.Equal(t, "ran", ec.Get("context.ran", nil))

	ec, err = eng.Execute(context.Background(), "gated", map[string]any{"GO": false})
	require.NoError(t, err)
	require.Nil(t, ec.Get("context.ran", nil))
}
