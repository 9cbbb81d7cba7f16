// Package action defines the pluggable handlers behind leaf steps. The
// engine resolves a step's expressions and hands the resolved inputs to the
// handler registered for the step's action kind; the handler returns an
// outputs map that downstream ${steps.x.field} references can read.
package action

import (
	"context"

	"github.com/stepflow/stepflow/model"
)

// Handler executes one leaf action kind. Implementations must honor ctx
// cancellation and the step's timeout where they block on I/O.
type Handler interface {
	Execute(ctx context.Context, step *model.Step, inputs map[string]any) (map[string]any, error)
}

// PrerequisiteChecker decides whether a declared prerequisite is satisfied
// before any step runs. The snapshot carries the run's validated inputs.
type PrerequisiteChecker interface {
	Check(ctx context.Context, prereq model.Prerequisite, snapshot map[string]any) (bool, error)
}

// AdvisoryChecker treats every prerequisite as satisfied. It is the default:
// prerequisites then act as documentation, not gates.
type AdvisoryChecker struct{}

var _ PrerequisiteChecker = AdvisoryChecker{}

func (AdvisoryChecker) Check(ctx context.Context, prereq model.Prerequisite, snapshot map[string]any) (bool, error) {
	return true, nil
}
