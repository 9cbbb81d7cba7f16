package action

import (
	"bytes"
	"context"
	"os/exec"
	"strings"
	"time"

	"github.com/spf13/cast"
	"go.uber.org/zap"

	"github.com/stepflow/stepflow/logger"
	"github.com/stepflow/stepflow/model"
)

// ShellHandler runs a step's command through the shell, bounded by the
// step's timeout. Timeout expiry surfaces as an ordinary step error so the
// step's onError policy decides what happens next.
type ShellHandler struct {
	// Shell overrides the interpreter; defaults to /bin/sh.
	Shell string
}

var _ Handler = &ShellHandler{}

func NewShellHandler() *ShellHandler {
	return &ShellHandler{}
}

func (h *ShellHandler) Execute(ctx context.Context, step *model.Step, inputs map[string]any) (map[string]any, error) {
	command := cast.ToString(inputs["command"])

	if step.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, step.Timeout)
		defer cancel()
	}

	shell := h.Shell
	if shell == "" {
		shell = "/bin/sh"
	}

	logger.Info("executing shell command", zap.String("step", step.Id), zap.String("command", command))

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, shell, "-c", command)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	// Without a wait delay, Run blocks past cancellation until every
	// descendant holding the output pipes exits.
	cmd.WaitDelay = time.Second

	err := cmd.Run()
	exitCode := 0
	if cmd.ProcessState != nil {
		exitCode = cmd.ProcessState.ExitCode()
	}
	outputs := map[string]any{
		"output":    strings.TrimRight(stdout.String(), "\n"),
		"stderr":    strings.TrimRight(stderr.String(), "\n"),
		"exit_code": exitCode,
	}
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return outputs, context.DeadlineExceeded
		}
		return outputs, err
	}
	return outputs, nil
}
