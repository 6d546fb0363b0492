package settlement

import (
	"bytes"
	"context"
	"os/exec"
	"strings"
	"time"

	"github.com/paw-chain/mosaic/x/jobs/types"
)

// Task is the unit of work a worker executes for a job.
type Task struct {
	JobID   string `json:"job_id"`
	ModelID string `json:"model_id"`
	Input   string `json:"input"`
}

// Executor produces the output of a task. The orchestrator calls it exactly
// once per job; a failure is never retried.
type Executor interface {
	Execute(ctx context.Context, task Task) (string, error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, task Task) (string, error)

// Execute implements Executor.
func (f ExecutorFunc) Execute(ctx context.Context, task Task) (string, error) { return f(ctx, task) }

// CommandExecutor runs a subprocess with the task input on stdin and takes
// its trimmed stdout as the output. The job and model ids are passed in
// MOSAIC_JOB_ID and MOSAIC_MODEL_ID.
type CommandExecutor struct {
	Command string
	Args    []string
	Timeout time.Duration
}

// Execute implements Executor.
func (e *CommandExecutor) Execute(ctx context.Context, task Task) (string, error) {
	if e.Command == "" {
		return "", types.ErrExecutionFailed.Wrap("no executor command configured")
	}
	if e.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, e.Command, e.Args...)
	cmd.Stdin = strings.NewReader(task.Input)
	cmd.Env = append(cmd.Environ(), "MOSAIC_JOB_ID="+task.JobID, "MOSAIC_MODEL_ID="+task.ModelID)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return "", types.ErrExecutionFailed.Wrapf("job %s: %s", task.JobID, msg)
	}
	out := strings.TrimSpace(stdout.String())
	if out == "" {
		return "", types.ErrExecutionFailed.Wrapf("job %s: executor produced no output", task.JobID)
	}
	return out, nil
}
