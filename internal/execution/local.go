package execution

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"time"
)

// waitDelay bounds how long Run waits for I/O after the process is killed.
const waitDelay = 5 * time.Second

// LocalRuntime executes commands with the host shell.
type LocalRuntime struct{}

// Name implements Runtime.
func (r *LocalRuntime) Name() string { return "local" }

// Prepare implements Runtime. The host needs no preparation.
func (r *LocalRuntime) Prepare(ctx context.Context, image string) error { return nil }

// Run executes spec.Script with /bin/sh -c.
func (r *LocalRuntime) Run(ctx context.Context, spec RunSpec) (*RunResult, error) {
	if spec.Script == "" {
		return nil, ErrEmptyCommand
	}
	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", spec.Script)
	return runCommand(ctx, cmd, spec, nil)
}

// runCommand wires spec onto cmd, runs it in its own process group and
// maps the exit status. A cancelled context kills the whole group after
// calling onCancel, if set.
func runCommand(ctx context.Context, cmd *exec.Cmd, spec RunSpec, onCancel func()) (*RunResult, error) {
	if spec.WorkDir != "" {
		if err := os.MkdirAll(spec.WorkDir, 0o755); err != nil {
			return nil, fmt.Errorf("create workdir: %w", err)
		}
		cmd.Dir = spec.WorkDir
	}

	cmd.Env = os.Environ()
	for k, v := range spec.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	out := spec.Output
	if out == nil {
		out = io.Discard
	}
	cmd.Stdout = out
	cmd.Stderr = out

	setProcessGroup(cmd)
	if onCancel != nil {
		kill := cmd.Cancel
		cmd.Cancel = func() error {
			onCancel()
			return kill()
		}
	}
	cmd.WaitDelay = waitDelay

	err := cmd.Run()
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return &RunResult{ExitCode: exitErr.ExitCode()}, nil
		}
		return nil, fmt.Errorf("run command: %w", err)
	}
	return &RunResult{ExitCode: 0}, nil
}
