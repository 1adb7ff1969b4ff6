// Package executor runs one task: it acquires the task's environment,
// writes outputs to staging paths, and promotes them on success.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/me/stageflow/internal/execution"
	"github.com/me/stageflow/pkg/model"
)

// ErrNonZeroExit is wrapped in the TaskError of a command that failed.
var ErrNonZeroExit = errors.New("command exited with non-zero status")

// Result describes a finished execution.
type Result struct {
	ExitCode   int
	StartedAt  time.Time
	FinishedAt time.Time
	Runtime    string
}

// Duration returns the wall time of the execution.
func (r *Result) Duration() time.Duration { return r.FinishedAt.Sub(r.StartedAt) }

// Executor runs tasks. It is safe for concurrent use.
type Executor struct {
	envs    *execution.Environments
	workDir string
	logger  *slog.Logger

	// newBackOff builds the retry policy for transient deletion.
	newBackOff func() backoff.BackOff
	now        func() time.Time
}

// New creates an Executor. Commands run with workDir as their working
// directory.
func New(envs *execution.Environments, workDir string, logger *slog.Logger) *Executor {
	return &Executor{
		envs:    envs,
		workDir: workDir,
		logger:  logger.With("component", "executor"),
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 100 * time.Millisecond
			b.MaxElapsedTime = 5 * time.Second
			return backoff.WithMaxRetries(b, 4)
		},
		now: time.Now,
	}
}

// Run executes task. On success every declared output exists at its final
// path. On any failure (including cancellation) no final output exists and
// the staging paths are removed; the log is kept. The returned error is a
// *model.TaskError; cancellation additionally matches ctx.Err(), and a
// command killed at its Resources.Time limit matches model.ErrTimeLimit.
func (e *Executor) Run(ctx context.Context, task *model.Task) (*Result, error) {
	logger := e.logger.With("task", task.ID.String())
	res := &Result{StartedAt: e.now()}

	lease, err := e.envs.Acquire(ctx, task.Environment)
	if err != nil {
		return nil, &model.TaskError{Task: task.ID, Phase: "acquire", Err: err}
	}
	defer lease.Release()
	res.Runtime = lease.Runtime.Name()

	if err := e.prepare(task); err != nil {
		return nil, &model.TaskError{Task: task.ID, Phase: "stage", Err: err}
	}

	logFile, err := os.Create(task.LogPath)
	if err != nil {
		return nil, &model.TaskError{Task: task.ID, Phase: "stage", Err: fmt.Errorf("open log: %w", err)}
	}
	defer logFile.Close()
	fmt.Fprintf(logFile, "# task %s started %s runtime=%s", task.ID, res.StartedAt.UTC().Format(time.RFC3339), res.Runtime)
	if task.Environment != "" {
		fmt.Fprintf(logFile, " environment=%s", task.Environment)
	}
	fmt.Fprintf(logFile, "\n# command: %s\n", task.Command)

	runCtx := ctx
	if limit := task.Resources.Time; limit > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, limit)
		defer cancel()
	}

	logger.Debug("executing", "runtime", res.Runtime, "command", task.Command)
	runRes, runErr := lease.Runtime.Run(runCtx, execution.RunSpec{
		Script:  task.Command,
		WorkDir: e.workDir,
		Image:   task.Environment,
		Binds:   bindDirs(task),
		Output:  logFile,
		Env: map[string]string{
			"STAGEFLOW_TASK":    task.ID.String(),
			"STAGEFLOW_THREADS": fmt.Sprint(task.Resources.EffectiveThreads()),
		},
	})
	res.FinishedAt = e.now()

	// The time limit fired while the caller's context is still live.
	if ctx.Err() == nil && errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		e.discardStaged(task)
		fmt.Fprintf(logFile, "# killed after %s: time limit %s\n", res.Duration().Round(time.Millisecond), task.Resources.Time)
		logger.Warn("time limit exceeded", "limit", task.Resources.Time)
		return res, &model.TaskError{
			Task:  task.ID,
			Phase: "timeout",
			Err:   fmt.Errorf("%w (%s)", model.ErrTimeLimit, task.Resources.Time),
		}
	}
	if runErr != nil {
		e.discardStaged(task)
		fmt.Fprintf(logFile, "# aborted after %s: %v\n", res.Duration().Round(time.Millisecond), runErr)
		return res, &model.TaskError{Task: task.ID, Phase: "execute", Err: runErr}
	}
	res.ExitCode = runRes.ExitCode
	fmt.Fprintf(logFile, "# exit %d after %s\n", res.ExitCode, res.Duration().Round(time.Millisecond))
	if res.ExitCode != 0 {
		e.discardStaged(task)
		return res, &model.TaskError{Task: task.ID, Phase: "execute", ExitCode: res.ExitCode, Err: ErrNonZeroExit}
	}

	if err := e.promote(task); err != nil {
		fmt.Fprintf(logFile, "# promotion failed: %v\n", err)
		return res, &model.TaskError{Task: task.ID, Phase: "promote", Err: err}
	}
	return res, nil
}

// prepare creates output and log directories and removes stale final and
// staging paths so that a failed run cannot leave an old output looking
// current.
func (e *Executor) prepare(task *model.Task) error {
	dirs := map[string]bool{filepath.Dir(task.LogPath): true}
	for _, out := range task.Outputs {
		dirs[filepath.Dir(out)] = true
	}
	for dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory: %w", err)
		}
	}
	for _, out := range task.Outputs {
		for _, p := range []string{out, task.StagedOutputs[out]} {
			if p == "" {
				continue
			}
			if err := os.RemoveAll(p); err != nil {
				return fmt.Errorf("remove stale %s: %w", p, err)
			}
		}
	}
	return nil
}

// promote verifies every staged output exists, then renames each into
// place. If any rename fails, outputs promoted so far are removed again.
func (e *Executor) promote(task *model.Task) error {
	for _, out := range task.Outputs {
		if _, err := os.Lstat(task.StagedOutputs[out]); err != nil {
			e.discardStaged(task)
			return fmt.Errorf("%w: %s", model.ErrMissingOutput, out)
		}
	}
	var promoted []string
	for _, out := range task.Outputs {
		if err := os.Rename(task.StagedOutputs[out], out); err != nil {
			for _, p := range promoted {
				os.RemoveAll(p)
			}
			e.discardStaged(task)
			return fmt.Errorf("promote %s: %w", out, err)
		}
		promoted = append(promoted, out)
	}
	return nil
}

func (e *Executor) discardStaged(task *model.Task) {
	for _, staged := range task.StagedOutputs {
		if err := os.RemoveAll(staged); err != nil {
			e.logger.Warn("remove staging path", "task", task.ID.String(), "path", staged, "error", err)
		}
	}
}

// RemoveTransient deletes a transient artifact, retrying with backoff.
// It reports whether the path is gone; failures are logged only.
func (e *Executor) RemoveTransient(ctx context.Context, path string) bool {
	op := func() error {
		err := os.RemoveAll(path)
		if err == nil || errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	if err := backoff.Retry(op, backoff.WithContext(e.newBackOff(), ctx)); err != nil {
		e.logger.Warn("transient artifact not removed", "path", path, "error", err)
		return false
	}
	e.logger.Debug("transient artifact removed", "path", path)
	return true
}

// bindDirs lists the directories a container must see.
func bindDirs(task *model.Task) []string {
	seen := make(map[string]bool)
	for _, p := range task.Inputs {
		seen[filepath.Dir(p)] = true
	}
	for _, p := range task.Outputs {
		seen[filepath.Dir(p)] = true
	}
	dirs := make([]string, 0, len(seen))
	for d := range seen {
		dirs = append(dirs, d)
	}
	sort.Strings(dirs)
	return dirs
}
