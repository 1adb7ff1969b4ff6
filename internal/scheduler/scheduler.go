// Package scheduler executes a task DAG under a resource budget. A single
// coordinator goroutine owns all task state; workers only run tasks and
// report back.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/me/stageflow/internal/dag"
	"github.com/me/stageflow/internal/executor"
	"github.com/me/stageflow/internal/freshness"
	"github.com/me/stageflow/internal/store"
	"github.com/me/stageflow/internal/tracing"
	"github.com/me/stageflow/pkg/model"
)

// Runner executes single tasks.
type Runner interface {
	Run(ctx context.Context, task *model.Task) (*executor.Result, error)
	RemoveTransient(ctx context.Context, path string) bool
}

// Config holds scheduler configuration.
type Config struct {
	Budget Budget
	// Force reruns every task regardless of recorded state.
	Force bool
	// KeepTransient disables deletion of transient artifacts.
	KeepTransient bool
}

// DefaultConfig returns one job per CPU and no memory or thread limit.
func DefaultConfig() Config {
	return Config{Budget: Budget{Jobs: runtime.NumCPU()}}
}

// Scheduler runs DAGs.
type Scheduler struct {
	runner Runner
	store  store.Store
	fresh  *freshness.Checker
	tracer trace.Tracer
	cfg    Config
	logger *slog.Logger
	now    func() time.Time
}

// New creates a Scheduler. A nil tracer disables tracing.
func New(runner Runner, st store.Store, fresh *freshness.Checker, tracer trace.Tracer, cfg Config, logger *slog.Logger) *Scheduler {
	if cfg.Budget.Jobs <= 0 {
		cfg.Budget.Jobs = runtime.NumCPU()
	}
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("noop")
	}
	if fresh == nil {
		fresh = freshness.New(0)
	}
	return &Scheduler{
		runner: runner,
		store:  st,
		fresh:  fresh,
		tracer: tracer,
		cfg:    cfg,
		logger: logger.With("component", "scheduler"),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// completion is what a worker reports back.
type completion struct {
	id     model.TaskID
	result *executor.Result
	err    error
}

// coordinator is the state of one Run. Only the Run goroutine touches it.
type coordinator struct {
	*Scheduler
	d       *dag.DAG
	runID   string
	mustRun map[model.TaskID]string

	states   map[model.TaskID]model.TaskState
	records  map[model.TaskID]*model.TaskRecord
	waiting  map[model.TaskID]int // unfinished predecessors
	ready    []model.TaskID
	used     usage
	running  int
	done     chan completion
	report   *Report
	storeErr error
}

// Run executes d and returns a report. The error is non-nil only for
// failures of the scheduler itself (state store) or cancellation; task
// failures are reported in the Report.
func (s *Scheduler) Run(ctx context.Context, d *dag.DAG) (*Report, error) {
	runID := uuid.New().String()
	ctx, span := s.tracer.Start(ctx, tracing.SpanRun, trace.WithAttributes(
		tracing.AttrRunID.String(runID),
		tracing.AttrTaskCount.Int(d.Len()),
	))
	defer span.End()

	started := s.now()
	if err := s.store.CreateRun(ctx, &model.Run{ID: runID, Status: model.RunStatusRunning, StartedAt: started}); err != nil {
		return nil, fmt.Errorf("create run: %w", err)
	}

	mustRun, err := s.plan(ctx, d)
	if err != nil {
		return nil, fmt.Errorf("plan: %w", err)
	}
	s.logger.Info("run started", "run_id", runID, "tasks", d.Len(), "to_run", len(mustRun), "budget", s.cfg.Budget.String())
	for _, id := range d.Order {
		if reason, ok := mustRun[id]; ok {
			s.logger.Debug("task scheduled", "task", id.String(), "reason", reason)
		}
	}

	c := &coordinator{
		Scheduler: s,
		d:         d,
		runID:     runID,
		mustRun:   mustRun,
		states:    make(map[model.TaskID]model.TaskState, d.Len()),
		records:   make(map[model.TaskID]*model.TaskRecord, d.Len()),
		waiting:   make(map[model.TaskID]int, d.Len()),
		done:      make(chan completion, d.Len()),
		report:    newReport(runID, d),
	}
	runErr := c.loop(ctx)

	status := model.RunStatusCompleted
	switch {
	case runErr != nil:
		status = model.RunStatusCancelled
	case !c.report.OK():
		status = model.RunStatusFailed
	}
	c.report.Status = status
	c.report.Duration = s.now().Sub(started)

	// The run record is written even when ctx is already cancelled.
	finishCtx := context.WithoutCancel(ctx)
	if err := s.store.FinishRun(finishCtx, runID, status, s.now()); err != nil {
		c.noteStoreErr(err)
	}
	if runErr == nil && c.storeErr != nil {
		runErr = fmt.Errorf("state store: %w", c.storeErr)
	}

	if status != model.RunStatusCompleted {
		span.SetStatus(codes.Error, status.String())
	}
	s.logger.Info("run finished", "run_id", runID, "status", status,
		"executed", c.report.Executed, "up_to_date", c.report.UpToDate,
		"failed", c.report.FailedCount(), "skipped", c.report.SkippedCount(),
		"duration", c.report.Duration.Round(time.Millisecond))
	return c.report, runErr
}

func (c *coordinator) loop(ctx context.Context) error {
	for _, id := range c.d.Order {
		c.states[id] = model.TaskStatePending
		c.waiting[id] = len(c.d.Predecessors(id))
	}
	// Roots are collected before any is released: an up-to-date root
	// releases its successors immediately.
	var roots []model.TaskID
	for _, id := range c.d.Order {
		if c.waiting[id] == 0 {
			roots = append(roots, id)
		}
	}
	for _, id := range roots {
		c.makeReady(ctx, id)
	}

	cancelled := false
	for {
		if !cancelled {
			c.dispatch(ctx)
		}
		if c.running == 0 {
			break
		}
		select {
		case comp := <-c.done:
			c.complete(ctx, comp)
		case <-ctx.Done():
			if !cancelled {
				cancelled = true
				c.logger.Warn("run cancelled, waiting for running tasks", "running", c.running)
			}
			// Workers observe the same ctx; keep collecting until they exit.
			comp := <-c.done
			c.complete(ctx, comp)
		}
	}
	if cancelled || ctx.Err() != nil {
		c.report.Cancelled = true
		return ctx.Err()
	}
	return nil
}

// makeReady moves a task whose predecessors all succeeded to READY, or
// straight to SUCCEEDED when its outputs are already satisfied.
func (c *coordinator) makeReady(ctx context.Context, id model.TaskID) {
	if c.states[id] != model.TaskStatePending {
		return
	}
	if _, run := c.mustRun[id]; !run {
		// Pending -> Ready -> Succeeded without touching the store: the
		// recorded success from the earlier run stays as it is.
		c.states[id] = model.TaskStateSucceeded
		c.report.UpToDate++
		c.logger.Debug("task up to date", "task", id.String())
		c.succeeded(ctx, id)
		return
	}
	c.transition(ctx, id, model.TaskStateReady, nil)
	c.ready = append(c.ready, id)
}

// dispatch starts ready tasks in ID order, first fit under the budget.
func (c *coordinator) dispatch(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	sort.Slice(c.ready, func(i, j int) bool { return c.ready[i].String() < c.ready[j].String() })

	var remaining []model.TaskID
	for _, id := range c.ready {
		task := c.d.Task(id)
		if err := c.cfg.Budget.admits(task.Resources); err != nil {
			c.fail(ctx, id, &model.TaskError{Task: id, Phase: "dispatch", Err: err}, nil)
			continue
		}
		if !c.used.fits(c.cfg.Budget, task.Resources) {
			remaining = append(remaining, id)
			continue
		}
		c.start(ctx, task)
	}
	c.ready = remaining
}

func (c *coordinator) start(ctx context.Context, task *model.Task) {
	id := task.ID
	now := c.now()
	if !c.transition(ctx, id, model.TaskStateRunning, func(r *model.TaskRecord) {
		r.StartedAt = &now
		r.CompletedAt = nil
		r.ExitCode = nil
		r.Error = ""
	}) {
		return
	}
	c.used.take(task.Resources)
	c.running++
	c.logger.Info("task started", "task", id.String(), "reason", c.mustRun[id], "resources", task.Resources.String())

	go func() {
		taskCtx, span := c.tracer.Start(ctx, tracing.SpanTask, trace.WithAttributes(
			tracing.AttrTaskID.String(id.String()),
			tracing.AttrSample.String(id.Sample),
			tracing.AttrTemplate.String(id.Template),
			tracing.AttrEnvironment.String(task.Environment),
		))
		res, err := c.runner.Run(taskCtx, task)
		if res != nil {
			span.SetAttributes(tracing.AttrExitCode.Int(res.ExitCode))
		}
		state := model.TaskStateSucceeded
		if err != nil {
			state = model.TaskStateFailed
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.SetAttributes(tracing.AttrState.String(state.String()))
		span.End()
		c.done <- completion{id: id, result: res, err: err}
	}()
}

func (c *coordinator) complete(ctx context.Context, comp completion) {
	task := c.d.Task(comp.id)
	c.used.give(task.Resources)
	c.running--

	if comp.err != nil {
		c.fail(ctx, comp.id, comp.err, comp.result)
		return
	}

	now := c.now()
	exit := 0
	c.fresh.Invalidate(task.Outputs...)
	artifacts := make([]model.ArtifactRecord, 0, len(task.Outputs))
	for _, out := range task.Outputs {
		artifacts = append(artifacts, model.ArtifactRecord{Marker: c.fresh.Stat(out), Producer: task.ID, Transient: task.IsTransient(out)})
	}
	if err := c.store.RecordOutputs(context.WithoutCancel(ctx), task.ID, artifacts); err != nil {
		c.noteStoreErr(err)
	}
	c.transition(ctx, comp.id, model.TaskStateSucceeded, func(r *model.TaskRecord) {
		r.CompletedAt = &now
		r.ExitCode = &exit
	})
	c.report.Executed++
	var elapsed time.Duration
	if comp.result != nil {
		elapsed = comp.result.Duration()
	}
	c.logger.Info("task succeeded", "task", comp.id.String(), "duration", elapsed.Round(time.Millisecond))
	c.succeeded(ctx, comp.id)
}

// succeeded releases dependents and deletes transient inputs that are no
// longer needed.
func (c *coordinator) succeeded(ctx context.Context, id model.TaskID) {
	task := c.d.Task(id)
	for _, in := range task.Inputs {
		c.maybeRemoveTransient(ctx, in)
	}
	for _, out := range task.Transient {
		c.maybeRemoveTransient(ctx, out)
	}
	for _, succ := range c.d.Successors(id) {
		c.waiting[succ]--
		if c.waiting[succ] == 0 && c.states[succ] == model.TaskStatePending {
			c.makeReady(ctx, succ)
		}
	}
}

// maybeRemoveTransient deletes path once it is a transient output whose
// producer and consumers have all succeeded.
func (c *coordinator) maybeRemoveTransient(ctx context.Context, path string) {
	if c.cfg.KeepTransient {
		return
	}
	producer, ok := c.d.Producer(path)
	if !ok || !c.d.Task(producer).IsTransient(path) || c.states[producer] != model.TaskStateSucceeded {
		return
	}
	for _, consumer := range c.d.Consumers(path) {
		if c.states[consumer] != model.TaskStateSucceeded {
			return
		}
	}
	// Deletion runs even during cancellation: every consumer has finished.
	cleanupCtx := context.WithoutCancel(ctx)
	if !c.runner.RemoveTransient(cleanupCtx, path) {
		return
	}
	c.fresh.Invalidate(path)
	if a, err := c.store.GetArtifact(cleanupCtx, path); err != nil {
		c.noteStoreErr(err)
	} else if a != nil && !a.Removed {
		if err := c.store.MarkRemoved(cleanupCtx, path); err != nil {
			c.noteStoreErr(err)
		}
	}
}

// fail marks id FAILED and every transitive dependent FAILED_BY_PROPAGATION.
func (c *coordinator) fail(ctx context.Context, id model.TaskID, err error, res *executor.Result) {
	now := c.now()
	c.transition(ctx, id, model.TaskStateFailed, func(r *model.TaskRecord) {
		r.CompletedAt = &now
		r.Error = err.Error()
		if res != nil {
			code := res.ExitCode
			r.ExitCode = &code
		}
	})
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		c.logger.Warn("task interrupted", "task", id.String())
	} else {
		c.logger.Error("task failed", "task", id.String(), "error", err, "log", c.d.Task(id).LogPath)
	}
	c.report.addFailure(c.d.Task(id), err)

	for _, desc := range c.d.Descendants(id) {
		if c.states[desc] != model.TaskStatePending {
			continue
		}
		c.transition(ctx, desc, model.TaskStateFailedByPropagation, func(r *model.TaskRecord) {
			r.Error = fmt.Sprintf("upstream %s failed", id)
		})
		c.report.addSkipped(desc)
	}
}

// transition moves id to state and persists the new record. Invalid
// transitions are programming errors: they are logged, not applied, and
// reported as false.
func (c *coordinator) transition(ctx context.Context, id model.TaskID, to model.TaskState, mutate func(*model.TaskRecord)) bool {
	from := c.states[id]
	if !from.CanTransitionTo(to) {
		c.logger.Error("invalid transition", "error", &model.InvalidTransitionError{ID: id.String(), From: from, To: to})
		return false
	}
	c.states[id] = to

	rec, ok := c.records[id]
	if !ok {
		task := c.d.Task(id)
		rec = &model.TaskRecord{ID: id, CommandHash: task.CommandHash, LogPath: task.LogPath}
		c.records[id] = rec
	}
	rec.RunID = c.runID
	rec.State = to
	rec.UpdatedAt = c.now()
	if mutate != nil {
		mutate(rec)
	}
	if err := c.store.UpdateTaskState(context.WithoutCancel(ctx), rec); err != nil {
		c.noteStoreErr(err)
	}
	return true
}

func (c *coordinator) noteStoreErr(err error) {
	c.logger.Error("state store", "error", err)
	if c.storeErr == nil {
		c.storeErr = err
	}
}
