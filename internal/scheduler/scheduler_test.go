package scheduler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/me/stageflow/internal/dag"
	"github.com/me/stageflow/internal/execution"
	"github.com/me/stageflow/internal/executor"
	"github.com/me/stageflow/internal/registry"
	"github.com/me/stageflow/internal/store"
	"github.com/me/stageflow/pkg/model"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testStore(t *testing.T) store.Store {
	t.Helper()
	st, err := store.NewSQLiteStore(":memory:", newTestLogger())
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	if err := st.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

const (
	copyStage1 = "cat $(inputs[0]) > $(outputs[0])"
	copyStage2 = "cat $(inputs[0]) $(inputs[1]) > $(outputs[0])"
)

// twoStage builds stage1 (sample data -> transient out1) and stage2
// (out1 + genome reference -> out2).
func twoStage(t *testing.T, cmd1, cmd2 string, res model.Resources) *registry.Templates {
	t.Helper()
	r := registry.NewTemplates()
	err := r.RegisterAll([]model.StageTemplate{
		{
			Name: "stage1", Inputs: []string{"{sample.path}"},
			Outputs: []string{"out/{sample}/out1"}, Transient: []string{"out/{sample}/out1"},
			Resources: res, Command: cmd1,
		},
		{
			Name: "stage2", Inputs: []string{"out/{sample}/out1", "{genome.reference}"},
			Outputs: []string{"out/{sample}/out2"}, Resources: res, Command: cmd2,
		},
	})
	if err != nil {
		t.Fatalf("RegisterAll: %v", err)
	}
	return r
}

// workspace creates input files for samples A and B and a reference.
// Samples named in missing get no input file.
func workspace(t *testing.T, missing ...string) (string, *registry.Entities) {
	t.Helper()
	dir := t.TempDir()
	skip := make(map[string]bool)
	for _, m := range missing {
		skip[m] = true
	}
	var sheet strings.Builder
	for _, s := range []string{"A", "B"} {
		path := filepath.Join(dir, "data", s+".fq")
		if !skip[s] {
			writeFile(t, path, "reads "+s+"\n")
		}
		sheet.WriteString(s + "," + path + ",g1\n")
	}
	ref := filepath.Join(dir, "ref", "g1.fa")
	writeFile(t, ref, ">ref\n")

	e := registry.NewEntities()
	if err := e.LoadSamples(strings.NewReader(sheet.String())); err != nil {
		t.Fatal(err)
	}
	if err := e.LoadGenomes(map[string]map[string]string{"g1": {"reference": ref}}); err != nil {
		t.Fatal(err)
	}
	return dir, e
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func build(t *testing.T, tmpl *registry.Templates, e *registry.Entities, dir string) *dag.DAG {
	t.Helper()
	d, err := dag.Build(tmpl, e, dir)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	return d
}

// countingRunner wraps the real executor and counts executions.
type countingRunner struct {
	*executor.Executor
	mu  sync.Mutex
	ran []string
}

func (r *countingRunner) Run(ctx context.Context, task *model.Task) (*executor.Result, error) {
	r.mu.Lock()
	r.ran = append(r.ran, task.ID.String())
	r.mu.Unlock()
	return r.Executor.Run(ctx, task)
}

func realRunner(dir string) *countingRunner {
	logger := newTestLogger()
	return &countingRunner{Executor: executor.New(execution.NewEnvironments(nil, nil, logger), dir, logger)}
}

func newScheduler(runner Runner, st store.Store, cfg Config) *Scheduler {
	return New(runner, st, nil, nil, cfg, newTestLogger())
}

func TestRun_TwoSamplesTwoStages(t *testing.T) {
	dir, e := workspace(t)
	d := build(t, twoStage(t, copyStage1, copyStage2, model.Resources{}), e, dir)
	st := testStore(t)

	rep, err := newScheduler(realRunner(dir), st, DefaultConfig()).Run(context.Background(), d)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !rep.OK() || rep.Executed != 4 || rep.Status != model.RunStatusCompleted {
		t.Fatalf("report = %+v", rep)
	}

	for _, s := range []string{"A", "B"} {
		data, err := os.ReadFile(filepath.Join(dir, "out", s, "out2"))
		if err != nil {
			t.Fatalf("out2 for %s: %v", s, err)
		}
		if string(data) != "reads "+s+"\n>ref\n" {
			t.Errorf("out2 for %s = %q", s, data)
		}
		// out1 is transient and every consumer succeeded.
		if _, err := os.Stat(filepath.Join(dir, "out", s, "out1")); !os.IsNotExist(err) {
			t.Errorf("transient out1 for %s was not removed", s)
		}
		a, err := st.GetArtifact(context.Background(), filepath.Join(dir, "out", s, "out1"))
		if err != nil || a == nil || !a.Removed {
			t.Errorf("artifact record for %s out1 = %+v, %v", s, a, err)
		}
	}

	recs, err := st.ListTasks(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 4 {
		t.Fatalf("recorded %d tasks, want 4", len(recs))
	}
	for _, rec := range recs {
		if rec.State != model.TaskStateSucceeded || rec.ExitCode == nil || *rec.ExitCode != 0 {
			t.Errorf("%s = %s exit %v", rec.ID, rec.State, rec.ExitCode)
		}
	}
	run, _ := st.LatestRun(context.Background())
	if run == nil || run.ID != rep.RunID || run.Status != model.RunStatusCompleted {
		t.Errorf("LatestRun = %+v", run)
	}
}

func TestRun_SecondRunExecutesNothing(t *testing.T) {
	dir, e := workspace(t)
	tmpl := twoStage(t, copyStage1, copyStage2, model.Resources{})
	st := testStore(t)

	first := realRunner(dir)
	if _, err := newScheduler(first, st, DefaultConfig()).Run(context.Background(), build(t, tmpl, e, dir)); err != nil {
		t.Fatal(err)
	}

	second := realRunner(dir)
	rep, err := newScheduler(second, st, DefaultConfig()).Run(context.Background(), build(t, tmpl, e, dir))
	if err != nil {
		t.Fatal(err)
	}
	if len(second.ran) != 0 || rep.Executed != 0 || rep.UpToDate != 4 {
		t.Errorf("second run executed %v (report %+v)", second.ran, rep)
	}
	if !rep.OK() {
		t.Error("second run should be OK")
	}
}

func TestRun_FailureIsolation(t *testing.T) {
	dir, e := workspace(t, "A")
	d := build(t, twoStage(t, copyStage1, copyStage2, model.Resources{}), e, dir)
	st := testStore(t)

	rep, err := newScheduler(realRunner(dir), st, DefaultConfig()).Run(context.Background(), d)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if rep.OK() || rep.Status != model.RunStatusFailed {
		t.Fatalf("report should fail: %+v", rep)
	}

	a, _ := rep.Sample("A")
	if len(a.Failed) != 1 || a.Failed[0].Template != "stage1" || a.Failed[0].ExitCode == 0 {
		t.Errorf("A failed = %+v", a.Failed)
	}
	if len(a.Skipped) != 1 || a.Skipped[0] != "stage2" {
		t.Errorf("A skipped = %v", a.Skipped)
	}
	b, _ := rep.Sample("B")
	if !b.OK() {
		t.Errorf("B should succeed: %+v", b)
	}

	for _, p := range []string{"out/A/out1", "out/A/out2"} {
		if _, err := os.Stat(filepath.Join(dir, p)); !os.IsNotExist(err) {
			t.Errorf("%s should not exist", p)
		}
	}
	if _, err := os.Stat(filepath.Join(dir, "out/B/out2")); err != nil {
		t.Errorf("B output missing: %v", err)
	}

	rec, _ := st.GetTask(context.Background(), model.TaskID{Template: "stage2", Sample: "A"})
	if rec == nil || rec.State != model.TaskStateFailedByPropagation {
		t.Errorf("A.stage2 record = %+v", rec)
	}

	var sb strings.Builder
	rep.Write(&sb)
	if !strings.Contains(sb.String(), "failed:  stage1") || !strings.Contains(sb.String(), "skipped: stage2") {
		t.Errorf("report text:\n%s", sb.String())
	}

	// Fix the input and rerun: only sample A does work.
	writeFile(t, filepath.Join(dir, "data", "A.fq"), "reads A\n")
	again := realRunner(dir)
	rep, err = newScheduler(again, st, DefaultConfig()).Run(context.Background(), build(t, twoStage(t, copyStage1, copyStage2, model.Resources{}), e, dir))
	if err != nil {
		t.Fatal(err)
	}
	if !rep.OK() || strings.Join(again.ran, " ") != "A.stage1 A.stage2" || rep.UpToDate != 2 {
		t.Errorf("rerun executed %v, report %+v", again.ran, rep)
	}
}

func TestRun_CommandChangeRegeneratesTransient(t *testing.T) {
	dir, e := workspace(t)
	st := testStore(t)
	if _, err := newScheduler(realRunner(dir), st, DefaultConfig()).Run(context.Background(),
		build(t, twoStage(t, copyStage1, copyStage2, model.Resources{}), e, dir)); err != nil {
		t.Fatal(err)
	}

	// stage2 changes; its transient input is gone, so stage1 runs again too.
	changed := "cat $(inputs[1]) $(inputs[0]) > $(outputs[0])"
	runner := realRunner(dir)
	rep, err := newScheduler(runner, st, DefaultConfig()).Run(context.Background(),
		build(t, twoStage(t, copyStage1, changed, model.Resources{}), e, dir))
	if err != nil {
		t.Fatal(err)
	}
	if !rep.OK() || rep.Executed != 4 {
		t.Fatalf("executed %v, report %+v", runner.ran, rep)
	}
	data, _ := os.ReadFile(filepath.Join(dir, "out", "A", "out2"))
	if string(data) != ">ref\nreads A\n" {
		t.Errorf("out2 = %q", data)
	}
}

func TestRun_StaleOutputReruns(t *testing.T) {
	dir, e := workspace(t)
	st := testStore(t)
	tmpl := twoStage(t, copyStage1, copyStage2, model.Resources{})
	if _, err := newScheduler(realRunner(dir), st, DefaultConfig()).Run(context.Background(), build(t, tmpl, e, dir)); err != nil {
		t.Fatal(err)
	}

	// Sample B's raw data is newer than everything derived from it.
	later := time.Now().Add(time.Hour)
	if err := os.Chtimes(filepath.Join(dir, "data", "B.fq"), later, later); err != nil {
		t.Fatal(err)
	}
	runner := realRunner(dir)
	rep, err := newScheduler(runner, st, DefaultConfig()).Run(context.Background(), build(t, tmpl, e, dir))
	if err != nil {
		t.Fatal(err)
	}
	if strings.Join(runner.ran, " ") != "B.stage1 B.stage2" || rep.UpToDate != 2 {
		t.Errorf("ran %v, report %+v", runner.ran, rep)
	}
}

func TestRun_Force(t *testing.T) {
	dir, e := workspace(t)
	st := testStore(t)
	tmpl := twoStage(t, copyStage1, copyStage2, model.Resources{})
	if _, err := newScheduler(realRunner(dir), st, DefaultConfig()).Run(context.Background(), build(t, tmpl, e, dir)); err != nil {
		t.Fatal(err)
	}
	cfg := DefaultConfig()
	cfg.Force = true
	cfg.KeepTransient = true
	runner := realRunner(dir)
	rep, err := newScheduler(runner, st, cfg).Run(context.Background(), build(t, tmpl, e, dir))
	if err != nil {
		t.Fatal(err)
	}
	if rep.Executed != 4 {
		t.Errorf("forced run executed %v", runner.ran)
	}
	if _, err := os.Stat(filepath.Join(dir, "out", "A", "out1")); err != nil {
		t.Errorf("KeepTransient should keep out1: %v", err)
	}
}

// diamond builds s1 -> s2 -> s4 and s3 -> s4, with s1 and s3 reading the
// sample data.
func diamond(t *testing.T, cmd2, cmd3 string) *registry.Templates {
	t.Helper()
	r := registry.NewTemplates()
	err := r.RegisterAll([]model.StageTemplate{
		{Name: "s1", Inputs: []string{"{sample.path}"}, Outputs: []string{"out/{sample}/o1"}, Command: copyStage1},
		{Name: "s2", Inputs: []string{"out/{sample}/o1"}, Outputs: []string{"out/{sample}/o2"}, Command: cmd2},
		{Name: "s3", Inputs: []string{"{sample.path}"}, Outputs: []string{"out/{sample}/o3"}, Command: cmd3},
		{
			Name: "s4", Inputs: []string{"out/{sample}/o2", "out/{sample}/o3"},
			Outputs: []string{"out/{sample}/o4"}, Command: copyStage2,
		},
	})
	if err != nil {
		t.Fatalf("RegisterAll: %v", err)
	}
	return r
}

func TestRun_UpToDateRootReleasesSuccessorOnce(t *testing.T) {
	dir, e := workspace(t)
	st := testStore(t)
	cfg := DefaultConfig()
	cfg.Budget.Jobs = 8

	if _, err := newScheduler(realRunner(dir), st, cfg).Run(context.Background(), build(t, diamond(t, copyStage1, copyStage1), e, dir)); err != nil {
		t.Fatal(err)
	}

	// s1 stays up to date; its successor s2 is released when s1 is
	// settled during planning and must not be dispatched a second time.
	edited := "cat $(inputs[0]) $(inputs[0]) > $(outputs[0])"
	runner := realRunner(dir)
	rep, err := newScheduler(runner, st, cfg).Run(context.Background(), build(t, diamond(t, edited, edited), e, dir))
	if err != nil {
		t.Fatal(err)
	}
	if !rep.OK() || rep.UpToDate != 2 || rep.Executed != 6 {
		t.Errorf("report = %+v", rep)
	}
	slices.Sort(runner.ran)
	if got, want := strings.Join(runner.ran, " "), "A.s2 A.s3 A.s4 B.s2 B.s3 B.s4"; got != want {
		t.Errorf("executed %s, want %s", got, want)
	}
}

// fakeRunner simulates tasks without processes.
type fakeRunner struct {
	mu         sync.Mutex
	order      []string
	running    int
	maxRunning int
	memory     uint64
	maxMemory  uint64
	fail       map[string]bool
	delay      time.Duration
	block      bool
	started    chan string
}

func (r *fakeRunner) Run(ctx context.Context, task *model.Task) (*executor.Result, error) {
	r.mu.Lock()
	r.order = append(r.order, task.ID.String())
	r.running++
	r.memory += task.Resources.MemoryBytes
	r.maxRunning = max(r.maxRunning, r.running)
	r.maxMemory = max(r.maxMemory, r.memory)
	r.mu.Unlock()
	if r.started != nil {
		r.started <- task.ID.String()
	}

	defer func() {
		r.mu.Lock()
		r.running--
		r.memory -= task.Resources.MemoryBytes
		r.mu.Unlock()
	}()

	res := &executor.Result{StartedAt: time.Now()}
	if r.block {
		<-ctx.Done()
		return res, &model.TaskError{Task: task.ID, Phase: "execute", Err: ctx.Err()}
	}
	time.Sleep(r.delay)
	res.FinishedAt = time.Now()
	if r.fail[task.ID.String()] {
		res.ExitCode = 1
		return res, &model.TaskError{Task: task.ID, Phase: "execute", ExitCode: 1, Err: executor.ErrNonZeroExit}
	}
	for _, out := range task.Outputs {
		if err := os.MkdirAll(filepath.Dir(out), 0o755); err != nil {
			return res, err
		}
		if err := os.WriteFile(out, []byte(task.ID.String()), 0o644); err != nil {
			return res, err
		}
	}
	return res, nil
}

func (r *fakeRunner) RemoveTransient(ctx context.Context, path string) bool {
	return os.RemoveAll(path) == nil
}

const gb = 1 << 30

func TestRun_MemoryBudget(t *testing.T) {
	dir, e := workspace(t)
	d := build(t, twoStage(t, "true", "true", model.Resources{MemoryBytes: 6 * gb}), e, dir)

	runner := &fakeRunner{delay: 20 * time.Millisecond}
	cfg := Config{Budget: Budget{Jobs: 4, MemoryBytes: 10 * gb}}
	rep, err := newScheduler(runner, testStore(t), cfg).Run(context.Background(), d)
	if err != nil {
		t.Fatal(err)
	}
	if !rep.OK() {
		t.Fatalf("report = %+v", rep)
	}
	if runner.maxMemory > 10*gb || runner.maxRunning != 1 {
		t.Errorf("max memory %d, max running %d; want at most one 6GB task at a time", runner.maxMemory, runner.maxRunning)
	}
}

func TestRun_ThreadAndJobBudget(t *testing.T) {
	dir, e := workspace(t)
	d := build(t, twoStage(t, "true", "true", model.Resources{Threads: 2}), e, dir)

	runner := &fakeRunner{delay: 30 * time.Millisecond}
	rep, err := newScheduler(runner, testStore(t), Config{Budget: Budget{Jobs: 8, Threads: 4}}).Run(context.Background(), d)
	if err != nil || !rep.OK() {
		t.Fatalf("Run: %v, %+v", err, rep)
	}
	if runner.maxRunning != 2 {
		t.Errorf("max running = %d, want 2 (two 2-thread tasks fit 4 threads)", runner.maxRunning)
	}

	runner = &fakeRunner{delay: 30 * time.Millisecond}
	if _, err := newScheduler(runner, testStore(t), Config{Budget: Budget{Jobs: 1}}).Run(context.Background(), d); err != nil {
		t.Fatal(err)
	}
	if runner.maxRunning != 1 {
		t.Errorf("max running = %d with one job slot", runner.maxRunning)
	}
}

func TestRun_ResourceExceeded(t *testing.T) {
	dir, e := workspace(t)
	d := build(t, twoStage(t, "true", "true", model.Resources{MemoryBytes: 64 * gb}), e, dir)

	runner := &fakeRunner{}
	rep, err := newScheduler(runner, testStore(t), Config{Budget: Budget{Jobs: 2, MemoryBytes: 16 * gb}}).Run(context.Background(), d)
	if err != nil {
		t.Fatal(err)
	}
	if len(runner.order) != 0 {
		t.Errorf("oversized tasks were dispatched: %v", runner.order)
	}
	a, _ := rep.Sample("A")
	if len(a.Failed) != 1 || !strings.Contains(a.Failed[0].Error, model.ErrResourceExceeded.Error()) {
		t.Errorf("A failed = %+v", a.Failed)
	}
	if len(a.Skipped) != 1 {
		t.Errorf("A skipped = %v", a.Skipped)
	}
}

func TestRun_DeterministicOrder(t *testing.T) {
	dir, e := workspace(t)
	d := build(t, twoStage(t, "true", "true", model.Resources{}), e, dir)

	for i := 0; i < 3; i++ {
		runner := &fakeRunner{}
		if _, err := newScheduler(runner, testStore(t), Config{Budget: Budget{Jobs: 1}}).Run(context.Background(), d); err != nil {
			t.Fatal(err)
		}
		want := "A.stage1 A.stage2 B.stage1 B.stage2"
		if got := strings.Join(runner.order, " "); got != want {
			t.Fatalf("order = %s, want %s", got, want)
		}
	}
}

func TestRun_FailurePropagationWithFakeRunner(t *testing.T) {
	dir, e := workspace(t)
	d := build(t, twoStage(t, "true", "true", model.Resources{}), e, dir)

	runner := &fakeRunner{fail: map[string]bool{"B.stage1": true}}
	rep, err := newScheduler(runner, testStore(t), Config{Budget: Budget{Jobs: 1}}).Run(context.Background(), d)
	if err != nil {
		t.Fatal(err)
	}
	if got := strings.Join(runner.order, " "); got != "A.stage1 A.stage2 B.stage1" {
		t.Errorf("dispatched %s", got)
	}
	if rep.FailedCount() != 1 || rep.SkippedCount() != 1 {
		t.Errorf("failed %d skipped %d", rep.FailedCount(), rep.SkippedCount())
	}
	// A's branch completed, so its transient is gone.
	if _, err := os.Stat(filepath.Join(dir, "out", "A", "out1")); !os.IsNotExist(err) {
		t.Error("A out1 should be removed")
	}
}

func TestRun_Cancel(t *testing.T) {
	dir, e := workspace(t)
	d := build(t, twoStage(t, "true", "true", model.Resources{}), e, dir)
	st := testStore(t)

	runner := &fakeRunner{block: true, started: make(chan string, 4)}
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-runner.started
		cancel()
	}()

	rep, err := newScheduler(runner, st, Config{Budget: Budget{Jobs: 1}}).Run(ctx, d)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if !rep.Cancelled || rep.OK() || rep.Status != model.RunStatusCancelled {
		t.Errorf("report = %+v", rep)
	}
	if len(runner.order) != 1 {
		t.Errorf("dispatched after cancel: %v", runner.order)
	}
	run, _ := st.LatestRun(context.Background())
	if run.Status != model.RunStatusCancelled {
		t.Errorf("run status = %s", run.Status)
	}
	rec, _ := st.GetTask(context.Background(), model.TaskID{Template: "stage1", Sample: "B"})
	if rec == nil || rec.State != model.TaskStateReady {
		t.Errorf("B.stage1 = %+v, want READY (never dispatched)", rec)
	}
}
