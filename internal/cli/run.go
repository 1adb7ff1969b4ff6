package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/me/stageflow/internal/execution"
	"github.com/me/stageflow/internal/executor"
	"github.com/me/stageflow/internal/freshness"
	"github.com/me/stageflow/internal/scheduler"
	"github.com/me/stageflow/internal/tracing"
)

// ErrRunFailed is returned by the run command when at least one task failed
// or was skipped. The report has already been printed.
var ErrRunFailed = errors.New("pipeline run failed")

func newRunCmd() *cobra.Command {
	var samples []string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the pipeline, executing only tasks that are not up to date",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runPipeline(ctx, cmd, samples)
		},
	}

	d := scheduler.DefaultConfig()
	f := cmd.Flags()
	f.IntP("jobs", "j", d.Budget.Jobs, "Maximum number of concurrently running tasks")
	f.String("memory", "", "Aggregate memory budget, e.g. 64GB (default unlimited)")
	f.Int("threads", 0, "Aggregate thread budget (default unlimited)")
	f.String("runtime", "local", "Container runtime for tasks naming an environment (local, docker, apptainer)")
	f.String("container-binary", "", "Path to the container runtime CLI")
	f.Bool("keep-transient", false, "Keep transient intermediate outputs")
	f.Bool("force", false, "Rerun every task regardless of recorded state")
	f.StringSliceVar(&samples, "sample", nil, "Restrict the run to these sample IDs (repeatable)")
	return cmd
}

func runPipeline(ctx context.Context, cmd *cobra.Command, samples []string) error {
	ws, err := loadWorkspace(samples)
	if err != nil {
		return err
	}

	st, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer st.Close()

	tp, err := tracing.NewProvider(ctx, cfg.Tracing)
	if err != nil {
		return fmt.Errorf("tracing: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(shutdownCtx); err != nil {
			logger.Warn("tracing shutdown", "error", err)
		}
	}()

	var container execution.Runtime
	if cfg.Runtime != "" && cfg.Runtime != "local" {
		if container, err = execution.New(cfg.Runtime, cfg.ContainerBinary); err != nil {
			return err
		}
	}
	envs := execution.NewEnvironments(&execution.LocalRuntime{}, container, logger)
	exec := executor.New(envs, ws.workDir, logger)

	mem, err := cfg.MemoryBytes()
	if err != nil {
		return err
	}
	sc := scheduler.Config{
		Budget:        scheduler.Budget{Jobs: cfg.Jobs, MemoryBytes: mem, Threads: cfg.Threads},
		Force:         cfg.Force,
		KeepTransient: cfg.KeepTransient,
	}
	logger.Info("starting run",
		"samples", len(ws.entities.Samples()),
		"tasks", ws.dag.Len(),
		"budget", sc.Budget.String(),
		"runtime", cfg.Runtime,
	)

	s := scheduler.New(exec, st, freshness.New(freshness.DefaultTTL), tp.Tracer(), sc, logger)
	report, runErr := s.Run(ctx, ws.dag)
	if report != nil {
		report.Write(cmd.OutOrStdout())
	}
	if runErr != nil {
		return runErr
	}
	if !report.OK() {
		return fmt.Errorf("%w: %d failed, %d skipped", ErrRunFailed, report.FailedCount(), report.SkippedCount())
	}
	return nil
}
