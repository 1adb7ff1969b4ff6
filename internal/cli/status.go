package cli

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/me/stageflow/pkg/model"
)

func newStatusCmd() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the recorded state of every task",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer st.Close()

			run, err := st.LatestRun(cmd.Context())
			if err != nil {
				return err
			}
			tasks, err := st.ListTasks(cmd.Context())
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if asJSON {
				data, err := json.MarshalIndent(map[string]any{"run": run, "tasks": tasks}, "", "  ")
				if err != nil {
					return fmt.Errorf("encode status: %w", err)
				}
				fmt.Fprintln(out, string(data))
				return nil
			}

			if run == nil {
				fmt.Fprintln(out, "No runs recorded.")
				return nil
			}
			fmt.Fprintf(out, "Last run: %s\n", run.ID)
			fmt.Fprintf(out, "  State:   %s\n", run.Status)
			fmt.Fprintf(out, "  Started: %s (%s)\n", run.StartedAt.Format(time.RFC3339), humanize.Time(run.StartedAt))
			if run.CompletedAt != nil {
				fmt.Fprintf(out, "  Elapsed: %s\n", run.CompletedAt.Sub(run.StartedAt).Round(time.Millisecond))
			}

			counts := make(map[model.TaskState]int)
			for _, t := range tasks {
				counts[t.State]++
			}
			fmt.Fprintf(out, "  Tasks:   %d total", len(tasks))
			for _, s := range []model.TaskState{
				model.TaskStateSucceeded, model.TaskStateFailed, model.TaskStateFailedByPropagation,
				model.TaskStateRunning, model.TaskStateReady, model.TaskStatePending,
			} {
				if counts[s] > 0 {
					fmt.Fprintf(out, ", %d %s", counts[s], s)
				}
			}
			fmt.Fprintln(out)

			if len(tasks) == 0 {
				return nil
			}
			fmt.Fprintf(out, "\n%-40s  %-22s  %-5s  %s\n", "TASK", "STATE", "EXIT", "UPDATED")
			fmt.Fprintf(out, "%-40s  %-22s  %-5s  %s\n", "----", "-----", "----", "-------")
			for _, t := range tasks {
				exit := "-"
				if t.ExitCode != nil {
					exit = fmt.Sprint(*t.ExitCode)
				}
				fmt.Fprintf(out, "%-40s  %-22s  %-5s  %s\n", t.ID, t.State, exit, humanize.Time(t.UpdatedAt))
				if t.State == model.TaskStateFailed && t.Error != "" {
					fmt.Fprintf(out, "    error: %s\n    log:   %s\n", t.Error, t.LogPath)
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the run and task records as JSON")
	return cmd
}
