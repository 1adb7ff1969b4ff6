package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

func newDAGCmd() *cobra.Command {
	var samples []string
	cmd := &cobra.Command{
		Use:   "dag",
		Short: "Print the task DAG as JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ws, err := loadWorkspace(samples)
			if err != nil {
				return err
			}
			data, err := json.MarshalIndent(ws.dag, "", "  ")
			if err != nil {
				return fmt.Errorf("encode dag: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(data))
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&samples, "sample", nil, "Restrict the DAG to these sample IDs (repeatable)")
	return cmd
}

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check the pipeline, sample sheet and genome config without running anything",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ws, err := loadWorkspace(nil)
			if err != nil {
				return err
			}
			if err := ws.dag.Check(); err != nil {
				return err
			}
			for _, w := range ws.warnings {
				fmt.Fprintf(cmd.OutOrStdout(), "warning: %s\n", w)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "ok: %d templates, %d samples, %d tasks, %d edges\n",
				ws.templates.Len(), len(ws.entities.Samples()), ws.dag.Len(), len(ws.dag.Edges()))
			return nil
		},
	}
}
