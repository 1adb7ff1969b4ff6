package cli

import (
	"log/slog"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/me/stageflow/internal/config"
	"github.com/me/stageflow/internal/logging"
)

var (
	flagConfig string

	cfg    *config.Config
	logger *slog.Logger
)

// NewRootCmd creates the root cobra command for the stageflow CLI.
func NewRootCmd() *cobra.Command {
	v := viper.New()
	d := config.Defaults()

	root := &cobra.Command{
		Use:   "stageflow",
		Short: "stageflow: incremental per-sample pipeline scheduler",
		Long: `stageflow expands stage templates over a sample sheet into a task DAG
and runs it concurrently under a resource budget. Tasks whose outputs are
up to date are skipped, so an interrupted or partially failed run can be
resumed by running it again.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			bindFlags(v, cmd.Flags())
			c, err := config.Load(v, flagConfig)
			if err != nil {
				return err
			}
			level, _ := logging.ParseLevel(c.LogLevel)
			cfg = c
			logger = logging.NewLoggerWithWriter(level, c.LogFormat, cmd.ErrOrStderr())
			return nil
		},
		SilenceUsage: true,
	}

	pf := root.PersistentFlags()
	pf.StringVar(&flagConfig, "config", "", "Config file (default ./stageflow.yaml or ~/.config/stageflow/stageflow.yaml)")
	pf.String("log-level", d.LogLevel, "Log level (debug, info, warn, error)")
	pf.String("log-format", d.LogFormat, "Log format (text, json)")
	pf.StringP("pipeline", "p", d.Pipeline, "Pipeline definition (YAML)")
	pf.StringP("samples", "s", d.Samples, "Sample sheet (sample_id,input_path,genome_id)")
	pf.StringP("genomes", "g", d.Genomes, "Genome config (YAML)")
	pf.StringP("workdir", "C", d.WorkDir, "Directory relative output paths are resolved against")
	pf.String("state-db", d.StateDB, "State database, relative to the workdir")

	root.AddCommand(
		newRunCmd(),
		newDAGCmd(),
		newValidateCmd(),
		newStatusCmd(),
	)

	return root
}

// bindFlags binds every flag of the executing command to the viper key of
// the same name with dashes turned into underscores.
func bindFlags(v *viper.Viper, fs *pflag.FlagSet) {
	fs.VisitAll(func(f *pflag.Flag) {
		switch f.Name {
		case "config", "help", "sample", "json":
			return
		}
		key := strings.ReplaceAll(f.Name, "-", "_")
		_ = v.BindPFlag(key, f)
	})
}
