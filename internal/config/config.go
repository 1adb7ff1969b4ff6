// Package config loads stageflow settings from defaults, an optional
// stageflow.yaml, STAGEFLOW_* environment variables and command-line flags,
// in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/spf13/viper"

	"github.com/me/stageflow/internal/execution"
	"github.com/me/stageflow/internal/logging"
	"github.com/me/stageflow/internal/parser"
	"github.com/me/stageflow/internal/tracing"
)

// EnvPrefix prefixes every environment override, e.g. STAGEFLOW_JOBS or
// STAGEFLOW_TRACING_ENABLED.
const EnvPrefix = "STAGEFLOW"

// Config holds everything a pipeline run needs besides the pipeline itself.
type Config struct {
	Pipeline string `mapstructure:"pipeline"`
	Samples  string `mapstructure:"samples"`
	Genomes  string `mapstructure:"genomes"`

	// WorkDir anchors relative output and log paths.
	WorkDir string `mapstructure:"workdir"`
	// StateDB is the SQLite state file. Relative paths are resolved
	// against WorkDir.
	StateDB string `mapstructure:"state_db"`

	Jobs    int    `mapstructure:"jobs"`
	Memory  string `mapstructure:"memory"`
	Threads int    `mapstructure:"threads"`

	// Runtime is the container runtime used for tasks that name an
	// environment: "local", "docker" or "apptainer".
	Runtime         string `mapstructure:"runtime"`
	ContainerBinary string `mapstructure:"container_binary"`

	KeepTransient bool `mapstructure:"keep_transient"`
	Force         bool `mapstructure:"force"`

	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"`

	Tracing tracing.Config `mapstructure:"tracing"`
}

// Defaults returns the built-in configuration.
func Defaults() Config {
	return Config{
		Pipeline:  "pipeline.yaml",
		Samples:   "samples.csv",
		Genomes:   "genomes.yaml",
		WorkDir:   ".",
		StateDB:   filepath.Join(".stageflow", "state.db"),
		Jobs:      runtime.NumCPU(),
		Runtime:   "local",
		LogLevel:  "info",
		LogFormat: logging.FormatText,
		Tracing:   tracing.DefaultConfig(),
	}
}

// SetDefaults registers every key with v so that environment variables
// are honoured by Unmarshal even when no config file mentions the key.
func SetDefaults(v *viper.Viper) {
	d := Defaults()
	v.SetDefault("pipeline", d.Pipeline)
	v.SetDefault("samples", d.Samples)
	v.SetDefault("genomes", d.Genomes)
	v.SetDefault("workdir", d.WorkDir)
	v.SetDefault("state_db", d.StateDB)
	v.SetDefault("jobs", d.Jobs)
	v.SetDefault("memory", d.Memory)
	v.SetDefault("threads", d.Threads)
	v.SetDefault("runtime", d.Runtime)
	v.SetDefault("container_binary", d.ContainerBinary)
	v.SetDefault("keep_transient", d.KeepTransient)
	v.SetDefault("force", d.Force)
	v.SetDefault("log_level", d.LogLevel)
	v.SetDefault("log_format", d.LogFormat)
	v.SetDefault("tracing.enabled", d.Tracing.Enabled)
	v.SetDefault("tracing.exporter", d.Tracing.Exporter)
	v.SetDefault("tracing.file_path", d.Tracing.FilePath)
	v.SetDefault("tracing.otlp_endpoint", d.Tracing.OTLPEndpoint)
	v.SetDefault("tracing.service_name", d.Tracing.ServiceName)
}

// Load reads the configuration into v and returns it validated.
//
// Config lookup order when cfgFile is empty:
//  1. ./stageflow.yaml
//  2. ~/.config/stageflow/stageflow.yaml
//
// A missing file is not an error; an explicit cfgFile that cannot be read is.
func Load(v *viper.Viper, cfgFile string) (*Config, error) {
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("stageflow")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".config", "stageflow"))
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks value ranges and enumerations.
func (c *Config) Validate() error {
	if c.Jobs < 1 {
		return fmt.Errorf("config: jobs must be at least 1, got %d", c.Jobs)
	}
	if c.Threads < 0 {
		return fmt.Errorf("config: threads must not be negative, got %d", c.Threads)
	}
	if _, err := c.MemoryBytes(); err != nil {
		return fmt.Errorf("config: memory: %w", err)
	}
	if _, err := logging.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if !logging.ValidFormat(c.LogFormat) {
		return fmt.Errorf("config: unknown log format %q", c.LogFormat)
	}
	if _, err := execution.New(c.Runtime, c.ContainerBinary); err != nil {
		return fmt.Errorf("config: runtime: %w", err)
	}
	switch c.Tracing.Exporter {
	case "stdout", "file", "otlp":
	default:
		return fmt.Errorf("config: unknown tracing exporter %q", c.Tracing.Exporter)
	}
	if c.Tracing.Enabled && c.Tracing.Exporter == "file" && c.Tracing.FilePath == "" {
		return errors.New("config: tracing.file_path is required for the file exporter")
	}
	return nil
}

// MemoryBytes parses the memory budget. Zero means unlimited.
func (c *Config) MemoryBytes() (uint64, error) {
	return parser.ParseMemory(c.Memory)
}

// StatePath returns the state database path, anchored at WorkDir when
// relative. ":memory:" is returned unchanged.
func (c *Config) StatePath() string {
	if c.StateDB == ":memory:" || filepath.IsAbs(c.StateDB) {
		return c.StateDB
	}
	return filepath.Join(c.WorkDir, c.StateDB)
}
