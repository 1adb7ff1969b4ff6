package cli

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/me/stageflow/internal/dag"
	"github.com/me/stageflow/internal/parser"
	"github.com/me/stageflow/internal/registry"
	"github.com/me/stageflow/internal/store"
)

// workspace is everything loaded from the pipeline, sample sheet and
// genome config.
type workspace struct {
	templates *registry.Templates
	entities  *registry.Entities
	dag       *dag.DAG
	workDir   string

	// warnings are load-time problems that do not stop a run.
	warnings []string
}

// loadWorkspace loads the three input documents and builds the DAG.
// Templates are registered before any sample is read, so an unresolvable
// input is reported without touching the sample sheet.
func loadWorkspace(samples []string) (*workspace, error) {
	workDir, err := filepath.Abs(cfg.WorkDir)
	if err != nil {
		return nil, fmt.Errorf("resolve workdir: %w", err)
	}
	p := parser.New(logger)

	defs, err := p.LoadPipelineFile(cfg.Pipeline)
	if err != nil {
		return nil, err
	}
	templates := registry.NewTemplates()
	if err := templates.RegisterAll(defs); err != nil {
		return nil, fmt.Errorf("pipeline %s: %w", cfg.Pipeline, err)
	}

	entities := registry.NewEntities()
	if err := entities.LoadSampleFile(cfg.Samples); err != nil {
		return nil, err
	}
	genomes, err := p.LoadGenomeFile(cfg.Genomes)
	if err != nil {
		return nil, err
	}
	if err := entities.LoadGenomes(genomes); err != nil {
		return nil, fmt.Errorf("genomes %s: %w", cfg.Genomes, err)
	}
	entities, err = entities.Select(samples)
	if err != nil {
		return nil, err
	}

	d, err := dag.Build(templates, entities, workDir)
	if err != nil {
		return nil, err
	}
	logger.Debug("dag built", "templates", templates.Len(), "tasks", d.Len())
	ws := &workspace{templates: templates, entities: entities, dag: d, workDir: workDir}
	ws.warnings = environmentWarnings(templates, cfg.Runtime)
	for _, w := range ws.warnings {
		logger.Warn(w)
	}
	return ws, nil
}

// environmentWarnings reports templates naming a container environment
// when only the local runtime is configured. Their tasks fail with
// ErrNoContainerRuntime.
func environmentWarnings(templates *registry.Templates, runtime string) []string {
	if runtime != "" && runtime != "local" {
		return nil
	}
	var warnings []string
	for _, c := range templates.Order() {
		if env := c.Template.Environment; env != "" {
			warnings = append(warnings, fmt.Sprintf(
				"template %s names environment %q but the runtime is local; its tasks will fail unless runtime is docker or apptainer",
				c.Template.Name, env))
		}
	}
	return warnings
}

// openStore opens and migrates the state database, creating its directory.
func openStore(ctx context.Context) (*store.SQLiteStore, error) {
	path := cfg.StatePath()
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create state directory: %w", err)
		}
	}
	st, err := store.NewSQLiteStore(path, logger)
	if err != nil {
		return nil, fmt.Errorf("open state store: %w", err)
	}
	if err := st.Migrate(ctx); err != nil {
		st.Close()
		return nil, fmt.Errorf("migrate state store: %w", err)
	}
	return st, nil
}
