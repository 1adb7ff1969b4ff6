package execution

import (
	"context"
	"fmt"
	"io"
)

// Runtime abstracts where a task command runs (host shell, Docker, Apptainer).
type Runtime interface {
	// Name identifies the runtime in logs and task log headers.
	Name() string
	// Prepare makes image usable, e.g. by pulling it. It is called once
	// per environment reference by Environments.
	Prepare(ctx context.Context, image string) error
	// Run executes a shell command line and returns its exit status.
	Run(ctx context.Context, spec RunSpec) (*RunResult, error)
}

// RunSpec describes what to execute.
type RunSpec struct {
	Script  string            // Shell command line, run with /bin/sh -c
	WorkDir string            // Working directory
	Env     map[string]string // Extra environment variables
	Image   string            // Container image (ignored by the host runtime)
	Binds   []string          // Host directories made visible at the same path
	Output  io.Writer         // Receives stdout and stderr
}

// RunResult holds the result of a command execution.
type RunResult struct {
	ExitCode int
}

// New returns the runtime registered under name. binary overrides the
// container CLI path for container runtimes.
func New(name, binary string) (Runtime, error) {
	switch name {
	case "", "local":
		return &LocalRuntime{}, nil
	case "docker":
		return &DockerRuntime{DockerCommand: binary}, nil
	case "apptainer", "singularity":
		return &ApptainerRuntime{ApptainerCommand: binary}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownRuntime, name)
}
