package execution

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/google/uuid"
)

// DockerRuntime executes commands in Docker containers.
type DockerRuntime struct {
	// DockerCommand is the path to the docker binary (default: "docker").
	DockerCommand string
}

func (r *DockerRuntime) binary() string {
	if r.DockerCommand == "" {
		return "docker"
	}
	return r.DockerCommand
}

// Name implements Runtime.
func (r *DockerRuntime) Name() string { return "docker" }

// Prepare pulls image unless it is already present locally.
func (r *DockerRuntime) Prepare(ctx context.Context, image string) error {
	if image == "" {
		return ErrNoImage
	}
	if err := exec.CommandContext(ctx, r.binary(), "image", "inspect", image).Run(); err == nil {
		return nil
	}
	out, err := exec.CommandContext(ctx, r.binary(), "pull", image).CombinedOutput()
	if err != nil {
		return fmt.Errorf("docker pull %s: %w: %s", image, err, strings.TrimSpace(string(out)))
	}
	return nil
}

// Run executes spec.Script inside spec.Image. The working directory and
// every bind are mounted at their host paths so rendered absolute paths
// stay valid inside the container.
func (r *DockerRuntime) Run(ctx context.Context, spec RunSpec) (*RunResult, error) {
	if spec.Script == "" {
		return nil, ErrEmptyCommand
	}
	if spec.Image == "" {
		return nil, ErrNoImage
	}
	name := "stageflow-" + uuid.NewString()
	cmd := exec.CommandContext(ctx, r.binary(), r.buildArgs(name, spec)...)
	return runCommand(ctx, cmd, spec, func() {
		// Killing the client does not stop the container.
		killCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = exec.CommandContext(killCtx, r.binary(), "kill", name).Run()
	})
}

func (r *DockerRuntime) buildArgs(name string, spec RunSpec) []string {
	args := []string{"run", "--rm", "--name", name}
	if uid, gid := os.Getuid(), os.Getgid(); uid >= 0 {
		args = append(args, "--user", fmt.Sprintf("%d:%d", uid, gid))
	}

	for _, dir := range mountList(spec) {
		args = append(args, "--mount", fmt.Sprintf("type=bind,source=%s,target=%s", dir, dir))
	}
	if spec.WorkDir != "" {
		args = append(args, "-w", resolveSymlinks(spec.WorkDir))
	}
	for _, k := range sortedKeys(spec.Env) {
		args = append(args, "-e", k+"="+spec.Env[k])
	}

	args = append(args, spec.Image, "/bin/sh", "-c", spec.Script)
	return args
}
