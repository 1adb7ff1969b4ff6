package execution

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
)

// ApptainerRuntime executes commands in Apptainer containers.
type ApptainerRuntime struct {
	// ApptainerCommand is the path to the apptainer binary (default: "apptainer").
	ApptainerCommand string
}

func (r *ApptainerRuntime) binary() string {
	if r.ApptainerCommand == "" {
		return "apptainer"
	}
	return r.ApptainerCommand
}

// Name implements Runtime.
func (r *ApptainerRuntime) Name() string { return "apptainer" }

// Prepare warms the image cache. Local image files need nothing.
func (r *ApptainerRuntime) Prepare(ctx context.Context, image string) error {
	if image == "" {
		return ErrNoImage
	}
	if _, err := os.Stat(image); err == nil {
		return nil
	}
	out, err := exec.CommandContext(ctx, r.binary(), "exec", imageURI(image), "true").CombinedOutput()
	if err != nil {
		return fmt.Errorf("apptainer prepare %s: %w: %s", image, err, strings.TrimSpace(string(out)))
	}
	return nil
}

// Run executes spec.Script inside spec.Image with host paths bound in place.
func (r *ApptainerRuntime) Run(ctx context.Context, spec RunSpec) (*RunResult, error) {
	if spec.Script == "" {
		return nil, ErrEmptyCommand
	}
	if spec.Image == "" {
		return nil, ErrNoImage
	}
	cmd := exec.CommandContext(ctx, r.binary(), r.buildArgs(spec)...)
	return runCommand(ctx, cmd, spec, nil)
}

func (r *ApptainerRuntime) buildArgs(spec RunSpec) []string {
	args := []string{"exec", "--cleanenv"}
	for _, dir := range mountList(spec) {
		args = append(args, "--bind", dir+":"+dir)
	}
	if spec.WorkDir != "" {
		args = append(args, "--pwd", resolveSymlinks(spec.WorkDir))
	}
	for _, k := range sortedKeys(spec.Env) {
		args = append(args, "--env", k+"="+spec.Env[k])
	}
	args = append(args, imageURI(spec.Image), "/bin/sh", "-c", spec.Script)
	return args
}

// imageURI adds the docker:// transport to bare registry references.
func imageURI(image string) string {
	if strings.Contains(image, "://") || strings.HasSuffix(image, ".sif") {
		return image
	}
	return "docker://" + image
}

// mountList returns the resolved, de-duplicated directories to bind.
func mountList(spec RunSpec) []string {
	seen := make(map[string]bool)
	var dirs []string
	add := func(p string) {
		if p == "" {
			return
		}
		p = resolveSymlinks(p)
		if !seen[p] {
			seen[p] = true
			dirs = append(dirs, p)
		}
	}
	add(spec.WorkDir)
	for _, b := range spec.Binds {
		add(b)
	}
	sort.Strings(dirs)
	return dirs
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// resolveSymlinks returns the absolute, symlink-free form of path, or the
// absolute path when it does not exist yet.
func resolveSymlinks(path string) string {
	absPath, err := filepath.Abs(path)
	if err != nil {
		absPath = path
	}
	resolved, err := filepath.EvalSymlinks(absPath)
	if err != nil {
		return absPath
	}
	return resolved
}
