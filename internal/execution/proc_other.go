//go:build !unix

package execution

import "os/exec"

func setProcessGroup(cmd *exec.Cmd) {}
