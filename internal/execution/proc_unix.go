//go:build unix

package execution

import (
	"os/exec"
	"syscall"
)

// setProcessGroup starts cmd in a new process group so cancellation
// reaches every child the shell spawned.
func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
}
